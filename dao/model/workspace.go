package model

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Workspace struct {
	gorm.Model
	Key      string                                `gorm:"uniqueIndex;type:varchar(64);not null;comment:工作区标识"`
	Name     string                                `gorm:"type:varchar(128);not null;comment:工作区名称"`
	Settings datatypes.JSONType[WorkspaceSettings] `gorm:"comment:工作区设置"`
}

// WorkspaceSettings holds the raw per-workspace settings. Nil fields fall back to defaults,
// see pkg/settings for the effective values.
type WorkspaceSettings struct {
	ResolutionOrder              []MappingKind     `json:"resolution_order,omitempty"`
	AutoCreateProject            *bool             `json:"auto_create_project,omitempty"`
	AutoCreateProjectSubprojects *bool             `json:"auto_create_project_subprojects,omitempty"`
	MonorepoMode                 *string           `json:"monorepo_mode,omitempty"`
	MonorepoContextMode          *string           `json:"monorepo_context_mode,omitempty"`
	MonorepoIncludeGlobs         []string          `json:"monorepo_include_globs,omitempty"`
	MonorepoExcludeGlobs         []string          `json:"monorepo_exclude_globs,omitempty"`
	MonorepoMaxDepth             *int              `json:"monorepo_max_depth,omitempty"`
	GithubPermissionSyncEnabled  *bool             `json:"github_permission_sync_enabled,omitempty"`
	GithubPermissionSyncMode     *string           `json:"github_permission_sync_mode,omitempty"`
	GithubCacheTTLSeconds        *int              `json:"github_cache_ttl_seconds,omitempty"`
	GithubRoleMapping            map[string]string `json:"github_role_mapping,omitempty"`
	GithubWebhookSyncMode        *string           `json:"github_webhook_sync_mode,omitempty"`
	GithubProtectedUserIDs       []uint            `json:"github_protected_user_ids,omitempty"`
}

type WorkspaceMember struct {
	gorm.Model
	WorkspaceID uint          `gorm:"uniqueIndex:idx_workspace_member;not null;comment:工作区ID"`
	UserID      uint          `gorm:"uniqueIndex:idx_workspace_member;not null;comment:用户ID"`
	Role        WorkspaceRole `gorm:"type:varchar(32);not null;comment:工作区角色 (MEMBER, ADMIN, OWNER)"`
	Source      MemberSource  `gorm:"type:varchar(32);not null;default:direct;comment:来源 (direct, invite, github_team, github_collaborator, github_sync)"`
}
