package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type GithubInstallation struct {
	gorm.Model
	WorkspaceID         uint   `gorm:"uniqueIndex;not null;comment:工作区ID"`
	InstallationID      int64  `gorm:"uniqueIndex;not null;comment:GitHub App 安装ID"`
	AccountLogin        string `gorm:"type:varchar(128);not null;comment:安装账户"`
	AccountType         string `gorm:"type:varchar(32);comment:账户类型 (Organization, User)"`
	RepositorySelection string `gorm:"type:varchar(32);comment:仓库选择 (all, selected)"`
}

// GithubRepoLink is deactivated rather than deleted when a repository leaves the installation.
type GithubRepoLink struct {
	gorm.Model
	WorkspaceID     uint   `gorm:"uniqueIndex:idx_repo_link;not null;comment:工作区ID"`
	GithubRepoID    int64  `gorm:"uniqueIndex:idx_repo_link;not null;comment:GitHub 仓库ID"`
	FullName        string `gorm:"type:varchar(256);not null;comment:仓库全名 owner/repo"`
	LinkedProjectID *uint  `gorm:"index;comment:关联项目ID"`
	IsActive        bool   `gorm:"not null;default:true;comment:是否有效"`
}

type GithubTeamMapping struct {
	gorm.Model
	WorkspaceID  uint              `gorm:"index;not null;comment:工作区ID"`
	GithubTeamID int64             `gorm:"index;not null;comment:GitHub 团队ID"`
	TeamSlug     string            `gorm:"type:varchar(128);not null;comment:团队 slug"`
	TargetType   TeamMappingTarget `gorm:"type:varchar(32);not null;comment:目标类型 (workspace, project)"`
	TargetKey    string            `gorm:"type:varchar(256);comment:目标标识, 工作区目标为空"`
	Role         string            `gorm:"type:varchar(32);not null;comment:授予的角色"`
	Enabled      bool              `gorm:"not null;default:true;comment:是否启用"`
	Priority     int               `gorm:"not null;default:0;comment:优先级"`
}

type GithubUserLink struct {
	gorm.Model
	WorkspaceID  uint   `gorm:"uniqueIndex:idx_user_link_user;uniqueIndex:idx_user_link_login;not null;comment:工作区ID"`
	UserID       uint   `gorm:"uniqueIndex:idx_user_link_user;not null;comment:用户ID"`
	GithubLogin  string `gorm:"uniqueIndex:idx_user_link_login;type:varchar(128);not null;comment:GitHub 登录名(小写)"`
	GithubUserID int64  `gorm:"index;comment:GitHub 用户ID"`
}

type CachedTeam struct {
	ID         int64  `json:"id"`
	Slug       string `json:"slug"`
	Permission string `json:"permission"`
}

type CachedTeamMember struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// GithubRepoTeamsCache caches repo -> teams.
type GithubRepoTeamsCache struct {
	ID          uint                             `gorm:"primarykey"`
	WorkspaceID uint                             `gorm:"uniqueIndex:idx_repo_teams_cache;not null"`
	RepoID      int64                            `gorm:"uniqueIndex:idx_repo_teams_cache;not null"`
	Teams       datatypes.JSONType[[]CachedTeam] `gorm:"comment:仓库关联的团队"`
	UpdatedAt   time.Time                        `gorm:"not null"`
}

// GithubTeamMembersCache caches team -> members.
type GithubTeamMembersCache struct {
	ID          uint                                   `gorm:"primarykey"`
	WorkspaceID uint                                   `gorm:"uniqueIndex:idx_team_members_cache;not null"`
	TeamID      int64                                  `gorm:"uniqueIndex:idx_team_members_cache;not null"`
	Members     datatypes.JSONType[[]CachedTeamMember] `gorm:"comment:团队成员"`
	UpdatedAt   time.Time                              `gorm:"not null"`
}

// GithubRepoPermissionsCache caches repo -> login -> effective github permission.
type GithubRepoPermissionsCache struct {
	ID          uint                                  `gorm:"primarykey"`
	WorkspaceID uint                                  `gorm:"uniqueIndex:idx_repo_permissions_cache;not null"`
	RepoID      int64                                 `gorm:"uniqueIndex:idx_repo_permissions_cache;not null"`
	Permissions datatypes.JSONType[map[string]string] `gorm:"comment:登录名到权限的映射"`
	UpdatedAt   time.Time                             `gorm:"not null"`
}

func (GithubRepoTeamsCache) TableName() string { return "github_repo_teams_cache" }

func (GithubTeamMembersCache) TableName() string { return "github_team_members_cache" }

func (GithubRepoPermissionsCache) TableName() string { return "github_repo_permissions_cache" }
