// 定义与数据库表字段对应的常量
// 角色与状态统一以字符串形式落库，便于兼容旧数据（例如项目角色中遗留的 ADMIN / MEMBER）
package model

import "strings"

// WorkspaceRole is the role of a user inside a workspace.
type WorkspaceRole string

const (
	WorkspaceRoleMember WorkspaceRole = "MEMBER"
	WorkspaceRoleAdmin  WorkspaceRole = "ADMIN"
	WorkspaceRoleOwner  WorkspaceRole = "OWNER"
)

// Rank returns 0 for unknown roles.
func (r WorkspaceRole) Rank() int {
	switch r {
	case WorkspaceRoleMember:
		return 1
	case WorkspaceRoleAdmin:
		return 2
	case WorkspaceRoleOwner:
		return 3
	default:
		return 0
	}
}

func ParseWorkspaceRole(s string) (WorkspaceRole, bool) {
	r := WorkspaceRole(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Rank() > 0
}

// ProjectRole is the role of a user inside a project.
type ProjectRole string

const (
	ProjectRoleReader     ProjectRole = "READER"
	ProjectRoleWriter     ProjectRole = "WRITER"
	ProjectRoleMaintainer ProjectRole = "MAINTAINER"
	ProjectRoleOwner      ProjectRole = "OWNER"

	// legacy values still present in older rows
	projectRoleLegacyAdmin  ProjectRole = "ADMIN"
	projectRoleLegacyMember ProjectRole = "MEMBER"
)

// Normalize maps legacy project roles onto the current hierarchy.
func (r ProjectRole) Normalize() ProjectRole {
	switch ProjectRole(strings.ToUpper(strings.TrimSpace(string(r)))) {
	case ProjectRoleReader:
		return ProjectRoleReader
	case ProjectRoleWriter, projectRoleLegacyMember:
		return ProjectRoleWriter
	case ProjectRoleMaintainer:
		return ProjectRoleMaintainer
	case ProjectRoleOwner, projectRoleLegacyAdmin:
		return ProjectRoleOwner
	default:
		return ""
	}
}

// Rank returns 0 for unknown roles.
func (r ProjectRole) Rank() int {
	switch r.Normalize() {
	case ProjectRoleReader:
		return 1
	case ProjectRoleWriter:
		return 2
	case ProjectRoleMaintainer:
		return 3
	case ProjectRoleOwner:
		return 4
	default:
		return 0
	}
}

func ParseProjectRole(s string) (ProjectRole, bool) {
	r := ProjectRole(s).Normalize()
	return r, r != ""
}

// MemberSource records who created a membership row.
type MemberSource string

const (
	MemberSourceDirect             MemberSource = "direct"
	MemberSourceInvite             MemberSource = "invite"
	MemberSourceGithubTeam         MemberSource = "github_team"
	MemberSourceGithubCollaborator MemberSource = "github_collaborator"
	// granted by both sync paths, and rows written before the paths were told apart
	MemberSourceGithubSync         MemberSource = "github_sync"
)

// MappingKind is a strategy for deriving an external id.
type MappingKind string

const (
	MappingKindGithubRemote MappingKind = "github_remote"
	MappingKindRepoRootSlug MappingKind = "repo_root_slug"
	MappingKindManual       MappingKind = "manual"
)

func (k MappingKind) Valid() bool {
	switch k {
	case MappingKindGithubRemote, MappingKindRepoRootSlug, MappingKindManual:
		return true
	default:
		return false
	}
}

// TeamMappingTarget is the kind of object a GitHub team mapping grants roles on.
type TeamMappingTarget string

const (
	TeamMappingTargetWorkspace TeamMappingTarget = "workspace"
	TeamMappingTargetProject   TeamMappingTarget = "project"
)

// WebhookStatus is the processing state of a queued webhook delivery.
type WebhookStatus string

const (
	WebhookStatusQueued     WebhookStatus = "queued"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusDone       WebhookStatus = "done"
	WebhookStatusFailed     WebhookStatus = "failed"
)

// PrincipalKind distinguishes human users from machine callers.
type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalService PrincipalKind = "service"
	PrincipalEnv     PrincipalKind = "env"
)

// User status
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)
