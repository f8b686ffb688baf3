package model

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Project struct {
	gorm.Model
	WorkspaceID uint           `gorm:"uniqueIndex:idx_project_key;not null;comment:工作区ID"`
	Key         string         `gorm:"uniqueIndex:idx_project_key;type:varchar(256);not null;comment:项目标识 (github:owner/repo#subpath)"`
	Name        string         `gorm:"type:varchar(256);not null;comment:项目名"`
	Metadata    datatypes.JSON `gorm:"comment:项目元数据"`
}

type ProjectMember struct {
	gorm.Model
	ProjectID uint         `gorm:"uniqueIndex:idx_project_member;not null;comment:项目ID"`
	UserID    uint         `gorm:"uniqueIndex:idx_project_member;not null;comment:用户ID"`
	Role      ProjectRole  `gorm:"type:varchar(32);not null;comment:项目角色 (READER, WRITER, MAINTAINER, OWNER)"`
	Source    MemberSource `gorm:"type:varchar(32);not null;default:direct;comment:来源 (direct, invite, github_team, github_collaborator, github_sync)"`
}

// ProjectMapping joins an external identity (git remote, repo slug, manual key) to a project.
// Lower priority values win among rows of the same kind.
type ProjectMapping struct {
	gorm.Model
	WorkspaceID uint        `gorm:"uniqueIndex:idx_project_mapping;not null;comment:工作区ID"`
	Kind        MappingKind `gorm:"uniqueIndex:idx_project_mapping;type:varchar(32);not null;comment:映射类型"`
	ExternalID  string      `gorm:"uniqueIndex:idx_project_mapping;type:varchar(512);not null;comment:外部标识"`
	ProjectID   uint        `gorm:"index;not null;comment:项目ID"`
	Priority    int         `gorm:"not null;default:0;comment:优先级"`
	IsEnabled   bool        `gorm:"not null;default:true;comment:是否启用"`
}

// MonorepoSubprojectPolicy allows split_on_demand to create repo#subpath projects.
type MonorepoSubprojectPolicy struct {
	gorm.Model
	WorkspaceID uint   `gorm:"uniqueIndex:idx_subproject_policy;not null;comment:工作区ID"`
	RepoKey     string `gorm:"uniqueIndex:idx_subproject_policy;type:varchar(256);not null;comment:仓库项目标识"`
	Subpath     string `gorm:"uniqueIndex:idx_subproject_policy;type:varchar(256);not null;comment:子路径"`
}
