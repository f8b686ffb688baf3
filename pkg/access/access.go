// Package access answers "may this principal do that" from the workspace and project role tables.
// Every state changing or sensitive read handler goes through AssertWorkspaceAccess or AssertProjectAccess.
package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
)

// Principal is the authenticated caller.
type Principal struct {
	Kind   model.PrincipalKind
	UserID uint
	Name   string
}

// IsMachine reports env and service principals, which act as workspace OWNER.
func (p Principal) IsMachine() bool {
	return p.Kind == model.PrincipalService || p.Kind == model.PrincipalEnv
}

func (p Principal) String() string {
	if p.IsMachine() {
		return string(p.Kind) + ":" + p.Name
	}
	return p.Name
}

type Service struct {
	db    *gorm.DB
	audit audit.Recorder
}

func New(db *gorm.DB, recorder audit.Recorder) *Service {
	return &Service{db: db, audit: recorder}
}

// RequireWorkspaceMembership returns the caller's workspace role. Machine principals are implicit OWNERs.
func (s *Service) RequireWorkspaceMembership(ctx context.Context, p Principal, workspaceID uint) (model.WorkspaceRole, error) {
	if p.IsMachine() {
		return model.WorkspaceRoleOwner, nil
	}
	role, err := workspaceRole(ctx, s.db, workspaceID, p.UserID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", &apperr.AuthorizationError{
			Required: string(model.WorkspaceRoleMember),
			Message:  fmt.Sprintf("%s is not a member of workspace %d", p.Name, workspaceID),
		}
	}
	return role, nil
}

// RequireProjectMembership returns the caller's project role. Workspace ADMIN and OWNER are implicit
// project OWNERs without a ProjectMember row; legacy roles are normalized.
func (s *Service) RequireProjectMembership(ctx context.Context, p Principal, projectID uint) (model.ProjectRole, error) {
	project := &model.Project{}
	if err := s.db.WithContext(ctx).First(project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperr.NotFound("project", strconv.FormatUint(uint64(projectID), 10))
		}
		return "", fmt.Errorf("Service.RequireProjectMembership: %w", err)
	}
	if p.IsMachine() {
		return model.ProjectRoleOwner, nil
	}

	wsRole, err := workspaceRole(ctx, s.db, project.WorkspaceID, p.UserID)
	if err != nil {
		return "", err
	}
	if wsRole.Rank() >= model.WorkspaceRoleAdmin.Rank() {
		return model.ProjectRoleOwner, nil
	}

	member := &model.ProjectMember{}
	err = s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, p.UserID).Take(member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &apperr.AuthorizationError{
			Required: string(model.ProjectRoleReader),
			Message:  fmt.Sprintf("%s is not a member of project %s", p.Name, project.Key),
		}
	}
	if err != nil {
		return "", fmt.Errorf("Service.RequireProjectMembership: %w", err)
	}
	role := member.Role.Normalize()
	if role == "" {
		return "", &apperr.AuthorizationError{Message: fmt.Sprintf("unknown project role %q", member.Role)}
	}
	return role, nil
}

// AssertWorkspaceAccess fails with an AuthorizationError below required.
func (s *Service) AssertWorkspaceAccess(
	ctx context.Context,
	p Principal,
	workspaceID uint,
	required model.WorkspaceRole,
) (model.WorkspaceRole, error) {
	role, err := s.RequireWorkspaceMembership(ctx, p, workspaceID)
	if err != nil {
		return "", err
	}
	if role.Rank() < required.Rank() {
		return "", &apperr.AuthorizationError{Required: string(required), Actual: string(role)}
	}
	return role, nil
}

// AssertProjectAccess fails with an AuthorizationError below required.
func (s *Service) AssertProjectAccess(ctx context.Context, p Principal, projectID uint, required model.ProjectRole) (model.ProjectRole, error) {
	role, err := s.RequireProjectMembership(ctx, p, projectID)
	if err != nil {
		return "", err
	}
	if role.Rank() < required.Rank() {
		return "", &apperr.AuthorizationError{Required: string(required.Normalize()), Actual: string(role)}
	}
	return role, nil
}

// workspaceRole returns "" when the user has no membership row.
func workspaceRole(ctx context.Context, db *gorm.DB, workspaceID, userID uint) (model.WorkspaceRole, error) {
	member := &model.WorkspaceMember{}
	err := db.WithContext(ctx).Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Take(member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("workspaceRole: %w", err)
	}
	return member.Role, nil
}
