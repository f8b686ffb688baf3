package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
)

// ErrLastOwner is returned for any change that would leave a workspace without an OWNER.
var ErrLastOwner = &apperr.ValidationError{Field: "role", Message: "a workspace must keep at least one OWNER"}

// GuardLastOwner refuses to move userID off OWNER (next != OWNER, "" meaning removal) when it is the
// only OWNER of the workspace. The owner rows are locked for the rest of tx.
func GuardLastOwner(ctx context.Context, tx *gorm.DB, workspaceID, userID uint, next model.WorkspaceRole) error {
	if next == model.WorkspaceRoleOwner {
		return nil
	}
	var owners []uint
	err := tx.WithContext(ctx).Model(&model.WorkspaceMember{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("workspace_id = ? AND role = ?", workspaceID, model.WorkspaceRoleOwner).
		Pluck("user_id", &owners).Error
	if err != nil {
		return fmt.Errorf("GuardLastOwner: %w", err)
	}
	isOwner := false
	for _, id := range owners {
		if id == userID {
			isOwner = true
			break
		}
	}
	if isOwner && len(owners) <= 1 {
		return ErrLastOwner
	}
	return nil
}

func (s *Service) ensureUser(ctx context.Context, userID uint) (*model.User, error) {
	u := &model.User{}
	if err := s.db.WithContext(ctx).First(u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", strconv.FormatUint(uint64(userID), 10))
		}
		return nil, fmt.Errorf("ensureUser: %w", err)
	}
	return u, nil
}

func ownerOnly(actorRole model.WorkspaceRole, roles ...model.WorkspaceRole) error {
	for _, r := range roles {
		if r == model.WorkspaceRoleOwner && actorRole != model.WorkspaceRoleOwner {
			return &apperr.AuthorizationError{
				Required: string(model.WorkspaceRoleOwner),
				Actual:   string(actorRole),
				Message:  "only an OWNER can grant or change the OWNER role",
			}
		}
	}
	return nil
}

// SetWorkspaceMemberRole creates or updates a direct membership. The actor needs ADMIN, and OWNER to
// touch the OWNER role.
func (s *Service) SetWorkspaceMemberRole(
	ctx context.Context,
	actor Principal,
	workspaceID, userID uint,
	role string,
) (*model.WorkspaceMember, error) {
	next, ok := model.ParseWorkspaceRole(role)
	if !ok {
		return nil, apperr.Validation("role", "unknown workspace role %q", role)
	}
	actorRole, err := s.AssertWorkspaceAccess(ctx, actor, workspaceID, model.WorkspaceRoleAdmin)
	if err != nil {
		return nil, err
	}
	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	member := &model.WorkspaceMember{WorkspaceID: workspaceID, UserID: userID, Role: next, Source: model.MemberSourceDirect}
	var previous model.WorkspaceRole
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if previous, err = workspaceRole(ctx, tx, workspaceID, userID); err != nil {
			return err
		}
		if err = ownerOnly(actorRole, next, previous); err != nil {
			return err
		}
		if err = GuardLastOwner(ctx, tx, workspaceID, userID, next); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "source", "updated_at"}),
		}).Create(member).Error
	})
	if err != nil {
		return nil, err
	}

	audit.RecordAudit(ctx, s.audit, workspaceID, audit.ActionWorkspaceMemberSet, user.Name,
		audit.WithActor(actor.String()), audit.WithDetail("role", string(next)), audit.WithDetail("previous", string(previous)))
	return member, nil
}

// RemoveWorkspaceMember deletes the membership and the user's project memberships in the workspace.
func (s *Service) RemoveWorkspaceMember(ctx context.Context, actor Principal, workspaceID, userID uint) error {
	actorRole, err := s.AssertWorkspaceAccess(ctx, actor, workspaceID, model.WorkspaceRoleAdmin)
	if err != nil {
		return err
	}
	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return err
	}

	var previous model.WorkspaceRole
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if previous, err = workspaceRole(ctx, tx, workspaceID, userID); err != nil {
			return err
		}
		if previous == "" {
			return &apperr.NotFoundError{Resource: "workspace member", ID: user.Name}
		}
		if err = ownerOnly(actorRole, previous); err != nil {
			return err
		}
		if err = GuardLastOwner(ctx, tx, workspaceID, userID, ""); err != nil {
			return err
		}
		projects := tx.Model(&model.Project{}).Select("id").Where("workspace_id = ?", workspaceID)
		if err = tx.Unscoped().Where("user_id = ? AND project_id IN (?)", userID, projects).Delete(&model.ProjectMember{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Delete(&model.WorkspaceMember{}).Error
	})
	if err != nil {
		return err
	}

	audit.RecordAudit(ctx, s.audit, workspaceID, audit.ActionWorkspaceMemberRemoved, user.Name,
		audit.WithActor(actor.String()), audit.WithDetail("previous", string(previous)))
	return nil
}

func (s *Service) ListWorkspaceMembers(ctx context.Context, actor Principal, workspaceID uint) ([]model.WorkspaceMember, error) {
	if _, err := s.AssertWorkspaceAccess(ctx, actor, workspaceID, model.WorkspaceRoleMember); err != nil {
		return nil, err
	}
	var rows []model.WorkspaceMember
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Service.ListWorkspaceMembers: %w", err)
	}
	return rows, nil
}

// SetProjectMemberRole needs project MAINTAINER, and project OWNER to touch the OWNER role.
// The target must already belong to the project's workspace.
func (s *Service) SetProjectMemberRole(
	ctx context.Context,
	actor Principal,
	projectID, userID uint,
	role string,
) (*model.ProjectMember, error) {
	next, ok := model.ParseProjectRole(role)
	if !ok {
		return nil, apperr.Validation("role", "unknown project role %q", role)
	}
	actorRole, err := s.AssertProjectAccess(ctx, actor, projectID, model.ProjectRoleMaintainer)
	if err != nil {
		return nil, err
	}
	user, err := s.ensureUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	project := &model.Project{}
	if err = s.db.WithContext(ctx).First(project, projectID).Error; err != nil {
		return nil, fmt.Errorf("Service.SetProjectMemberRole: %w", err)
	}
	wsRole, err := workspaceRole(ctx, s.db, project.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}
	if wsRole == "" {
		return nil, apperr.Validation("user_id", "%s is not a member of the workspace", user.Name)
	}

	member := &model.ProjectMember{ProjectID: projectID, UserID: userID, Role: next, Source: model.MemberSourceDirect}
	var previous model.ProjectRole
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := &model.ProjectMember{}
		err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).Take(current).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		previous = current.Role.Normalize()
		if (next == model.ProjectRoleOwner || previous == model.ProjectRoleOwner) && actorRole != model.ProjectRoleOwner {
			return &apperr.AuthorizationError{Required: string(model.ProjectRoleOwner), Actual: string(actorRole)}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "source", "updated_at"}),
		}).Create(member).Error
	})
	if err != nil {
		return nil, err
	}

	audit.RecordAudit(ctx, s.audit, project.WorkspaceID, audit.ActionProjectMemberSet, project.Key+"/"+user.Name,
		audit.WithActor(actor.String()), audit.WithDetail("role", string(next)), audit.WithDetail("previous", string(previous)))
	return member, nil
}

func (s *Service) RemoveProjectMember(ctx context.Context, actor Principal, projectID, userID uint) error {
	actorRole, err := s.AssertProjectAccess(ctx, actor, projectID, model.ProjectRoleMaintainer)
	if err != nil {
		return err
	}
	project := &model.Project{}
	if err = s.db.WithContext(ctx).First(project, projectID).Error; err != nil {
		return fmt.Errorf("Service.RemoveProjectMember: %w", err)
	}
	current := &model.ProjectMember{}
	err = s.db.WithContext(ctx).Where("project_id = ? AND user_id = ?", projectID, userID).Take(current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &apperr.NotFoundError{Resource: "project member", ID: strconv.FormatUint(uint64(userID), 10)}
	}
	if err != nil {
		return fmt.Errorf("Service.RemoveProjectMember: %w", err)
	}
	if current.Role.Normalize() == model.ProjectRoleOwner && actorRole != model.ProjectRoleOwner {
		return &apperr.AuthorizationError{Required: string(model.ProjectRoleOwner), Actual: string(actorRole)}
	}
	if err = s.db.WithContext(ctx).Unscoped().Delete(current).Error; err != nil {
		return fmt.Errorf("Service.RemoveProjectMember: %w", err)
	}

	audit.RecordAudit(ctx, s.audit, project.WorkspaceID, audit.ActionProjectMemberRemoved,
		project.Key+"/"+strconv.FormatUint(uint64(userID), 10),
		audit.WithActor(actor.String()), audit.WithDetail("previous", string(current.Role)))
	return nil
}

func (s *Service) ListProjectMembers(ctx context.Context, actor Principal, projectID uint) ([]model.ProjectMember, error) {
	if _, err := s.AssertProjectAccess(ctx, actor, projectID, model.ProjectRoleReader); err != nil {
		return nil, err
	}
	var rows []model.ProjectMember
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Service.ListProjectMembers: %w", err)
	}
	return rows, nil
}
