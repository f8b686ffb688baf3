package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
)

// TeamMappingRequest creates or replaces a team mapping. Enabled defaults to true.
type TeamMappingRequest struct {
	GithubTeamID int64                   `json:"githubTeamId" binding:"required"`
	TeamSlug     string                  `json:"teamSlug" binding:"required"`
	TargetType   model.TeamMappingTarget `json:"targetType" binding:"required"`
	TargetKey    string                  `json:"targetKey"`
	Role         string                  `json:"role" binding:"required"`
	Enabled      *bool                   `json:"enabled"`
	Priority     int                     `json:"priority"`
}

// Admin manages team mappings and user links and audits every change.
type Admin struct {
	db    *gorm.DB
	audit audit.Recorder
}

func NewAdmin(db *gorm.DB, recorder audit.Recorder) *Admin {
	return &Admin{db: db, audit: recorder}
}

func (a *Admin) validate(ctx context.Context, workspaceID uint, req *TeamMappingRequest) error {
	if req.GithubTeamID <= 0 {
		return apperr.Validation("githubTeamId", "must be positive")
	}
	req.TeamSlug = strings.TrimSpace(req.TeamSlug)
	if req.TeamSlug == "" {
		return apperr.Validation("teamSlug", "must not be empty")
	}
	switch req.TargetType {
	case model.TeamMappingTargetWorkspace:
		role, ok := model.ParseWorkspaceRole(req.Role)
		if !ok || role == model.WorkspaceRoleOwner {
			return apperr.Validation("role", "workspace mappings grant MEMBER or ADMIN, got %q", req.Role)
		}
		req.Role, req.TargetKey = string(role), ""
	case model.TeamMappingTargetProject:
		role, ok := model.ParseProjectRole(req.Role)
		if !ok || role == model.ProjectRoleOwner {
			return apperr.Validation("role", "project mappings grant READER, WRITER or MAINTAINER, got %q", req.Role)
		}
		req.Role = string(role)
		var n int64
		err := a.db.WithContext(ctx).Model(&model.Project{}).
			Where(&model.Project{WorkspaceID: workspaceID, Key: req.TargetKey}).Count(&n).Error
		if err != nil {
			return fmt.Errorf("Admin.validate: %w", err)
		}
		if n == 0 {
			return apperr.Validation("targetKey", "project %q does not exist", req.TargetKey)
		}
	default:
		return apperr.Validation("targetType", "unknown target type %q", req.TargetType)
	}
	return nil
}

func (a *Admin) CreateTeamMapping(ctx context.Context, actor string, workspaceID uint, req TeamMappingRequest) (*model.GithubTeamMapping, error) {
	if err := a.validate(ctx, workspaceID, &req); err != nil {
		return nil, err
	}
	m := &model.GithubTeamMapping{
		WorkspaceID:  workspaceID,
		GithubTeamID: req.GithubTeamID,
		TeamSlug:     req.TeamSlug,
		TargetType:   req.TargetType,
		TargetKey:    req.TargetKey,
		Role:         req.Role,
		Enabled:      req.Enabled == nil || *req.Enabled,
		Priority:     req.Priority,
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		// gorm replaces a zero bool by the column default on create
		if req.Enabled != nil && !*req.Enabled {
			m.Enabled = false
			return tx.Model(m).Update("enabled", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Admin.CreateTeamMapping: %w", err)
	}
	audit.RecordAudit(ctx, a.audit, workspaceID, audit.ActionTeamMappingCreated, m.TeamSlug,
		audit.WithActor(actor), audit.WithDetail("mapping_id", m.ID), audit.WithDetail("target", string(m.TargetType)+":"+m.TargetKey),
		audit.WithDetail("role", m.Role))
	return m, nil
}

func (a *Admin) getTeamMapping(ctx context.Context, workspaceID, id uint) (*model.GithubTeamMapping, error) {
	m := &model.GithubTeamMapping{}
	err := a.db.WithContext(ctx).Where("workspace_id = ? AND id = ?", workspaceID, id).Take(m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("team mapping", strconv.FormatUint(uint64(id), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("Admin.getTeamMapping: %w", err)
	}
	return m, nil
}

func (a *Admin) UpdateTeamMapping(
	ctx context.Context,
	actor string,
	workspaceID, id uint,
	req TeamMappingRequest,
) (*model.GithubTeamMapping, error) {
	m, err := a.getTeamMapping(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if err = a.validate(ctx, workspaceID, &req); err != nil {
		return nil, err
	}
	m.GithubTeamID, m.TeamSlug, m.TargetType, m.TargetKey = req.GithubTeamID, req.TeamSlug, req.TargetType, req.TargetKey
	m.Role, m.Priority = req.Role, req.Priority
	if req.Enabled != nil {
		m.Enabled = *req.Enabled
	}
	if err = a.db.WithContext(ctx).Save(m).Error; err != nil {
		return nil, fmt.Errorf("Admin.UpdateTeamMapping: %w", err)
	}
	audit.RecordAudit(ctx, a.audit, workspaceID, audit.ActionTeamMappingUpdated, m.TeamSlug,
		audit.WithActor(actor), audit.WithDetail("mapping_id", m.ID), audit.WithDetail("enabled", m.Enabled),
		audit.WithDetail("role", m.Role))
	return m, nil
}

func (a *Admin) DeleteTeamMapping(ctx context.Context, actor string, workspaceID, id uint) error {
	m, err := a.getTeamMapping(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if err = a.db.WithContext(ctx).Delete(m).Error; err != nil {
		return fmt.Errorf("Admin.DeleteTeamMapping: %w", err)
	}
	audit.RecordAudit(ctx, a.audit, workspaceID, audit.ActionTeamMappingDeleted, m.TeamSlug,
		audit.WithActor(actor), audit.WithDetail("mapping_id", m.ID))
	return nil
}

// ListTeamMappings returns the mappings in the order they are applied.
func (a *Admin) ListTeamMappings(ctx context.Context, workspaceID uint) ([]model.GithubTeamMapping, error) {
	var rows []model.GithubTeamMapping
	if err := a.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Admin.ListTeamMappings: %w", err)
	}
	SortMappings(rows)
	return rows, nil
}

// LinkUser ties userID to a GitHub login, replacing an earlier link of the same user. A login already
// linked to somebody else is rejected.
func (a *Admin) LinkUser(
	ctx context.Context,
	actor string,
	workspaceID, userID uint,
	login string,
	githubUserID int64,
) (*model.GithubUserLink, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return nil, apperr.Validation("githubLogin", "must not be empty")
	}
	if err := a.db.WithContext(ctx).First(&model.User{}, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user", strconv.FormatUint(uint64(userID), 10))
		}
		return nil, fmt.Errorf("Admin.LinkUser: %w", err)
	}

	link := &model.GithubUserLink{WorkspaceID: workspaceID, UserID: userID, GithubLogin: login, GithubUserID: githubUserID}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		other := &model.GithubUserLink{}
		err := tx.Where("workspace_id = ? AND github_login = ? AND user_id <> ?", workspaceID, login, userID).Take(other).Error
		if err == nil {
			return apperr.Validation("githubLogin", "%s is already linked to user %d", login, other.UserID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"github_login", "github_user_id", "updated_at"}),
		}).Create(link).Error
	})
	if err != nil {
		return nil, err
	}
	audit.RecordAudit(ctx, a.audit, workspaceID, audit.ActionUserLinkCreated, login,
		audit.WithActor(actor), audit.WithDetail("user_id", userID))
	return link, nil
}

func (a *Admin) UnlinkUser(ctx context.Context, actor string, workspaceID, userID uint) error {
	link := &model.GithubUserLink{}
	err := a.db.WithContext(ctx).Where("workspace_id = ? AND user_id = ?", workspaceID, userID).Take(link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("github user link", strconv.FormatUint(uint64(userID), 10))
	}
	if err != nil {
		return fmt.Errorf("Admin.UnlinkUser: %w", err)
	}
	if err = a.db.WithContext(ctx).Unscoped().Delete(link).Error; err != nil {
		return fmt.Errorf("Admin.UnlinkUser: %w", err)
	}
	audit.RecordAudit(ctx, a.audit, workspaceID, audit.ActionUserLinkDeleted, link.GithubLogin,
		audit.WithActor(actor), audit.WithDetail("user_id", userID))
	return nil
}

func (a *Admin) ListUserLinks(ctx context.Context, workspaceID uint) ([]model.GithubUserLink, error) {
	var rows []model.GithubUserLink
	if err := a.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("github_login").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Admin.ListUserLinks: %w", err)
	}
	return rows, nil
}
