// Package mapping owns the (workspace, kind, external id) -> project table and project creation.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UnitOfWork is an explicit database transaction. Rollback after Commit is a no-op,
// so callers can always `defer uow.Rollback()`.
type UnitOfWork struct {
	tx   *gorm.DB
	done bool
}

func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("Store.Begin: %w", tx.Error)
	}
	return &UnitOfWork{tx: tx}, nil
}

func (u *UnitOfWork) Tx() *gorm.DB { return u.tx }

func (u *UnitOfWork) Commit() error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	u.done = true
	return u.tx.Commit().Error
}

func (u *UnitOfWork) Rollback() {
	if u.done {
		return
	}
	u.done = true
	u.tx.Rollback()
}

// EnsureProjectMapping upserts by (workspace, kind, external id). An existing row is re-pointed at
// projectID and re-enabled; a new row gets the next priority of its kind.
func EnsureProjectMapping(
	ctx context.Context,
	tx *gorm.DB,
	workspaceID uint,
	kind model.MappingKind,
	externalID string,
	projectID uint,
) (*model.ProjectMapping, error) {
	if !kind.Valid() {
		return nil, apperr.Validation("kind", "unknown mapping kind %q", kind)
	}
	if externalID == "" {
		return nil, apperr.Validation("external_id", "must not be empty")
	}
	tx = tx.WithContext(ctx)

	existing := &model.ProjectMapping{}
	err := tx.Where("workspace_id = ? AND kind = ? AND external_id = ?", workspaceID, kind, externalID).Take(existing).Error
	switch {
	case err == nil:
		if existing.ProjectID != projectID || !existing.IsEnabled {
			err = tx.Model(existing).Updates(map[string]any{"project_id": projectID, "is_enabled": true}).Error
			if err != nil {
				return nil, fmt.Errorf("EnsureProjectMapping: %w", err)
			}
			existing.ProjectID, existing.IsEnabled = projectID, true
		}
		return existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("EnsureProjectMapping: %w", err)
	}

	var maxPriority int
	err = tx.Model(&model.ProjectMapping{}).
		Where("workspace_id = ? AND kind = ?", workspaceID, kind).
		Select("COALESCE(MAX(priority), 0)").
		Scan(&maxPriority).Error
	if err != nil {
		return nil, fmt.Errorf("EnsureProjectMapping: %w", err)
	}

	row := &model.ProjectMapping{
		WorkspaceID: workspaceID,
		Kind:        kind,
		ExternalID:  externalID,
		ProjectID:   projectID,
		Priority:    maxPriority + 1,
		IsEnabled:   true,
	}
	// a concurrent writer may have inserted the same key in the meantime; its row is re-pointed instead
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "kind"}, {Name: "external_id"}},
		DoUpdates: clause.Assignments(map[string]any{"project_id": projectID, "is_enabled": true}),
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("EnsureProjectMapping: %w", err)
	}

	saved := &model.ProjectMapping{}
	err = tx.Where("workspace_id = ? AND kind = ? AND external_id = ?", workspaceID, kind, externalID).Take(saved).Error
	if err != nil {
		return nil, fmt.Errorf("EnsureProjectMapping: %w", err)
	}
	return saved, nil
}

type CreateRequest struct {
	WorkspaceID uint
	ProjectKey  string
	ProjectName string
	Metadata    datatypes.JSON
	Kind        model.MappingKind
	ExternalID  string
}

type CreateResult struct {
	Project *model.Project
	Mapping *model.ProjectMapping
	// Created is true only when the project row did not exist before this call.
	Created bool
}

// CreateProjectAndMapping upserts the project by (workspace, key) and then its mapping, in one unit of
// work. Repeating the call with the same key is a no-op apart from a project name update.
func (s *Store) CreateProjectAndMapping(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.ProjectKey == "" {
		return nil, apperr.Validation("project_key", "must not be empty")
	}
	uow, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	project, created, err := upsertProject(ctx, uow.Tx(), req)
	if err != nil {
		return nil, err
	}
	m, err := EnsureProjectMapping(ctx, uow.Tx(), req.WorkspaceID, req.Kind, req.ExternalID, project.ID)
	if err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("Store.CreateProjectAndMapping: %w", err)
	}
	return &CreateResult{Project: project, Mapping: m, Created: created}, nil
}

func upsertProject(ctx context.Context, tx *gorm.DB, req CreateRequest) (*model.Project, bool, error) {
	tx = tx.WithContext(ctx)
	name := req.ProjectName
	if name == "" {
		name = req.ProjectKey
	}

	project := &model.Project{}
	err := tx.Where(&model.Project{WorkspaceID: req.WorkspaceID, Key: req.ProjectKey}).Take(project).Error
	if err == nil {
		if project.Name != name {
			if err = tx.Model(project).Update("name", name).Error; err != nil {
				return nil, false, fmt.Errorf("upsertProject: %w", err)
			}
		}
		return project, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("upsertProject: %w", err)
	}

	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = datatypes.JSON("{}")
	}
	project = &model.Project{WorkspaceID: req.WorkspaceID, Key: req.ProjectKey, Name: name, Metadata: metadata}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "key"}},
		DoNothing: true,
	}).Create(project)
	if res.Error != nil {
		return nil, false, fmt.Errorf("upsertProject: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return project, true, nil
	}

	// lost the race: somebody else created it
	project = &model.Project{}
	if err = tx.Where(&model.Project{WorkspaceID: req.WorkspaceID, Key: req.ProjectKey}).Take(project).Error; err != nil {
		return nil, false, fmt.Errorf("upsertProject: %w", err)
	}
	return project, false, nil
}

// SortByPriority orders mappings by priority, then creation order. The sort is stable.
func SortByPriority(rows []model.ProjectMapping) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority < rows[j].Priority
		}
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

// FindEnabled returns the enabled mappings of kind whose external id is one of externalIDs.
func (s *Store) FindEnabled(ctx context.Context, workspaceID uint, kind model.MappingKind, externalIDs []string) ([]model.ProjectMapping, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var rows []model.ProjectMapping
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND kind = ? AND is_enabled = ?", workspaceID, kind, true).
		Where("external_id IN ?", externalIDs).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("Store.FindEnabled: %w", err)
	}
	SortByPriority(rows)
	return rows, nil
}

// ListMappings returns every mapping of a workspace grouped by kind, each group in evaluation order.
func (s *Store) ListMappings(ctx context.Context, workspaceID uint) ([]model.ProjectMapping, error) {
	var rows []model.ProjectMapping
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Store.ListMappings: %w", err)
	}
	byKind := map[model.MappingKind][]model.ProjectMapping{}
	for i := range rows {
		byKind[rows[i].Kind] = append(byKind[rows[i].Kind], rows[i])
	}
	out := make([]model.ProjectMapping, 0, len(rows))
	for _, kind := range []model.MappingKind{model.MappingKindGithubRemote, model.MappingKindRepoRootSlug, model.MappingKindManual} {
		group := byKind[kind]
		SortByPriority(group)
		out = append(out, group...)
	}
	return out, nil
}

// SetEnabled toggles a mapping. Mappings are never deleted so their priority slot survives.
func (s *Store) SetEnabled(ctx context.Context, workspaceID, mappingID uint, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&model.ProjectMapping{}).
		Where("id = ? AND workspace_id = ?", mappingID, workspaceID).
		Update("is_enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("Store.SetEnabled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("project mapping", strconv.FormatUint(uint64(mappingID), 10))
	}
	return nil
}

func (s *Store) DisableMapping(ctx context.Context, workspaceID, mappingID uint) error {
	return s.SetEnabled(ctx, workspaceID, mappingID, false)
}

// GetProject loads a project of the workspace by id.
func (s *Store) GetProject(ctx context.Context, workspaceID, projectID uint) (*model.Project, error) {
	p := &model.Project{}
	err := s.db.WithContext(ctx).Where("id = ? AND workspace_id = ?", projectID, workspaceID).Take(p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("project", strconv.FormatUint(uint64(projectID), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("Store.GetProject: %w", err)
	}
	return p, nil
}

// GetProjectByKey loads a project of the workspace by key.
func (s *Store) GetProjectByKey(ctx context.Context, workspaceID uint, key string) (*model.Project, error) {
	p := &model.Project{}
	err := s.db.WithContext(ctx).Where(&model.Project{WorkspaceID: workspaceID, Key: key}).Take(p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("project", key)
	}
	if err != nil {
		return nil, fmt.Errorf("Store.GetProjectByKey: %w", err)
	}
	return p, nil
}
