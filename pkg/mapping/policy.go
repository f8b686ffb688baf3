package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/monorepo"
)

// HasSubprojectPolicy reports whether split_on_demand may compose repoKey#subpath.
func (s *Store) HasSubprojectPolicy(ctx context.Context, workspaceID uint, repoKey, subpath string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.MonorepoSubprojectPolicy{}).
		Where(&model.MonorepoSubprojectPolicy{WorkspaceID: workspaceID, RepoKey: repoKey, Subpath: subpath}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("Store.HasSubprojectPolicy: %w", err)
	}
	return count > 0, nil
}

// AddSubprojectPolicy allow-lists subpath for repoKey. The subpath is normalized the same way
// detected subpaths are, so the lookup in HasSubprojectPolicy matches.
func (s *Store) AddSubprojectPolicy(ctx context.Context, workspaceID uint, repoKey, subpath string) (*model.MonorepoSubprojectPolicy, error) {
	segs := monorepo.SplitPath(subpath)
	if len(segs) == 0 {
		return nil, apperr.Validation("subpath", "must contain at least one usable segment")
	}
	if repoKey == "" {
		return nil, apperr.Validation("repo_key", "must not be empty")
	}
	policy := &model.MonorepoSubprojectPolicy{WorkspaceID: workspaceID, RepoKey: repoKey, Subpath: strings.Join(segs, "/")}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(policy).Error
	if err != nil {
		return nil, fmt.Errorf("Store.AddSubprojectPolicy: %w", err)
	}
	if policy.ID == 0 {
		err = s.db.WithContext(ctx).Where(&model.MonorepoSubprojectPolicy{
			WorkspaceID: workspaceID, RepoKey: policy.RepoKey, Subpath: policy.Subpath,
		}).Take(policy).Error
		if err != nil {
			return nil, fmt.Errorf("Store.AddSubprojectPolicy: %w", err)
		}
	}
	return policy, nil
}

func (s *Store) ListSubprojectPolicies(ctx context.Context, workspaceID uint) ([]model.MonorepoSubprojectPolicy, error) {
	var rows []model.MonorepoSubprojectPolicy
	err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("repo_key, subpath").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("Store.ListSubprojectPolicies: %w", err)
	}
	return rows, nil
}

// DeleteSubprojectPolicy removes the allow-list row. Projects already created stay.
func (s *Store) DeleteSubprojectPolicy(ctx context.Context, workspaceID, policyID uint) error {
	res := s.db.WithContext(ctx).Unscoped().
		Where("id = ? AND workspace_id = ?", policyID, workspaceID).
		Delete(&model.MonorepoSubprojectPolicy{})
	if res.Error != nil {
		return fmt.Errorf("Store.DeleteSubprojectPolicy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("subproject policy", strconv.FormatUint(uint64(policyID), 10))
	}
	return nil
}

