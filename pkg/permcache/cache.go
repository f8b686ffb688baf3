// Package permcache stores the three GitHub lookups that permission recompute depends on:
// repo -> teams, team -> members and repo -> computed permissions.
//
// Entries carry updated_at and are judged stale lazily at read time against the workspace TTL;
// nothing sweeps them. Invalidation always names the ids to drop.
package permcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/permission"
)

type Cache struct {
	db    *gorm.DB
	clock clock.PassiveClock
}

func New(db *gorm.DB, clk clock.PassiveClock) *Cache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Cache{db: db, clock: clk}
}

// WithDB returns a copy bound to tx.
func (c *Cache) WithDB(tx *gorm.DB) *Cache {
	return &Cache{db: tx, clock: c.clock}
}

func (c *Cache) fresh(updatedAt time.Time, ttl time.Duration) bool {
	return ttl > 0 && c.clock.Since(updatedAt) < ttl
}

// GetRepoTeams returns the cached teams of repoID if present and younger than ttl.
func (c *Cache) GetRepoTeams(ctx context.Context, workspaceID uint, repoID int64, ttl time.Duration) ([]model.CachedTeam, bool, error) {
	row := &model.GithubRepoTeamsCache{}
	err := c.db.WithContext(ctx).Where("workspace_id = ? AND repo_id = ?", workspaceID, repoID).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Cache.GetRepoTeams: %w", err)
	}
	if !c.fresh(row.UpdatedAt, ttl) {
		return nil, false, nil
	}
	return row.Teams.Data(), true, nil
}

func (c *Cache) PutRepoTeams(ctx context.Context, workspaceID uint, repoID int64, teams []model.CachedTeam) error {
	row := &model.GithubRepoTeamsCache{
		WorkspaceID: workspaceID,
		RepoID:      repoID,
		Teams:       datatypes.NewJSONType(lo.Ternary(teams == nil, []model.CachedTeam{}, teams)),
		UpdatedAt:   c.clock.Now(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "repo_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"teams", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("Cache.PutRepoTeams: %w", err)
	}
	return nil
}

// GetTeamMembers returns the cached members of teamID if present and younger than ttl.
func (c *Cache) GetTeamMembers(ctx context.Context, workspaceID uint, teamID int64, ttl time.Duration) ([]model.CachedTeamMember, bool, error) {
	row := &model.GithubTeamMembersCache{}
	err := c.db.WithContext(ctx).Where("workspace_id = ? AND team_id = ?", workspaceID, teamID).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Cache.GetTeamMembers: %w", err)
	}
	if !c.fresh(row.UpdatedAt, ttl) {
		return nil, false, nil
	}
	return row.Members.Data(), true, nil
}

func (c *Cache) PutTeamMembers(ctx context.Context, workspaceID uint, teamID int64, members []model.CachedTeamMember) error {
	row := &model.GithubTeamMembersCache{
		WorkspaceID: workspaceID,
		TeamID:      teamID,
		Members:     datatypes.NewJSONType(lo.Ternary(members == nil, []model.CachedTeamMember{}, members)),
		UpdatedAt:   c.clock.Now(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "team_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"members", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("Cache.PutTeamMembers: %w", err)
	}
	return nil
}

// GetRepoPermissions returns login -> permission for repoID if present and younger than ttl.
func (c *Cache) GetRepoPermissions(
	ctx context.Context,
	workspaceID uint,
	repoID int64,
	ttl time.Duration,
) (map[string]permission.GithubPermission, bool, error) {
	row := &model.GithubRepoPermissionsCache{}
	err := c.db.WithContext(ctx).Where("workspace_id = ? AND repo_id = ?", workspaceID, repoID).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Cache.GetRepoPermissions: %w", err)
	}
	if !c.fresh(row.UpdatedAt, ttl) {
		return nil, false, nil
	}
	perms := make(map[string]permission.GithubPermission, len(row.Permissions.Data()))
	for login, p := range row.Permissions.Data() {
		perms[login] = permission.GithubPermission(p)
	}
	return perms, true, nil
}

func (c *Cache) PutRepoPermissions(ctx context.Context, workspaceID uint, repoID int64, perms map[string]permission.GithubPermission) error {
	raw := make(map[string]string, len(perms))
	for login, p := range perms {
		raw[login] = string(p)
	}
	row := &model.GithubRepoPermissionsCache{
		WorkspaceID: workspaceID,
		RepoID:      repoID,
		Permissions: datatypes.NewJSONType(raw),
		UpdatedAt:   c.clock.Now(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "repo_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permissions", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("Cache.PutRepoPermissions: %w", err)
	}
	return nil
}

// InvalidateRepoTeamsCache drops the repo -> teams entries of repoIDs. An empty set is a no-op.
func (c *Cache) InvalidateRepoTeamsCache(ctx context.Context, workspaceID uint, repoIDs []int64) (int64, error) {
	return c.invalidate(ctx, &model.GithubRepoTeamsCache{}, "repo_id", workspaceID, repoIDs)
}

// InvalidateTeamMembersCache drops the team -> members entries of teamIDs. An empty set is a no-op.
func (c *Cache) InvalidateTeamMembersCache(ctx context.Context, workspaceID uint, teamIDs []int64) (int64, error) {
	return c.invalidate(ctx, &model.GithubTeamMembersCache{}, "team_id", workspaceID, teamIDs)
}

// InvalidatePermissionCache drops the computed permissions of repoIDs. An empty set is a no-op.
func (c *Cache) InvalidatePermissionCache(ctx context.Context, workspaceID uint, repoIDs []int64) (int64, error) {
	return c.invalidate(ctx, &model.GithubRepoPermissionsCache{}, "repo_id", workspaceID, repoIDs)
}

func (c *Cache) invalidate(ctx context.Context, table any, column string, workspaceID uint, ids []int64) (int64, error) {
	idSet := sets.New(ids...)
	if idSet.Len() == 0 {
		return 0, nil
	}
	res := c.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Where(column+" IN ?", sets.List(idSet)).
		Delete(table)
	if res.Error != nil {
		return 0, fmt.Errorf("Cache.invalidate %s: %w", column, res.Error)
	}
	return res.RowsAffected, nil
}

// FindRepoIDsByTeamIDFromCache lists the cached repos teamID is attached to, stale entries included.
func (c *Cache) FindRepoIDsByTeamIDFromCache(ctx context.Context, workspaceID uint, teamID int64) ([]int64, error) {
	var rows []model.GithubRepoTeamsCache
	if err := c.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Cache.FindRepoIDsByTeamIDFromCache: %w", err)
	}
	repoIDs := sets.New[int64]()
	for i := range rows {
		if lo.ContainsBy(rows[i].Teams.Data(), func(t model.CachedTeam) bool { return t.ID == teamID }) {
			repoIDs.Insert(rows[i].RepoID)
		}
	}
	return sets.List(repoIDs), nil
}
