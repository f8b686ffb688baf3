package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/access"
	"github.com/raids-lab/memoria/pkg/metrics"
	"github.com/raids-lab/memoria/pkg/permission"
	"github.com/raids-lab/memoria/pkg/settings"
)

// Result is the outcome of one sync pass. Problems that only affect part of the pass end up in
// Warnings rather than failing it.
type Result struct {
	Mode           string   `json:"mode"`
	Added          int      `json:"added"`
	Updated        int      `json:"updated"`
	Removed        int      `json:"removed"`
	UnmatchedUsers []string `json:"unmatched_users"`
	Warnings       []string `json:"warnings"`
}

func NewResult(mode string) *Result {
	return &Result{Mode: mode, UnmatchedUsers: []string{}, Warnings: []string{}}
}

func (r *Result) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// AddUnmatched records GitHub logins without a user link, once each.
func (r *Result) AddUnmatched(logins ...string) {
	for _, l := range logins {
		if !lo.Contains(r.UnmatchedUsers, l) {
			r.UnmatchedUsers = append(r.UnmatchedUsers, l)
		}
	}
}

func (r *Result) Observe() {
	metrics.MemberChangesTotal.WithLabelValues(r.Mode, "added").Add(float64(r.Added))
	metrics.MemberChangesTotal.WithLabelValues(r.Mode, "updated").Add(float64(r.Updated))
	metrics.MemberChangesTotal.WithLabelValues(r.Mode, "removed").Add(float64(r.Removed))
}

// Applier writes the desired roles of one sync path inside one transaction. Rows it creates carry the
// path's source and only those are demoted or removed by it. A row both paths grant is marked shared:
// neither path demotes it, and a path that stops granting it hands it over to the other path. Workspace
// roles come from team mappings only. Direct and invited rows can only be promoted.
type Applier struct {
	tx        *gorm.DB
	mode      string
	source    model.MemberSource
	protected func(userID uint) bool
	res       *Result
}

// NewApplier returns an Applier for source, either MemberSourceGithubTeam or
// MemberSourceGithubCollaborator.
func NewApplier(tx *gorm.DB, eff settings.Effective, res *Result, source model.MemberSource) *Applier {
	return &Applier{tx: tx, mode: eff.PermissionSyncMode, source: source, protected: eff.IsProtectedUser, res: res}
}

func (a *Applier) removes() bool { return a.mode == settings.SyncModeAddAndRemove }

func (a *Applier) otherSource() model.MemberSource {
	if a.source == model.MemberSourceGithubTeam {
		return model.MemberSourceGithubCollaborator
	}
	return model.MemberSourceGithubTeam
}

// share marks a project row of the other sync path as granted by both.
func (a *Applier) share(tx *gorm.DB, id uint, src model.MemberSource) (model.MemberSource, error) {
	if src != a.otherSource() {
		return src, nil
	}
	if err := tx.Model(&model.ProjectMember{}).Where("id = ?", id).Update("source", model.MemberSourceGithubSync).Error; err != nil {
		return src, err
	}
	return model.MemberSourceGithubSync, nil
}

// release decides what happens to a row this path no longer grants. It reports whether the row is
// this path's alone and may be removed; a shared row is handed over to the other path.
func (a *Applier) release(tx *gorm.DB, id uint, src model.MemberSource) (bool, error) {
	switch src {
	case a.source:
		return true, nil
	case model.MemberSourceGithubSync:
		return false, tx.Model(&model.ProjectMember{}).Where("id = ?", id).Update("source", a.otherSource()).Error
	default:
		return false, nil
	}
}

// workspaceSource resolves a shared workspace row to the team path, the only one granting workspace roles.
func (a *Applier) workspaceSource(src model.MemberSource) model.MemberSource {
	if src == model.MemberSourceGithubSync && a.source == model.MemberSourceGithubTeam {
		return a.source
	}
	return src
}

// ApplyProjectRoles converges the members of projectID towards desired. With removeMissing, rows of this
// path whose users are absent from desired are deleted (add_and_remove only).
func (a *Applier) ApplyProjectRoles(ctx context.Context, projectID uint, desired map[uint]model.ProjectRole, removeMissing bool) error {
	tx := a.tx.WithContext(ctx)
	var rows []model.ProjectMember
	if err := tx.Where("project_id = ?", projectID).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
	}
	current := lo.KeyBy(rows, func(m model.ProjectMember) uint { return m.UserID })

	for _, userID := range sets.List(sets.KeySet(desired)) {
		next := desired[userID].Normalize()
		row, ok := current[userID]
		if !ok {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
			}).Create(&model.ProjectMember{ProjectID: projectID, UserID: userID, Role: next, Source: a.source}).Error
			if err != nil {
				return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
			}
			a.res.Added++
			continue
		}

		src, err := a.share(tx, row.ID, row.Source)
		if err != nil {
			return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
		}
		cur := row.Role.Normalize()
		switch {
		case next.Rank() > cur.Rank():
		case next.Rank() < cur.Rank() && a.removes() && src == a.source:
			if permission.IsProtectedRoleChange(cur, next, a.protected(userID)) {
				a.res.Warnf("project %d: kept %s for protected user %d instead of %s", projectID, cur, userID, next)
				continue
			}
		default:
			continue
		}
		if err := tx.Model(&model.ProjectMember{}).Where("id = ?", row.ID).Update("role", next).Error; err != nil {
			return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
		}
		a.res.Updated++
	}

	if !removeMissing || !a.removes() {
		return nil
	}
	for i := range rows {
		row := &rows[i]
		if _, ok := desired[row.UserID]; ok {
			continue
		}
		owned, err := a.release(tx, row.ID, row.Source)
		if err != nil {
			return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
		}
		if !owned {
			continue
		}
		if permission.IsProtectedRoleChange(row.Role.Normalize(), "", a.protected(row.UserID)) {
			a.res.Warnf("project %d: kept protected user %d (%s)", projectID, row.UserID, row.Role)
			continue
		}
		if err := tx.Unscoped().Delete(row).Error; err != nil {
			return fmt.Errorf("Applier.ApplyProjectRoles: %w", err)
		}
		a.res.Removed++
	}
	return nil
}

// ApplyWorkspaceRoles is ApplyProjectRoles for workspace members. The last OWNER is never moved.
func (a *Applier) ApplyWorkspaceRoles(
	ctx context.Context,
	workspaceID uint,
	desired map[uint]model.WorkspaceRole,
	removeMissing bool,
) error {
	tx := a.tx.WithContext(ctx)
	var rows []model.WorkspaceMember
	if err := tx.Where("workspace_id = ?", workspaceID).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("Applier.ApplyWorkspaceRoles: %w", err)
	}
	current := lo.KeyBy(rows, func(m model.WorkspaceMember) uint { return m.UserID })

	for _, userID := range sets.List(sets.KeySet(desired)) {
		next := desired[userID]
		row, ok := current[userID]
		if !ok {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
			}).Create(&model.WorkspaceMember{WorkspaceID: workspaceID, UserID: userID, Role: next, Source: a.source}).Error
			if err != nil {
				return fmt.Errorf("Applier.ApplyWorkspaceRoles: %w", err)
			}
			a.res.Added++
			continue
		}

		src := a.workspaceSource(row.Source)
		switch {
		case next.Rank() > row.Role.Rank():
		case next.Rank() < row.Role.Rank() && a.removes() && src == a.source:
			if permission.IsProtectedWorkspaceRoleChange(row.Role, next, a.protected(userID)) {
				a.res.Warnf("workspace %d: kept %s for protected user %d instead of %s", workspaceID, row.Role, userID, next)
				continue
			}
			if err := a.guardLastOwner(ctx, workspaceID, userID, next); err != nil {
				if errors.Is(err, access.ErrLastOwner) {
					continue
				}
				return err
			}
		default:
			continue
		}
		if err := tx.Model(&model.WorkspaceMember{}).Where("id = ?", row.ID).Update("role", next).Error; err != nil {
			return fmt.Errorf("Applier.ApplyWorkspaceRoles: %w", err)
		}
		a.res.Updated++
	}

	if !removeMissing || !a.removes() {
		return nil
	}
	for i := range rows {
		row := &rows[i]
		if _, ok := desired[row.UserID]; ok {
			continue
		}
		if a.workspaceSource(row.Source) != a.source {
			continue
		}
		if permission.IsProtectedWorkspaceRoleChange(row.Role, "", a.protected(row.UserID)) {
			a.res.Warnf("workspace %d: kept protected user %d (%s)", workspaceID, row.UserID, row.Role)
			continue
		}
		if err := a.guardLastOwner(ctx, workspaceID, row.UserID, ""); err != nil {
			if errors.Is(err, access.ErrLastOwner) {
				continue
			}
			return err
		}
		if err := tx.Unscoped().Delete(row).Error; err != nil {
			return fmt.Errorf("Applier.ApplyWorkspaceRoles: %w", err)
		}
		a.res.Removed++
	}
	return nil
}

func (a *Applier) guardLastOwner(ctx context.Context, workspaceID, userID uint, next model.WorkspaceRole) error {
	err := access.GuardLastOwner(ctx, a.tx, workspaceID, userID, next)
	if errors.Is(err, access.ErrLastOwner) {
		a.res.Warnf("workspace %d: user %d is the last OWNER and was left unchanged", workspaceID, userID)
	}
	return err
}
