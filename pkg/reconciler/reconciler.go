// Package reconciler converges workspace and project memberships towards the rosters of the GitHub teams
// mapped onto them.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/settings"
)

const DefaultFetchConcurrency = 4

type Reconciler struct {
	db          *gorm.DB
	gh          ghclient.Client
	cache       *permcache.Cache
	concurrency int
}

func New(db *gorm.DB, gh ghclient.Client, cache *permcache.Cache, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	return &Reconciler{db: db, gh: gh, cache: cache, concurrency: concurrency}
}

// SortMappings orders mappings by priority, then creation. Later entries win for the same target.
func SortMappings(rows []model.GithubTeamMapping) {
	slices.SortStableFunc(rows, func(a, b model.GithubTeamMapping) int {
		switch {
		case a.Priority != b.Priority:
			return a.Priority - b.Priority
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Compare(b.CreatedAt)
		default:
			return int(a.ID) - int(b.ID)
		}
	})
}

// ReconcileWorkspace applies every enabled team mapping of the workspace.
func (r *Reconciler) ReconcileWorkspace(ctx context.Context, workspaceID uint) (*Result, error) {
	var rows []model.GithubTeamMapping
	if err := r.db.WithContext(ctx).Where("workspace_id = ? AND enabled = ?", workspaceID, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Reconciler.ReconcileWorkspace: %w", err)
	}
	return r.reconcile(ctx, workspaceID, rows)
}

// ReconcileTeam re-evaluates every target teamID is mapped onto, together with the other mappings of those
// targets so that removals only consider users missing from all of them.
func (r *Reconciler) ReconcileTeam(ctx context.Context, workspaceID uint, teamID int64) (*Result, error) {
	var rows []model.GithubTeamMapping
	if err := r.db.WithContext(ctx).Where("workspace_id = ? AND enabled = ?", workspaceID, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("Reconciler.ReconcileTeam: %w", err)
	}
	touched := sets.New[target]()
	for i := range rows {
		if rows[i].GithubTeamID == teamID {
			touched.Insert(targetOf(&rows[i]))
		}
	}
	rows = lo.Filter(rows, func(m model.GithubTeamMapping, _ int) bool { return touched.Has(targetOf(&m)) })
	return r.reconcile(ctx, workspaceID, rows)
}

type target struct {
	kind model.TeamMappingTarget
	key  string
}

func targetOf(m *model.GithubTeamMapping) target {
	if m.TargetType == model.TeamMappingTargetWorkspace {
		return target{kind: model.TeamMappingTargetWorkspace}
	}
	return target{kind: m.TargetType, key: m.TargetKey}
}

// desiredState collects the roles each target should end up with.
type desiredState struct {
	workspace      map[uint]model.WorkspaceRole
	workspaceUsed  bool
	projects       map[uint]map[uint]model.ProjectRole
	incomplete     sets.Set[target]
	projectTargets map[uint]target
}

func (r *Reconciler) reconcile(ctx context.Context, workspaceID uint, mappings []model.GithubTeamMapping) (*Result, error) {
	eff, err := settings.Load(ctx, r.db, workspaceID)
	if err != nil {
		return nil, err
	}
	res := NewResult(eff.PermissionSyncMode)
	if !eff.PermissionSyncEnabled {
		res.Warnf("github permission sync is disabled for workspace %d", workspaceID)
		return res, nil
	}
	if len(mappings) == 0 {
		return res, nil
	}
	inst, err := ghclient.FindInstallation(ctx, r.db, workspaceID)
	if err != nil {
		return nil, err
	}

	SortMappings(mappings)
	mappings, projectIDs, err := r.validMappings(ctx, workspaceID, mappings, res)
	if err != nil {
		return nil, err
	}

	rosters, failed, err := r.fetchRosters(ctx, inst, mappings, eff.CacheTTL, res)
	if err != nil {
		return nil, err
	}
	users, err := r.linkedUsers(ctx, workspaceID, rosters, res)
	if err != nil {
		return nil, err
	}

	state := &desiredState{
		workspace:      map[uint]model.WorkspaceRole{},
		projects:       map[uint]map[uint]model.ProjectRole{},
		incomplete:     sets.New[target](),
		projectTargets: map[uint]target{},
	}
	for i := range mappings {
		m := &mappings[i]
		t := targetOf(m)
		if failed.Has(m.GithubTeamID) {
			state.incomplete.Insert(t)
			continue
		}
		if t.kind == model.TeamMappingTargetWorkspace {
			state.workspaceUsed = true
			role, _ := model.ParseWorkspaceRole(m.Role)
			for _, member := range rosters[m.GithubTeamID] {
				if userID, ok := users[member.Login]; ok {
					state.workspace[userID] = role
				}
			}
			continue
		}
		projectID := projectIDs[t.key]
		state.projectTargets[projectID] = t
		if state.projects[projectID] == nil {
			state.projects[projectID] = map[uint]model.ProjectRole{}
		}
		role, _ := model.ParseProjectRole(m.Role)
		for _, member := range rosters[m.GithubTeamID] {
			if userID, ok := users[member.Login]; ok {
				state.projects[projectID][userID] = role
			}
		}
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a := NewApplier(tx, eff, res, model.MemberSourceGithubTeam)
		if state.workspaceUsed {
			complete := !state.incomplete.Has(target{kind: model.TeamMappingTargetWorkspace})
			if err := a.ApplyWorkspaceRoles(ctx, workspaceID, state.workspace, complete); err != nil {
				return err
			}
		}
		for _, projectID := range sets.List(sets.KeySet(state.projects)) {
			complete := !state.incomplete.Has(state.projectTargets[projectID])
			if err := a.ApplyProjectRoles(ctx, projectID, state.projects[projectID], complete); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Reconciler.reconcile: %w", err)
	}

	res.Observe()
	klog.Infof("team mapping sync for workspace %d (%s): added %d, updated %d, removed %d, %d unmatched, %d warnings",
		workspaceID, res.Mode, res.Added, res.Updated, res.Removed, len(res.UnmatchedUsers), len(res.Warnings))
	return res, nil
}

// validMappings drops mappings with a role the target cannot take or an unknown project, warning for each.
// Project roles are capped at MAINTAINER and workspace roles at ADMIN.
func (r *Reconciler) validMappings(
	ctx context.Context,
	workspaceID uint,
	mappings []model.GithubTeamMapping,
	res *Result,
) ([]model.GithubTeamMapping, map[string]uint, error) {
	projectIDs := map[string]uint{}
	valid := make([]model.GithubTeamMapping, 0, len(mappings))
	for i := range mappings {
		m := mappings[i]
		switch m.TargetType {
		case model.TeamMappingTargetWorkspace:
			role, ok := model.ParseWorkspaceRole(m.Role)
			if !ok || role == model.WorkspaceRoleOwner {
				res.Warnf("team mapping %d: role %q cannot be granted on a workspace", m.ID, m.Role)
				continue
			}
		case model.TeamMappingTargetProject:
			role, ok := model.ParseProjectRole(m.Role)
			if !ok || role == model.ProjectRoleOwner {
				res.Warnf("team mapping %d: role %q cannot be granted on a project", m.ID, m.Role)
				continue
			}
			if _, ok := projectIDs[m.TargetKey]; !ok {
				project := &model.Project{}
				err := r.db.WithContext(ctx).Where(&model.Project{WorkspaceID: workspaceID, Key: m.TargetKey}).Take(project).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					res.Warnf("team mapping %d: project %q does not exist", m.ID, m.TargetKey)
					continue
				}
				if err != nil {
					return nil, nil, fmt.Errorf("Reconciler.validMappings: %w", err)
				}
				projectIDs[m.TargetKey] = project.ID
			}
		default:
			res.Warnf("team mapping %d: unknown target type %q", m.ID, m.TargetType)
			continue
		}
		valid = append(valid, m)
	}
	return valid, projectIDs, nil
}

// fetchRosters loads every mapped team at most once, concurrently. A team that cannot be fetched is
// reported in the returned set and its targets are not pruned.
func (r *Reconciler) fetchRosters(
	ctx context.Context,
	inst *model.GithubInstallation,
	mappings []model.GithubTeamMapping,
	ttl time.Duration,
	res *Result,
) (map[int64][]model.CachedTeamMember, sets.Set[int64], error) {
	teams := lo.UniqBy(mappings, func(m model.GithubTeamMapping) int64 { return m.GithubTeamID })

	var mu sync.Mutex
	rosters := make(map[int64][]model.CachedTeamMember, len(teams))
	failed := sets.New[int64]()
	var warnings []string

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, team := range teams {
		team := team
		g.Go(func() error {
			members, err := r.teamMembers(ctx, inst, team, ttl)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Insert(team.GithubTeamID)
				warnings = append(warnings, fmt.Sprintf("team %s (%d): %v", team.TeamSlug, team.GithubTeamID, err))
				return nil
			}
			rosters[team.GithubTeamID] = members
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	slices.Sort(warnings)
	res.Warnings = append(res.Warnings, warnings...)
	return rosters, failed, nil
}

func (r *Reconciler) teamMembers(
	ctx context.Context,
	inst *model.GithubInstallation,
	team model.GithubTeamMapping,
	ttl time.Duration,
) ([]model.CachedTeamMember, error) {
	members, ok, err := r.cache.GetTeamMembers(ctx, inst.WorkspaceID, team.GithubTeamID, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		members, err = r.gh.ListTeamMembers(ctx, inst.InstallationID, inst.AccountLogin, team.TeamSlug)
		if err != nil {
			return nil, err
		}
		if err := r.cache.PutTeamMembers(ctx, inst.WorkspaceID, team.GithubTeamID, members); err != nil {
			klog.Warningf("cache members of team %d: %v", team.GithubTeamID, err)
		}
	}
	return lo.Map(members, func(m model.CachedTeamMember, _ int) model.CachedTeamMember {
		m.Login = strings.ToLower(m.Login)
		return m
	}), nil
}

// linkedUsers maps the logins of all rosters to user ids through GithubUserLink. Logins without a link
// are reported as unmatched.
func (r *Reconciler) linkedUsers(
	ctx context.Context,
	workspaceID uint,
	rosters map[int64][]model.CachedTeamMember,
	res *Result,
) (map[string]uint, error) {
	logins := sets.New[string]()
	for _, members := range rosters {
		for _, m := range members {
			logins.Insert(m.Login)
		}
	}
	users := map[string]uint{}
	if logins.Len() == 0 {
		return users, nil
	}
	var links []model.GithubUserLink
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND github_login IN ?", workspaceID, sets.List(logins)).
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("Reconciler.linkedUsers: %w", err)
	}
	for _, l := range links {
		users[l.GithubLogin] = l.UserID
	}
	res.AddUnmatched(sets.List(logins.Difference(sets.KeySet(users)))...)
	return users, nil
}
