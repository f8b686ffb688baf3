// Package githubsync pulls repositories and collaborator permissions of a workspace's GitHub installation
// into projects and project roles.
package githubsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/identity"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/permission"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/settings"
)

type Syncer struct {
	db          *gorm.DB
	gh          ghclient.Client
	cache       *permcache.Cache
	store       *mapping.Store
	reconciler  *reconciler.Reconciler
	audit       audit.Recorder
	concurrency int
}

func New(
	db *gorm.DB,
	gh ghclient.Client,
	cache *permcache.Cache,
	rec *reconciler.Reconciler,
	recorder audit.Recorder,
	concurrency int,
) *Syncer {
	if concurrency <= 0 {
		concurrency = reconciler.DefaultFetchConcurrency
	}
	return &Syncer{
		db:          db,
		gh:          gh,
		cache:       cache,
		store:       mapping.NewStore(db),
		reconciler:  rec,
		audit:       recorder,
		concurrency: concurrency,
	}
}

// ConnectInstallation verifies installationID against GitHub and binds it to the workspace, replacing
// any earlier installation of that workspace.
func (s *Syncer) ConnectInstallation(
	ctx context.Context,
	actor string,
	workspaceID uint,
	installationID int64,
) (*model.GithubInstallation, error) {
	if bound, err := ghclient.FindInstallationByID(ctx, s.db, installationID); err == nil && bound.WorkspaceID != workspaceID {
		return nil, apperr.Validation("installationId", "installation %d is connected to another workspace", installationID)
	}
	remote, err := s.gh.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, err
	}
	inst := &model.GithubInstallation{
		WorkspaceID:         workspaceID,
		InstallationID:      remote.ID,
		AccountLogin:        strings.ToLower(remote.AccountLogin),
		AccountType:         remote.AccountType,
		RepositorySelection: remote.RepositorySelection,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"installation_id", "account_login", "account_type", "repository_selection", "updated_at",
		}),
	}).Create(inst).Error
	if err != nil {
		return nil, fmt.Errorf("Syncer.ConnectInstallation: %w", err)
	}
	audit.RecordAudit(ctx, s.audit, workspaceID, audit.ActionGithubInstallationSaved, inst.AccountLogin,
		audit.WithActor(actor), audit.WithDetail("installation_id", inst.InstallationID))
	return ghclient.FindInstallation(ctx, s.db, workspaceID)
}

type RepoSyncResult struct {
	ReposSeen           int `json:"repos_seen"`
	ReposDeactivated    int `json:"repos_deactivated"`
	ProjectsAutoCreated int `json:"projects_auto_created"`
	ProjectsAutoLinked  int `json:"projects_auto_linked"`
}

// SyncRepos mirrors the installation's repositories into GithubRepoLink rows. With auto_create_project a
// github:owner/repo project and mapping is ensured for every repository; without it repositories are only
// linked to projects an enabled mapping already points at.
func (s *Syncer) SyncRepos(ctx context.Context, workspaceID uint) (*RepoSyncResult, error) {
	eff, err := settings.Load(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	inst, err := ghclient.FindInstallation(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	repos, err := s.gh.ListInstallationRepos(ctx, inst.InstallationID)
	if err != nil {
		return nil, err
	}

	res := &RepoSyncResult{}
	seen := make([]int64, 0, len(repos))
	for _, repo := range repos {
		repoID, err := identity.NormalizeRepoID(repo.FullName)
		if err != nil {
			klog.Warningf("skip repository %d with unexpected name %q", repo.ID, repo.FullName)
			continue
		}
		seen = append(seen, repo.ID)
		res.ReposSeen++

		projectID, created, err := s.projectFor(ctx, workspaceID, eff, repo, repoID)
		if err != nil {
			return nil, err
		}
		if created {
			res.ProjectsAutoCreated++
		}
		if projectID != nil {
			res.ProjectsAutoLinked++
		}
		link := &model.GithubRepoLink{
			WorkspaceID:     workspaceID,
			GithubRepoID:    repo.ID,
			FullName:        repoID,
			LinkedProjectID: projectID,
			IsActive:        true,
		}
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workspace_id"}, {Name: "github_repo_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"full_name":         repoID,
				"linked_project_id": gorm.Expr("COALESCE(?, linked_project_id)", projectID),
				"is_active":         true,
				"deleted_at":        nil,
			}),
		}).Create(link).Error
		if err != nil {
			return nil, fmt.Errorf("Syncer.SyncRepos: %w", err)
		}
	}

	tx := s.db.WithContext(ctx).Model(&model.GithubRepoLink{}).Where("workspace_id = ? AND is_active = ?", workspaceID, true)
	if len(seen) > 0 {
		tx = tx.Where("github_repo_id NOT IN ?", seen)
	}
	deactivated := tx.Update("is_active", false)
	if deactivated.Error != nil {
		return nil, fmt.Errorf("Syncer.SyncRepos: %w", deactivated.Error)
	}
	res.ReposDeactivated = int(deactivated.RowsAffected)

	klog.Infof("repo sync for workspace %d: %d seen, %d deactivated, %d projects created, %d linked",
		workspaceID, res.ReposSeen, res.ReposDeactivated, res.ProjectsAutoCreated, res.ProjectsAutoLinked)
	return res, nil
}

func (s *Syncer) projectFor(
	ctx context.Context,
	workspaceID uint,
	eff settings.Effective,
	repo ghclient.Repo,
	repoID string,
) (*uint, bool, error) {
	if !eff.AutoCreateProject {
		found, err := s.store.FindEnabled(ctx, workspaceID, model.MappingKindGithubRemote, []string{repoID})
		if err != nil || len(found) == 0 {
			return nil, false, err
		}
		return &found[0].ProjectID, false, nil
	}

	metadata, err := json.Marshal(map[string]any{
		"source_kind":    model.MappingKindGithubRemote,
		"repo_id":        repoID,
		"github_repo_id": repo.ID,
	})
	if err != nil {
		return nil, false, err
	}
	out, err := s.store.CreateProjectAndMapping(ctx, mapping.CreateRequest{
		WorkspaceID: workspaceID,
		ProjectKey:  identity.ProjectKey(model.MappingKindGithubRemote, repoID),
		ProjectName: identity.ProjectName(repoID, ""),
		Metadata:    metadata,
		Kind:        model.MappingKindGithubRemote,
		ExternalID:  repoID,
	})
	if err != nil {
		return nil, false, err
	}
	if out.Created {
		audit.RecordAudit(ctx, s.audit, workspaceID, audit.ActionProjectCreate, out.Project.Key,
			audit.WithActor("github_sync"), audit.WithDetail("github_repo_id", repo.ID))
	}
	return &out.Project.ID, out.Created, nil
}

// PermissionSyncResult is the reconciler result plus the number of repositories evaluated.
type PermissionSyncResult struct {
	*reconciler.Result
	ReposSynced int `json:"repos_synced"`
}

// SyncRepoPermissions recomputes the project roles of the linked projects of repoIDs (all active linked
// repositories when empty) from their collaborators and teams.
func (s *Syncer) SyncRepoPermissions(ctx context.Context, workspaceID uint, repoIDs []int64) (*PermissionSyncResult, error) {
	eff, err := settings.Load(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	out := &PermissionSyncResult{Result: reconciler.NewResult(eff.PermissionSyncMode)}
	if !eff.PermissionSyncEnabled {
		out.Warnf("github permission sync is disabled for workspace %d", workspaceID)
		return out, nil
	}
	inst, err := ghclient.FindInstallation(ctx, s.db, workspaceID)
	if err != nil {
		return nil, err
	}
	if err = permission.ValidateRoleMapping(eff.RoleMapping); err != nil {
		out.Warnf("github_role_mapping: %v", err)
	}

	var links []model.GithubRepoLink
	tx := s.db.WithContext(ctx).
		Where("workspace_id = ? AND is_active = ? AND linked_project_id IS NOT NULL", workspaceID, true)
	if len(repoIDs) > 0 {
		tx = tx.Where("github_repo_id IN ?", repoIDs)
	}
	if err = tx.Order("github_repo_id").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("Syncer.SyncRepoPermissions: %w", err)
	}
	if len(links) == 0 {
		return out, nil
	}

	perms, failed := s.fetchPermissions(ctx, inst, links, eff, out.Result)
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	users, err := s.linkedUsers(ctx, workspaceID, perms, out.Result)
	if err != nil {
		return nil, err
	}

	// several repositories may feed one project, the highest role wins
	desired := map[uint]map[uint]model.ProjectRole{}
	incomplete := sets.New[uint]()
	for i := range links {
		link := &links[i]
		projectID := *link.LinkedProjectID
		if desired[projectID] == nil {
			desired[projectID] = map[uint]model.ProjectRole{}
		}
		if failed.Has(link.GithubRepoID) {
			incomplete.Insert(projectID)
			continue
		}
		out.ReposSynced++
		for login, perm := range perms[link.GithubRepoID] {
			userID, ok := users[login]
			if !ok || perm.Rank() == 0 {
				continue
			}
			role := permission.MapGithubPermissionToProjectRole(perm, eff.RoleMapping)
			if role.Rank() > desired[projectID][userID].Rank() {
				desired[projectID][userID] = role
			}
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a := reconciler.NewApplier(tx, eff, out.Result, model.MemberSourceGithubCollaborator)
		for _, projectID := range sets.List(sets.KeySet(desired)) {
			if err := a.ApplyProjectRoles(ctx, projectID, desired[projectID], !incomplete.Has(projectID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Syncer.SyncRepoPermissions: %w", err)
	}
	out.Observe()
	klog.Infof("permission sync for workspace %d (%s): %d repos, added %d, updated %d, removed %d",
		workspaceID, out.Mode, out.ReposSynced, out.Added, out.Updated, out.Removed)
	return out, nil
}

func (s *Syncer) fetchPermissions(
	ctx context.Context,
	inst *model.GithubInstallation,
	links []model.GithubRepoLink,
	eff settings.Effective,
	res *reconciler.Result,
) (map[int64]map[string]permission.GithubPermission, sets.Set[int64]) {
	var mu sync.Mutex
	perms := make(map[int64]map[string]permission.GithubPermission, len(links))
	failed := sets.New[int64]()
	var warnings []string

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, link := range lo.UniqBy(links, func(l model.GithubRepoLink) int64 { return l.GithubRepoID }) {
		link := link
		g.Go(func() error {
			p, err := s.RepoPermissions(ctx, inst, link.GithubRepoID, link.FullName, eff.CacheTTL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Insert(link.GithubRepoID)
				warnings = append(warnings, fmt.Sprintf("repository %s: %v", link.FullName, err))
				return nil
			}
			perms[link.GithubRepoID] = p
			return nil
		})
	}
	_ = g.Wait()
	for _, w := range lo.Uniq(warnings) {
		res.Warnf("%s", w)
	}
	return perms, failed
}

func (s *Syncer) linkedUsers(
	ctx context.Context,
	workspaceID uint,
	perms map[int64]map[string]permission.GithubPermission,
	res *reconciler.Result,
) (map[string]uint, error) {
	logins := sets.New[string]()
	for _, p := range perms {
		logins.Insert(lo.Keys(p)...)
	}
	users := map[string]uint{}
	if logins.Len() == 0 {
		return users, nil
	}
	var links []model.GithubUserLink
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND github_login IN ?", workspaceID, sets.List(logins)).
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("Syncer.linkedUsers: %w", err)
	}
	for _, l := range links {
		users[l.GithubLogin] = l.UserID
	}
	res.AddUnmatched(sets.List(logins.Difference(sets.KeySet(users)))...)
	return users, nil
}

// FullSyncResult bundles the three passes of a scheduled sync.
type FullSyncResult struct {
	Repos       *RepoSyncResult       `json:"repos"`
	Permissions *PermissionSyncResult `json:"permissions"`
	Teams       *reconciler.Result    `json:"teams"`
}

// FullSync refreshes repositories, collaborator permissions and team mappings of one workspace.
func (s *Syncer) FullSync(ctx context.Context, workspaceID uint) (*FullSyncResult, error) {
	repos, err := s.SyncRepos(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	perms, err := s.SyncRepoPermissions(ctx, workspaceID, nil)
	if err != nil {
		return nil, err
	}
	teams, err := s.reconciler.ReconcileWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &FullSyncResult{Repos: repos, Permissions: perms, Teams: teams}, nil
}

// SyncAll runs FullSync for every workspace with an installation and permission sync enabled. Failures
// are logged per workspace and the first one is returned.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var insts []model.GithubInstallation
	if err := s.db.WithContext(ctx).Order("workspace_id").Find(&insts).Error; err != nil {
		return fmt.Errorf("Syncer.SyncAll: %w", err)
	}
	var first error
	for i := range insts {
		eff, err := settings.Load(ctx, s.db, insts[i].WorkspaceID)
		if err != nil || !eff.PermissionSyncEnabled {
			continue
		}
		if _, err = s.FullSync(ctx, insts[i].WorkspaceID); err != nil {
			klog.Errorf("github sync of workspace %d failed: %v", insts[i].WorkspaceID, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
