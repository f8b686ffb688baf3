package recompute

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/githubsync"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/settings"
)

// PermissionSyncer is the part of githubsync.Syncer the router drives.
type PermissionSyncer interface {
	SyncRepos(ctx context.Context, workspaceID uint) (*githubsync.RepoSyncResult, error)
	SyncRepoPermissions(ctx context.Context, workspaceID uint, repoIDs []int64) (*githubsync.PermissionSyncResult, error)
}

type TeamReconciler interface {
	ReconcileTeam(ctx context.Context, workspaceID uint, teamID int64) (*reconciler.Result, error)
}

type Router struct {
	db         *gorm.DB
	cache      *permcache.Cache
	throttle   RecomputeThrottle
	syncer     PermissionSyncer
	reconciler TeamReconciler
}

func NewRouter(
	db *gorm.DB,
	cache *permcache.Cache,
	throttle RecomputeThrottle,
	syncer PermissionSyncer,
	rec TeamReconciler,
) *Router {
	return &Router{db: db, cache: cache, throttle: throttle, syncer: syncer, reconciler: rec}
}

// plan is the work one event asks for.
type plan struct {
	repos         sets.Set[int64] // repos whose permissions must be recomputed
	repoTeams     sets.Set[int64] // repos whose team list changed
	teamMembers   sets.Set[int64] // teams whose roster changed
	team          int64           // team whose mappings must be reconciled
	syncRepoLinks bool            // the installation's repository set changed
}

// Handle applies one stored webhook event and returns how many repositories it touched. Events from an
// installation no workspace has connected are acknowledged without work.
func (r *Router) Handle(ctx context.Context, event *model.GithubWebhookEvent) (int, error) {
	payload := ParsePayload(event.Event, event.Payload)
	if u, ok := payload.(UnrecognizedPayload); ok {
		klog.V(4).Infof("webhook %s (%s): nothing to recompute: %s", event.DeliveryID, event.Event, u.Reason)
		return 0, nil
	}
	if _, ok := payload.(PingPayload); ok {
		return 0, nil
	}

	installationID := event.InstallationID
	if installationID == 0 {
		installationID = payload.InstallationID()
	}
	inst, err := ghclient.FindInstallationByID(ctx, r.db, installationID)
	if apperr.IsNotFound(err) {
		klog.Infof("webhook %s: installation %d is not connected, skipped", event.DeliveryID, installationID)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	eff, err := settings.Load(ctx, r.db, inst.WorkspaceID)
	if err != nil {
		return 0, err
	}
	if eff.WebhookSyncMode == settings.WebhookSyncOff {
		return 0, nil
	}

	p, err := r.plan(ctx, inst.WorkspaceID, payload)
	if err != nil {
		return 0, err
	}
	if err := r.invalidate(ctx, inst.WorkspaceID, p); err != nil {
		return 0, err
	}
	if eff.WebhookSyncMode != settings.WebhookSyncPartial {
		return p.repos.Len(), nil
	}
	if err := r.recompute(ctx, inst.WorkspaceID, p); err != nil {
		return 0, err
	}
	return p.repos.Len(), nil
}

func (r *Router) plan(ctx context.Context, workspaceID uint, payload Payload) (*plan, error) {
	p := &plan{
		repos:       sets.New[int64](),
		repoTeams:   sets.New[int64](),
		teamMembers: sets.New[int64](),
	}
	if changes, ok := ExtractRepoChangesFromInstallationEvent(payload); ok {
		all := changes.All()
		p.repos.Insert(all...)
		p.repoTeams.Insert(all...)
		p.syncRepoLinks = len(all) > 0
		return p, nil
	}

	repoID, hasRepo := ExtractRepositoryID(payload)
	if hasRepo {
		p.repos.Insert(repoID)
	}
	if rp, ok := payload.(RepositoryPayload); ok && hasRepo {
		p.repoTeams.Insert(repoID)
		switch rp.Event.GetAction() {
		case "created", "deleted", "renamed", "transferred", "archived", "unarchived":
			p.syncRepoLinks = true
		}
	}

	teamID, hasTeam := ExtractTeamID(payload)
	if !hasTeam {
		return p, nil
	}
	p.team = teamID
	// the reverse lookup reads the repo -> teams cache, so it runs before anything is invalidated
	cached, err := r.cache.FindRepoIDsByTeamIDFromCache(ctx, workspaceID, teamID)
	if err != nil {
		return nil, err
	}
	p.repos.Insert(cached...)
	switch v := payload.(type) {
	case MembershipPayload:
		p.teamMembers.Insert(teamID)
	case TeamPayload:
		p.repoTeams.Insert(cached...)
		if hasRepo {
			p.repoTeams.Insert(repoID)
		}
		if v.Event.GetAction() == "deleted" {
			p.teamMembers.Insert(teamID)
		}
	}
	return p, nil
}

func (r *Router) invalidate(ctx context.Context, workspaceID uint, p *plan) error {
	if _, err := r.cache.InvalidateRepoTeamsCache(ctx, workspaceID, sets.List(p.repoTeams)); err != nil {
		return err
	}
	if _, err := r.cache.InvalidateTeamMembersCache(ctx, workspaceID, sets.List(p.teamMembers)); err != nil {
		return err
	}
	if _, err := r.cache.InvalidatePermissionCache(ctx, workspaceID, sets.List(p.repos)); err != nil {
		return err
	}
	return nil
}

func (r *Router) recompute(ctx context.Context, workspaceID uint, p *plan) error {
	if p.syncRepoLinks {
		if _, err := r.syncer.SyncRepos(ctx, workspaceID); err != nil {
			return fmt.Errorf("Router.recompute: sync repos: %w", err)
		}
	}
	accepted, err := ApplyRepoDebounce(ctx, r.throttle, workspaceID, sets.List(p.repos))
	if err != nil {
		return err
	}
	if len(accepted) > 0 {
		res, err := r.syncer.SyncRepoPermissions(ctx, workspaceID, accepted)
		if err != nil {
			return fmt.Errorf("Router.recompute: sync permissions: %w", err)
		}
		for _, w := range res.Warnings {
			klog.Warningf("workspace %d permission sync: %s", workspaceID, w)
		}
	}
	if p.team != 0 {
		if _, err := r.reconciler.ReconcileTeam(ctx, workspaceID, p.team); err != nil {
			return fmt.Errorf("Router.recompute: reconcile team %d: %w", p.team, err)
		}
	}
	return nil
}
