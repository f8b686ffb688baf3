package recompute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/dao/query/dbtest"
	"github.com/raids-lab/memoria/pkg/githubsync"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/permission"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/settings"
)

type fakeSyncer struct {
	repoSyncs int
	synced    [][]int64
	err       error
}

func (f *fakeSyncer) SyncRepos(context.Context, uint) (*githubsync.RepoSyncResult, error) {
	f.repoSyncs++
	return &githubsync.RepoSyncResult{}, f.err
}

func (f *fakeSyncer) SyncRepoPermissions(_ context.Context, _ uint, repoIDs []int64) (*githubsync.PermissionSyncResult, error) {
	f.synced = append(f.synced, repoIDs)
	return &githubsync.PermissionSyncResult{Result: reconciler.NewResult(settings.SyncModeAddOnly)}, f.err
}

type fakeReconciler struct{ teams []int64 }

func (f *fakeReconciler) ReconcileTeam(_ context.Context, _ uint, teamID int64) (*reconciler.Result, error) {
	f.teams = append(f.teams, teamID)
	return reconciler.NewResult(settings.SyncModeAddOnly), nil
}

type routerFixture struct {
	db     *gorm.DB
	cache  *permcache.Cache
	clock  *testingclock.FakeClock
	syncer *fakeSyncer
	rec    *fakeReconciler
	router *Router
	ws     *model.Workspace
}

func newRouterFixture(t *testing.T, mode string) *routerFixture {
	t.Helper()
	db := dbtest.New(t)
	f := &routerFixture{
		db:     db,
		clock:  testingclock.NewFakeClock(epoch),
		syncer: &fakeSyncer{},
		rec:    &fakeReconciler{},
	}
	f.cache = permcache.New(db, f.clock)
	f.router = NewRouter(db, f.cache, NewMemoryThrottle(f.clock, 0, 0), f.syncer, f.rec)
	f.ws = dbtest.Workspace(t, db, "acme", model.WorkspaceSettings{GithubWebhookSyncMode: ptr.To(mode)})
	require.NoError(t, db.Create(&model.GithubInstallation{WorkspaceID: f.ws.ID, InstallationID: 42, AccountLogin: "acme"}).Error)

	ctx := context.Background()
	// team 7 is attached to repos 101 and 102, team 8 to 103
	require.NoError(t, f.cache.PutRepoTeams(ctx, f.ws.ID, 101, []model.CachedTeam{{ID: 7, Slug: "core", Permission: "push"}}))
	require.NoError(t, f.cache.PutRepoTeams(ctx, f.ws.ID, 102, []model.CachedTeam{{ID: 7, Slug: "core", Permission: "pull"}}))
	require.NoError(t, f.cache.PutRepoTeams(ctx, f.ws.ID, 103, []model.CachedTeam{{ID: 8, Slug: "docs", Permission: "pull"}}))
	require.NoError(t, f.cache.PutTeamMembers(ctx, f.ws.ID, 7, []model.CachedTeamMember{{ID: 1, Login: "octo-one"}}))
	require.NoError(t, f.cache.PutTeamMembers(ctx, f.ws.ID, 8, []model.CachedTeamMember{{ID: 2, Login: "octo-two"}}))
	for _, repo := range []int64{101, 102, 103} {
		require.NoError(t, f.cache.PutRepoPermissions(ctx, f.ws.ID, repo, map[string]permission.GithubPermission{"octo-one": permission.Write}))
	}
	return f
}

func (f *routerFixture) event(name, body string) *model.GithubWebhookEvent {
	return &model.GithubWebhookEvent{DeliveryID: "d-" + name, Event: name, InstallationID: 42, Payload: datatypes.JSON(body)}
}

func (f *routerFixture) cached(t *testing.T) (repoTeams, teamMembers, perms []int64) {
	t.Helper()
	ctx := context.Background()
	for _, repo := range []int64{101, 102, 103} {
		if _, ok, err := f.cache.GetRepoTeams(ctx, f.ws.ID, repo, time.Hour); assert.NoError(t, err) && ok {
			repoTeams = append(repoTeams, repo)
		}
		if _, ok, err := f.cache.GetRepoPermissions(ctx, f.ws.ID, repo, time.Hour); assert.NoError(t, err) && ok {
			perms = append(perms, repo)
		}
	}
	for _, team := range []int64{7, 8} {
		if _, ok, err := f.cache.GetTeamMembers(ctx, f.ws.ID, team, time.Hour); assert.NoError(t, err) && ok {
			teamMembers = append(teamMembers, team)
		}
	}
	return repoTeams, teamMembers, perms
}

func TestMembershipEventInvalidatesOnlyTeamRepos(t *testing.T) {
	f := newRouterFixture(t, settings.WebhookSyncPartial)

	n, err := f.router.Handle(context.Background(), f.event("membership", `{"action":"removed","team":{"id":7}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	repoTeams, teamMembers, perms := f.cached(t)
	assert.Equal(t, []int64{101, 102, 103}, repoTeams, "team attachments did not change")
	assert.Equal(t, []int64{8}, teamMembers)
	assert.Equal(t, []int64{103}, perms)

	assert.Equal(t, [][]int64{{101, 102}}, f.syncer.synced)
	assert.Equal(t, []int64{7}, f.rec.teams)
	assert.Zero(t, f.syncer.repoSyncs)
}

func TestRepeatedEventsAreDebounced(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, settings.WebhookSyncPartial)
	member := f.event("member", `{"action":"added","repository":{"id":101}}`)

	_, err := f.router.Handle(ctx, member)
	require.NoError(t, err)
	n, err := f.router.Handle(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the repo is still affected and its cache dropped")
	assert.Equal(t, [][]int64{{101}}, f.syncer.synced)

	f.clock.Step(DefaultDebounceWindow)
	_, err = f.router.Handle(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{101}, {101}}, f.syncer.synced)
	assert.Empty(t, f.rec.teams)
}

func TestTeamRepositoryEvent(t *testing.T) {
	f := newRouterFixture(t, settings.WebhookSyncPartial)

	n, err := f.router.Handle(context.Background(),
		f.event("team", `{"action":"added_to_repository","team":{"id":8},"repository":{"id":101}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	repoTeams, teamMembers, perms := f.cached(t)
	assert.Equal(t, []int64{102}, repoTeams)
	assert.Equal(t, []int64{7, 8}, teamMembers)
	assert.Equal(t, []int64{102}, perms)
	assert.Equal(t, [][]int64{{101, 103}}, f.syncer.synced)
	assert.Equal(t, []int64{8}, f.rec.teams)
}

func TestInstallationReposEventSyncsLinks(t *testing.T) {
	f := newRouterFixture(t, settings.WebhookSyncPartial)

	n, err := f.router.Handle(context.Background(), f.event("installation_repositories",
		`{"action":"removed","repositories_removed":[{"id":103}],"installation":{"id":42}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.syncer.repoSyncs)
	assert.Equal(t, [][]int64{{103}}, f.syncer.synced)

	repoTeams, _, perms := f.cached(t)
	assert.Equal(t, []int64{101, 102}, repoTeams)
	assert.Equal(t, []int64{101, 102}, perms)
}

func TestInvalidateModeDoesNotRecompute(t *testing.T) {
	f := newRouterFixture(t, settings.WebhookSyncInvalidate)

	n, err := f.router.Handle(context.Background(), f.event("membership", `{"action":"added","team":{"id":8}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, teamMembers, perms := f.cached(t)
	assert.Equal(t, []int64{7}, teamMembers)
	assert.Equal(t, []int64{101, 102}, perms)
	assert.Empty(t, f.syncer.synced)
	assert.Empty(t, f.rec.teams)
}

func TestOffModeAndIgnoredEvents(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, settings.WebhookSyncOff)

	n, err := f.router.Handle(ctx, f.event("member", `{"action":"added","repository":{"id":101}}`))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, _, perms := f.cached(t)
	assert.Len(t, perms, 3)

	for _, ev := range []*model.GithubWebhookEvent{
		f.event("ping", `{"zen":"hi"}`),
		f.event("push", `{"ref":"refs/heads/main"}`),
		f.event("member", `{"broken`),
		{DeliveryID: "d-x", Event: "member", InstallationID: 99, Payload: datatypes.JSON(`{"repository":{"id":101}}`)},
	} {
		n, err := f.router.Handle(ctx, ev)
		require.NoError(t, err, ev.Event)
		assert.Zero(t, n)
	}
}

func TestRecomputeErrorsAreReturned(t *testing.T) {
	f := newRouterFixture(t, settings.WebhookSyncPartial)
	f.syncer.err = errors.New("github unavailable")

	_, err := f.router.Handle(context.Background(), f.event("member", `{"action":"added","repository":{"id":101}}`))
	assert.ErrorContains(t, err, "github unavailable")
}
