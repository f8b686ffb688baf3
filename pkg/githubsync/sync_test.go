package githubsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/dao/query/dbtest"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/ghclient/ghclienttest"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/permission"
	"github.com/raids-lab/memoria/pkg/reconciler"
	"github.com/raids-lab/memoria/pkg/settings"
)

type fixture struct {
	db     *gorm.DB
	gh     *ghclienttest.Fake
	cache  *permcache.Cache
	syncer *Syncer
	rec    *audit.MemoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{db: db, gh: ghclienttest.New(), rec: &audit.MemoryRecorder{}}
	f.cache = permcache.New(db, testingclock.NewFakeClock(time.Now()))
	f.syncer = New(db, f.gh, f.cache, reconciler.New(db, f.gh, f.cache, 2), f.rec, 2)
	f.gh.Repos = []ghclient.Repo{{ID: 101, Owner: "acme", Name: "platform", FullName: "Acme/Platform"}}
	return f
}

func (f *fixture) workspace(t *testing.T, key string, installationID int64, s model.WorkspaceSettings) *model.Workspace {
	t.Helper()
	ws := dbtest.Workspace(t, f.db, key, s)
	require.NoError(t, f.db.Create(&model.GithubInstallation{WorkspaceID: ws.ID, InstallationID: installationID, AccountLogin: "acme"}).Error)
	return ws
}

func TestSyncReposAutoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{})

	res, err := f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, &RepoSyncResult{ReposSeen: 1, ProjectsAutoCreated: 1, ProjectsAutoLinked: 1}, res)

	res, err = f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, &RepoSyncResult{ReposSeen: 1, ProjectsAutoCreated: 0, ProjectsAutoLinked: 1}, res)

	project := &model.Project{}
	require.NoError(t, f.db.Where("workspace_id = ?", ws.ID).Take(project).Error)
	assert.Equal(t, "github:acme/platform", project.Key)
	link := &model.GithubRepoLink{}
	require.NoError(t, f.db.Where("workspace_id = ? AND github_repo_id = ?", ws.ID, 101).Take(link).Error)
	require.NotNil(t, link.LinkedProjectID)
	assert.Equal(t, project.ID, *link.LinkedProjectID)
	assert.Equal(t, []string{audit.ActionProjectCreate}, f.rec.Actions())
}

func TestSyncReposWithoutAutoCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{AutoCreateProject: ptr.To(false)})

	for i := 0; i < 2; i++ {
		res, err := f.syncer.SyncRepos(ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, &RepoSyncResult{ReposSeen: 1}, res)
	}
	var n int64
	require.NoError(t, f.db.Model(&model.Project{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSyncReposDeactivatesMissingRepos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{})
	_, err := f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)

	f.gh.Repos = nil
	res, err := f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReposDeactivated)

	link := &model.GithubRepoLink{}
	require.NoError(t, f.db.Where("github_repo_id = ?", 101).Take(link).Error)
	assert.False(t, link.IsActive)
	assert.NotNil(t, link.LinkedProjectID, "links are kept")

	// the repository comes back
	f.gh.Repos = []ghclient.Repo{{ID: 101, Owner: "acme", Name: "platform", FullName: "acme/platform"}}
	res, err = f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.ReposDeactivated)
	require.NoError(t, f.db.Where("github_repo_id = ?", 101).Take(link).Error)
	assert.True(t, link.IsActive)
}

func TestSyncReposNeedsInstallation(t *testing.T) {
	f := newFixture(t)
	ws := dbtest.Workspace(t, f.db, "acme", model.WorkspaceSettings{})
	_, err := f.syncer.SyncRepos(context.Background(), ws.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestSyncRepoPermissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{
		GithubPermissionSyncEnabled: ptr.To(true),
		GithubPermissionSyncMode:    ptr.To(settings.SyncModeAddAndRemove),
		GithubRoleMapping:           map[string]string{"admin": "MAINTAINER", "push": "WRITER"},
	})
	for _, login := range []string{"octo-one", "octo-two", "octo-admin"} {
		u := dbtest.User(t, f.db, login)
		require.NoError(t, f.db.Create(&model.GithubUserLink{WorkspaceID: ws.ID, UserID: u.ID, GithubLogin: login}).Error)
	}
	f.gh.Collaborators["acme/platform"] = []permission.Collaborator{
		{Login: "Octo-One", RoleName: "read"},
		{Login: "octo-admin", Permissions: map[string]bool{"admin": true, "push": true, "pull": true}},
		{Login: "stranger", RoleName: "write"},
	}
	f.gh.RepoTeams["acme/platform"] = []model.CachedTeam{{ID: 7, Slug: "core", Permission: "push"}}
	f.gh.TeamMembers["core"] = []model.CachedTeamMember{{ID: 1, Login: "octo-one"}, {ID: 2, Login: "octo-two"}}

	_, err := f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)
	res, err := f.syncer.SyncRepoPermissions(ctx, ws.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReposSynced)
	assert.Equal(t, 3, res.Added)
	assert.Equal(t, []string{"stranger"}, res.UnmatchedUsers)

	roles := projectRoles(t, f.db)
	assert.Equal(t, map[string]model.ProjectRole{
		"octo-one":   model.ProjectRoleWriter,
		"octo-two":   model.ProjectRoleWriter,
		"octo-admin": model.ProjectRoleMaintainer,
	}, roles)

	perms, ok, err := f.cache.GetRepoPermissions(ctx, ws.ID, 101, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permission.Write, perms["octo-one"])

	repos, err := f.cache.FindRepoIDsByTeamIDFromCache(ctx, ws.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, repos)

	// octo-two leaves the team
	f.gh.TeamMembers["core"] = []model.CachedTeamMember{{ID: 1, Login: "octo-one"}}
	_, err = f.cache.InvalidateTeamMembersCache(ctx, ws.ID, []int64{7})
	require.NoError(t, err)
	_, err = f.cache.InvalidatePermissionCache(ctx, ws.ID, []int64{101})
	require.NoError(t, err)

	res, err = f.syncer.SyncRepoPermissions(ctx, ws.ID, []int64{101})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.NotContains(t, projectRoles(t, f.db), "octo-two")
	assert.Equal(t, 2, f.gh.CallCount("ListRepoCollaborators"))
	assert.Equal(t, 1, f.gh.CallCount("ListRepoTeams"), "repo teams stay cached")
}

func TestSyncRepoPermissionsWithConflictingRoleMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{
		GithubPermissionSyncEnabled: ptr.To(true),
		GithubRoleMapping:           map[string]string{"push": "MAINTAINER", "write": "READER"},
	})
	f.link(t, ws, "alice")
	f.gh.Collaborators["acme/platform"] = []permission.Collaborator{{Login: "alice", RoleName: "write"}}
	_, err := f.syncer.SyncRepos(ctx, ws.ID)
	require.NoError(t, err)

	res, err := f.syncer.SyncRepoPermissions(ctx, ws.ID, nil)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "github_role_mapping")
	assert.Equal(t, map[string]model.ProjectRole{"alice": model.ProjectRoleReader}, projectRoles(t, f.db), "the canonical key wins")
}

func TestSyncRepoPermissionsDisabled(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{})
	res, err := f.syncer.SyncRepoPermissions(context.Background(), ws.ID, nil)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Zero(t, f.gh.CallCount("ListRepoCollaborators"))
}

func (f *fixture) link(t *testing.T, ws *model.Workspace, logins ...string) {
	t.Helper()
	for _, login := range logins {
		u := dbtest.User(t, f.db, login)
		require.NoError(t, f.db.Create(&model.GithubUserLink{WorkspaceID: ws.ID, UserID: u.ID, GithubLogin: login}).Error)
	}
}

func (f *fixture) coreTeamWriters(t *testing.T, ws *model.Workspace) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.GithubTeamMapping{
		WorkspaceID: ws.ID, GithubTeamID: 7, TeamSlug: "core", TargetType: model.TeamMappingTargetProject,
		TargetKey: "github:acme/platform", Role: "WRITER", Enabled: true,
	}).Error)
}

func (f *fixture) refresh(t *testing.T, ws *model.Workspace) {
	t.Helper()
	_, err := f.cache.InvalidateTeamMembersCache(context.Background(), ws.ID, []int64{7})
	require.NoError(t, err)
	_, err = f.cache.InvalidatePermissionCache(context.Background(), ws.ID, []int64{101})
	require.NoError(t, err)
}

func memberSources(t *testing.T, db *gorm.DB) map[string]model.MemberSource {
	t.Helper()
	type row struct {
		Name   string
		Source model.MemberSource
	}
	var rows []row
	require.NoError(t, db.Table("project_members").
		Select("users.name AS name, project_members.source AS source").
		Joins("JOIN users ON users.id = project_members.user_id").
		Where("project_members.deleted_at IS NULL").
		Scan(&rows).Error)
	out := map[string]model.MemberSource{}
	for _, r := range rows {
		out[r.Name] = r.Source
	}
	return out
}

func TestFullSyncKeepsMembersOfBothPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{
		GithubPermissionSyncEnabled: ptr.To(true),
		GithubPermissionSyncMode:    ptr.To(settings.SyncModeAddAndRemove),
	})
	f.link(t, ws, "alice", "bob")
	f.gh.Collaborators["acme/platform"] = []permission.Collaborator{{Login: "alice", RoleName: "write"}}
	f.gh.TeamMembers["core"] = []model.CachedTeamMember{{ID: 2, Login: "bob"}}
	f.coreTeamWriters(t, ws)

	want := map[string]model.ProjectRole{"alice": model.ProjectRoleWriter, "bob": model.ProjectRoleWriter}
	for i := 0; i < 2; i++ {
		res, err := f.syncer.FullSync(ctx, ws.ID)
		require.NoError(t, err)
		assert.Zero(t, res.Permissions.Removed, "run %d", i)
		assert.Zero(t, res.Teams.Removed, "run %d", i)
		assert.Equal(t, want, projectRoles(t, f.db), "run %d", i)
	}
	assert.Equal(t, map[string]model.MemberSource{
		"alice": model.MemberSourceGithubCollaborator,
		"bob":   model.MemberSourceGithubTeam,
	}, memberSources(t, f.db))
}

func TestFullSyncHandsSharedMemberOver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(t, "acme", 42, model.WorkspaceSettings{
		GithubPermissionSyncEnabled: ptr.To(true),
		GithubPermissionSyncMode:    ptr.To(settings.SyncModeAddAndRemove),
	})
	f.link(t, ws, "alice")
	f.gh.Collaborators["acme/platform"] = []permission.Collaborator{{Login: "alice", RoleName: "write"}}
	f.gh.TeamMembers["core"] = []model.CachedTeamMember{{ID: 1, Login: "alice"}}
	f.coreTeamWriters(t, ws)

	_, err := f.syncer.FullSync(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.MemberSource{"alice": model.MemberSourceGithubSync}, memberSources(t, f.db))

	// alice leaves the team but stays a collaborator
	f.gh.TeamMembers["core"] = []model.CachedTeamMember{}
	f.refresh(t, ws)
	res, err := f.syncer.FullSync(ctx, ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Teams.Removed)
	assert.Equal(t, map[string]model.MemberSource{"alice": model.MemberSourceGithubCollaborator}, memberSources(t, f.db))

	// and then loses repository access too
	f.gh.Collaborators["acme/platform"] = nil
	f.refresh(t, ws)
	res, err = f.syncer.FullSync(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Permissions.Removed)
	assert.Empty(t, projectRoles(t, f.db))
}

func TestConnectInstallation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gh.Installations[42] = &ghclient.Installation{ID: 42, AccountLogin: "Acme", AccountType: "Organization", RepositorySelection: "all"}
	ws := dbtest.Workspace(t, f.db, "acme", model.WorkspaceSettings{})
	other := dbtest.Workspace(t, f.db, "other", model.WorkspaceSettings{})

	inst, err := f.syncer.ConnectInstallation(ctx, "admin", ws.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, "acme", inst.AccountLogin)
	assert.Equal(t, []string{audit.ActionGithubInstallationSaved}, f.rec.Actions())

	// reconnecting is idempotent
	_, err = f.syncer.ConnectInstallation(ctx, "admin", ws.ID, 42)
	require.NoError(t, err)

	_, err = f.syncer.ConnectInstallation(ctx, "admin", other.ID, 42)
	assert.True(t, apperr.IsValidation(err))
	_, err = f.syncer.ConnectInstallation(ctx, "admin", other.ID, 43)
	assert.True(t, apperr.IsNotFound(err))
}

func projectRoles(t *testing.T, db *gorm.DB) map[string]model.ProjectRole {
	t.Helper()
	type row struct {
		Name string
		Role model.ProjectRole
	}
	var rows []row
	require.NoError(t, db.Table("project_members").
		Select("users.name AS name, project_members.role AS role").
		Joins("JOIN users ON users.id = project_members.user_id").
		Where("project_members.deleted_at IS NULL").
		Scan(&rows).Error)
	out := map[string]model.ProjectRole{}
	for _, r := range rows {
		out[r.Name] = r.Role
	}
	return out
}
