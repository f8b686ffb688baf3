package reconciler

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
	"github.com/raids-lab/memoria/pkg/ghclient/ghclienttest"
	"github.com/raids-lab/memoria/pkg/permcache"
	"github.com/raids-lab/memoria/pkg/settings"
)

const teamCore int64 = 7

type fixture struct {
	db      *gorm.DB
	gh      *ghclienttest.Fake
	cache   *permcache.Cache
	rec     *Reconciler
	ws      *model.Workspace
	project *model.Project
	users   map[string]*model.User
}

func newFixture(t *testing.T, s model.WorkspaceSettings) *fixture {
	t.Helper()
	db := dbtest.New(t)
	if s.GithubPermissionSyncEnabled == nil {
		s.GithubPermissionSyncEnabled = ptr.To(true)
	}
	f := &fixture{db: db, gh: ghclienttest.New(), users: map[string]*model.User{}}
	f.cache = permcache.New(db, testingclock.NewFakeClock(time.Now()))
	f.rec = New(db, f.gh, f.cache, 2)
	f.ws = dbtest.Workspace(t, db, "acme", s)
	require.NoError(t, db.Create(&model.GithubInstallation{WorkspaceID: f.ws.ID, InstallationID: 42, AccountLogin: "acme"}).Error)
	f.project = &model.Project{WorkspaceID: f.ws.ID, Key: "github:acme/platform", Name: "platform", Metadata: []byte("{}")}
	require.NoError(t, db.Create(f.project).Error)
	for _, login := range []string{"octo-one", "octo-two", "carol"} {
		u := dbtest.User(t, db, login)
		f.users[login] = u
		require.NoError(t, db.Create(&model.GithubUserLink{WorkspaceID: f.ws.ID, UserID: u.ID, GithubLogin: login}).Error)
	}
	return f
}

func (f *fixture) roster(slug string, logins ...string) {
	members := make([]model.CachedTeamMember, 0, len(logins))
	for i, l := range logins {
		members = append(members, model.CachedTeamMember{ID: int64(i + 1), Login: l})
	}
	f.gh.TeamMembers[slug] = members
}

func (f *fixture) mapping(t *testing.T, teamID int64, slug string, targetType model.TeamMappingTarget, key, role string, priority int) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.GithubTeamMapping{
		WorkspaceID: f.ws.ID, GithubTeamID: teamID, TeamSlug: slug, TargetType: targetType,
		TargetKey: key, Role: role, Enabled: true, Priority: priority,
	}).Error)
}

func (f *fixture) projectRoles(t *testing.T) map[string]model.ProjectRole {
	t.Helper()
	var rows []model.ProjectMember
	require.NoError(t, f.db.Where("project_id = ?", f.project.ID).Find(&rows).Error)
	out := map[string]model.ProjectRole{}
	for _, r := range rows {
		for name, u := range f.users {
			if u.ID == r.UserID {
				out[name] = r.Role
			}
		}
	}
	return out
}

func TestAddOnlyAddsAndPromotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{})
	f.roster("core", "octo-one", "Octo-Two", "ghost")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)
	require.NoError(t, f.db.Create(&model.ProjectMember{
		ProjectID: f.project.ID, UserID: f.users["octo-one"].ID, Role: model.ProjectRoleReader, Source: model.MemberSourceDirect,
	}).Error)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, settings.SyncModeAddOnly, res.Mode)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, []string{"ghost"}, res.UnmatchedUsers)
	assert.Equal(t, map[string]model.ProjectRole{
		"octo-one": model.ProjectRoleWriter,
		"octo-two": model.ProjectRoleWriter,
	}, f.projectRoles(t))

	// the roster is cached, a second pass changes nothing
	res, err = f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Added+res.Updated+res.Removed)
	assert.Equal(t, 1, f.gh.CallCount("ListTeamMembers"))
}

func TestAddOnlyNeverRemoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{})
	f.roster("core", "octo-one", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)
	_, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)

	f.roster("core", "octo-one")
	_, err = f.cache.InvalidateTeamMembersCache(ctx, f.ws.ID, []int64{teamCore})
	require.NoError(t, err)
	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	assert.Len(t, f.projectRoles(t), 2)
}

func TestAddAndRemoveDropsDepartedMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	f.roster("core", "octo-one", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)
	require.NoError(t, f.db.Create(&model.ProjectMember{
		ProjectID: f.project.ID, UserID: f.users["carol"].ID, Role: model.ProjectRoleReader, Source: model.MemberSourceDirect,
	}).Error)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)

	f.roster("core", "octo-one")
	_, err = f.cache.InvalidateTeamMembersCache(ctx, f.ws.ID, []int64{teamCore})
	require.NoError(t, err)

	res, err = f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, settings.SyncModeAddAndRemove, res.Mode)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, 1, res.Removed)
	// direct grants are not managed by sync
	assert.Equal(t, map[string]model.ProjectRole{
		"octo-one": model.ProjectRoleWriter,
		"carol":    model.ProjectRoleReader,
	}, f.projectRoles(t))
}

func TestProtectedUsersAreKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	require.NoError(t, f.db.Model(f.ws).Update("settings", datatypes.NewJSONType(model.WorkspaceSettings{
		GithubPermissionSyncEnabled: ptr.To(true),
		GithubPermissionSyncMode:    ptr.To(settings.SyncModeAddAndRemove),
		GithubProtectedUserIDs:      []uint{f.users["octo-two"].ID},
	})).Error)
	f.roster("core", "octo-one", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "MAINTAINER", 0)
	_, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)

	f.roster("core", "octo-one")
	_, err = f.cache.InvalidateTeamMembersCache(ctx, f.ws.ID, []int64{teamCore})
	require.NoError(t, err)
	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "protected")
	assert.Equal(t, model.ProjectRoleMaintainer, f.projectRoles(t)["octo-two"])
}

func TestLastOwnerSurvivesSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	// a sync managed row that was later raised to OWNER by hand
	require.NoError(t, f.db.Create(&model.WorkspaceMember{
		WorkspaceID: f.ws.ID, UserID: f.users["carol"].ID, Role: model.WorkspaceRoleOwner, Source: model.MemberSourceGithubTeam,
	}).Error)
	f.roster("core", "octo-one")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetWorkspace, "", "MEMBER", 0)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Zero(t, res.Removed)
	assert.NotEmpty(t, res.Warnings)

	var owners int64
	require.NoError(t, f.db.Model(&model.WorkspaceMember{}).
		Where("workspace_id = ? AND role = ?", f.ws.ID, model.WorkspaceRoleOwner).Count(&owners).Error)
	assert.Equal(t, int64(1), owners)
}

func TestWorkspaceRolesDemoteOnlySyncRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	require.NoError(t, f.db.Create(&model.WorkspaceMember{
		WorkspaceID: f.ws.ID, UserID: f.users["carol"].ID, Role: model.WorkspaceRoleOwner, Source: model.MemberSourceDirect,
	}).Error)
	require.NoError(t, f.db.Create(&model.WorkspaceMember{
		WorkspaceID: f.ws.ID, UserID: f.users["octo-one"].ID, Role: model.WorkspaceRoleAdmin, Source: model.MemberSourceGithubTeam,
	}).Error)
	require.NoError(t, f.db.Create(&model.WorkspaceMember{
		WorkspaceID: f.ws.ID, UserID: f.users["octo-two"].ID, Role: model.WorkspaceRoleAdmin, Source: model.MemberSourceDirect,
	}).Error)
	f.roster("core", "octo-one", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetWorkspace, "", "MEMBER", 0)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	var rows []model.WorkspaceMember
	require.NoError(t, f.db.Where("workspace_id = ?", f.ws.ID).Order("id").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.Equal(t, model.WorkspaceRoleOwner, rows[0].Role)
	assert.Equal(t, model.WorkspaceRoleMember, rows[1].Role)
	assert.Equal(t, model.WorkspaceRoleAdmin, rows[2].Role)
}

func TestSourcesOfOtherPathsAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	// carol holds a collaborator row, octo-two a row both paths granted, octo-one a team row
	require.NoError(t, f.db.Create(&model.ProjectMember{
		ProjectID: f.project.ID, UserID: f.users["carol"].ID, Role: model.ProjectRoleWriter, Source: model.MemberSourceGithubCollaborator,
	}).Error)
	require.NoError(t, f.db.Create(&model.ProjectMember{
		ProjectID: f.project.ID, UserID: f.users["octo-two"].ID, Role: model.ProjectRoleWriter, Source: model.MemberSourceGithubSync,
	}).Error)
	require.NoError(t, f.db.Create(&model.ProjectMember{
		ProjectID: f.project.ID, UserID: f.users["octo-one"].ID, Role: model.ProjectRoleWriter, Source: model.MemberSourceGithubTeam,
	}).Error)
	// a workspace row written before the paths had their own sources
	require.NoError(t, f.db.Create(&model.WorkspaceMember{
		WorkspaceID: f.ws.ID, UserID: f.users["octo-two"].ID, Role: model.WorkspaceRoleAdmin, Source: model.MemberSourceGithubSync,
	}).Error)
	f.roster("core", "octo-one")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "READER", 0)
	f.roster("staff", "octo-one")
	f.mapping(t, 8, "staff", model.TeamMappingTargetWorkspace, "", "MEMBER", 0)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated, "octo-one demoted")
	assert.Equal(t, 1, res.Removed, "octo-two left the workspace")
	assert.Equal(t, map[string]model.ProjectRole{
		"carol":    model.ProjectRoleWriter,
		"octo-two": model.ProjectRoleWriter,
		"octo-one": model.ProjectRoleReader,
	}, f.projectRoles(t))

	var handed model.ProjectMember
	require.NoError(t, f.db.Where("project_id = ? AND user_id = ?", f.project.ID, f.users["octo-two"].ID).Take(&handed).Error)
	assert.Equal(t, model.MemberSourceGithubCollaborator, handed.Source)
	var n int64
	require.NoError(t, f.db.Model(&model.WorkspaceMember{}).Where("user_id = ?", f.users["octo-two"].ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestHigherPriorityMappingWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{})
	f.roster("core", "octo-one", "octo-two")
	f.roster("leads", "octo-one")
	f.mapping(t, 8, "leads", model.TeamMappingTargetProject, f.project.Key, "MAINTAINER", 2)
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "READER", 1)

	_, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ProjectRole{
		"octo-one": model.ProjectRoleMaintainer,
		"octo-two": model.ProjectRoleReader,
	}, f.projectRoles(t))
}

func TestFailedFetchDoesNotPrune(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncMode: ptr.To(settings.SyncModeAddAndRemove)})
	f.roster("core", "octo-one", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)
	_, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)

	_, err = f.cache.InvalidateTeamMembersCache(ctx, f.ws.ID, []int64{teamCore})
	require.NoError(t, err)
	f.gh.Errors["ListTeamMembers"] = errors.New("github is down")

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "github is down")
	assert.Len(t, f.projectRoles(t), 2)
}

func TestInvalidMappingsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{})
	f.roster("core", "octo-one")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, "github:acme/gone", "WRITER", 0)
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "OWNER", 0)
	f.mapping(t, teamCore, "core", model.TeamMappingTargetWorkspace, "", "OWNER", 0)

	res, err := f.rec.ReconcileWorkspace(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 3)
	assert.Zero(t, res.Added)
	assert.Zero(t, f.gh.CallCount("ListTeamMembers"))
}

func TestReconcileTeamOnlyTouchesItsTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.WorkspaceSettings{})
	other := &model.Project{WorkspaceID: f.ws.ID, Key: "github:acme/other", Name: "other", Metadata: []byte("{}")}
	require.NoError(t, f.db.Create(other).Error)
	f.roster("core", "octo-one")
	f.roster("infra", "octo-two")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)
	f.mapping(t, 9, "infra", model.TeamMappingTargetProject, other.Key, "WRITER", 0)

	res, err := f.rec.ReconcileTeam(ctx, f.ws.ID, teamCore)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, f.gh.CallCount("ListTeamMembers"))
	assert.Equal(t, map[string]model.ProjectRole{"octo-one": model.ProjectRoleWriter}, f.projectRoles(t))
}

func TestDisabledSyncIsANoop(t *testing.T) {
	f := newFixture(t, model.WorkspaceSettings{GithubPermissionSyncEnabled: ptr.To(false)})
	f.roster("core", "octo-one")
	f.mapping(t, teamCore, "core", model.TeamMappingTargetProject, f.project.Key, "WRITER", 0)

	res, err := f.rec.ReconcileWorkspace(context.Background(), f.ws.ID)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Empty(t, f.projectRoles(t))
}

func TestSortMappingsIsStable(t *testing.T) {
	t0 := time.Now()
	rows := []model.GithubTeamMapping{
		{Model: gorm.Model{ID: 3, CreatedAt: t0}, Priority: 1},
		{Model: gorm.Model{ID: 1, CreatedAt: t0.Add(time.Second)}, Priority: 0},
		{Model: gorm.Model{ID: 2, CreatedAt: t0}, Priority: 1},
		{Model: gorm.Model{ID: 4, CreatedAt: t0.Add(-time.Second)}, Priority: 1},
	}
	SortMappings(rows)
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []uint{1, 4, 2, 3}, ids)
}
