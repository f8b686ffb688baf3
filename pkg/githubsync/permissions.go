package githubsync

import (
	"context"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/permission"
)

// RepoPermissions returns login -> effective permission on a repository: the highest of the direct
// collaborator grant and every team grant. Results are served from and written to the permission cache.
func (s *Syncer) RepoPermissions(
	ctx context.Context,
	inst *model.GithubInstallation,
	repoID int64,
	fullName string,
	ttl time.Duration,
) (map[string]permission.GithubPermission, error) {
	perms, ok, err := s.cache.GetRepoPermissions(ctx, inst.WorkspaceID, repoID, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return perms, nil
	}

	owner, name, found := strings.Cut(fullName, "/")
	if !found {
		return nil, apperr.Validation("full_name", "expected owner/repo, got %q", fullName)
	}
	perms = map[string]permission.GithubPermission{}
	grant := func(login string, p permission.GithubPermission) {
		login = strings.ToLower(login)
		perms[login] = permission.MaxGithubPermission(perms[login], p)
	}

	collaborators, err := s.gh.ListRepoCollaborators(ctx, inst.InstallationID, owner, name)
	if err != nil {
		return nil, err
	}
	for _, c := range collaborators {
		grant(c.Login, permission.DeriveCollaboratorPermission(c))
	}

	teams, err := s.repoTeams(ctx, inst, repoID, owner, name, ttl)
	if err != nil {
		return nil, err
	}
	for _, team := range teams {
		p, err := permission.NormalizeGithubPermission(team.Permission)
		if err != nil {
			klog.Warningf("team %s on %s: %v", team.Slug, fullName, err)
			continue
		}
		members, err := s.teamMembers(ctx, inst, team, ttl)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			grant(m.Login, p)
		}
	}

	if err := s.cache.PutRepoPermissions(ctx, inst.WorkspaceID, repoID, perms); err != nil {
		klog.Warningf("cache permissions of repository %s: %v", fullName, err)
	}
	return perms, nil
}

func (s *Syncer) repoTeams(
	ctx context.Context,
	inst *model.GithubInstallation,
	repoID int64,
	owner, name string,
	ttl time.Duration,
) ([]model.CachedTeam, error) {
	teams, ok, err := s.cache.GetRepoTeams(ctx, inst.WorkspaceID, repoID, ttl)
	if err != nil || ok {
		return teams, err
	}
	teams, err = s.gh.ListRepoTeams(ctx, inst.InstallationID, owner, name)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutRepoTeams(ctx, inst.WorkspaceID, repoID, teams); err != nil {
		klog.Warningf("cache teams of repository %s/%s: %v", owner, name, err)
	}
	return teams, nil
}

func (s *Syncer) teamMembers(ctx context.Context, inst *model.GithubInstallation, team model.CachedTeam, ttl time.Duration) ([]model.CachedTeamMember, error) {
	members, ok, err := s.cache.GetTeamMembers(ctx, inst.WorkspaceID, team.ID, ttl)
	if err != nil || ok {
		return members, err
	}
	members, err = s.gh.ListTeamMembers(ctx, inst.InstallationID, inst.AccountLogin, team.Slug)
	if err != nil {
		return nil, err
	}
	if err := s.cache.PutTeamMembers(ctx, inst.WorkspaceID, team.ID, members); err != nil {
		klog.Warningf("cache members of team %d: %v", team.ID, err)
	}
	return members, nil
}
