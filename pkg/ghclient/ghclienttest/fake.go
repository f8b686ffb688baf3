// Package ghclienttest provides an in-memory ghclient.Client for package tests.
package ghclienttest

import (
	"context"
	"strings"
	"sync"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/permission"
)

var _ ghclient.Client = (*Fake)(nil)

// Fake serves canned data. Calls counts every method invocation by name.
type Fake struct {
	mu sync.Mutex

	Installations map[int64]*ghclient.Installation
	Repos         []ghclient.Repo
	// keyed by "owner/repo"
	Collaborators map[string][]permission.Collaborator
	RepoTeams     map[string][]model.CachedTeam
	// keyed by team slug
	TeamMembers map[string][]model.CachedTeamMember
	// Errors fails the named method.
	Errors map[string]error

	Calls map[string]int
}

func New() *Fake {
	return &Fake{
		Installations: map[int64]*ghclient.Installation{},
		Collaborators: map[string][]permission.Collaborator{},
		RepoTeams:     map[string][]model.CachedTeam{},
		TeamMembers:   map[string][]model.CachedTeamMember{},
		Errors:        map[string]error{},
		Calls:         map[string]int{},
	}
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[op]++
	return f.Errors[op]
}

// CallCount is safe to use while calls are in flight.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) GetInstallation(_ context.Context, installationID int64) (*ghclient.Installation, error) {
	if err := f.record("GetInstallation"); err != nil {
		return nil, err
	}
	inst, ok := f.Installations[installationID]
	if !ok {
		return nil, apperr.NotFound("github installation", "")
	}
	return inst, nil
}

func (f *Fake) ListInstallationRepos(_ context.Context, _ int64) ([]ghclient.Repo, error) {
	if err := f.record("ListInstallationRepos"); err != nil {
		return nil, err
	}
	return f.Repos, nil
}

func (f *Fake) ListRepoCollaborators(_ context.Context, _ int64, owner, repo string) ([]permission.Collaborator, error) {
	if err := f.record("ListRepoCollaborators"); err != nil {
		return nil, err
	}
	return f.Collaborators[owner+"/"+repo], nil
}

func (f *Fake) ListRepoTeams(_ context.Context, _ int64, owner, repo string) ([]model.CachedTeam, error) {
	if err := f.record("ListRepoTeams"); err != nil {
		return nil, err
	}
	return f.RepoTeams[owner+"/"+repo], nil
}

func (f *Fake) ListTeamMembers(_ context.Context, _ int64, _, teamSlug string) ([]model.CachedTeamMember, error) {
	if err := f.record("ListTeamMembers"); err != nil {
		return nil, err
	}
	members, ok := f.TeamMembers[teamSlug]
	if !ok {
		return nil, apperr.NotFound("github team", teamSlug)
	}
	return members, nil
}

func (f *Fake) GetUser(_ context.Context, _ int64, login string) (*ghclient.User, error) {
	if err := f.record("GetUser"); err != nil {
		return nil, err
	}
	return &ghclient.User{Login: strings.ToLower(login)}, nil
}
