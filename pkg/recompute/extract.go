package recompute

import (
	"github.com/google/go-github/v55/github"
	"k8s.io/apimachinery/pkg/util/sets"
)

// RepoChanges lists the repository ids an installation event added to or removed from the installation.
type RepoChanges struct {
	Added   []int64
	Removed []int64
}

func (c RepoChanges) All() []int64 {
	return sets.List(sets.New(c.Added...).Insert(c.Removed...))
}

// ExtractRepoChangesFromInstallationEvent reads the repository delta of installation and
// installation_repositories events. ok is false for any other payload; a payload without an event
// yields no changes.
func ExtractRepoChangesFromInstallationEvent(p Payload) (changes RepoChanges, ok bool) {
	switch v := p.(type) {
	case InstallationPayload:
		if v.Event == nil {
			return changes, true
		}
		ids := repoIDs(v.Event.Repositories)
		switch v.Event.GetAction() {
		case "created", "unsuspend", "new_permissions_accepted":
			changes.Added = ids
		case "deleted", "suspend":
			changes.Removed = ids
		}
		return changes, true
	case InstallationReposPayload:
		if v.Event == nil {
			return changes, true
		}
		changes.Added = repoIDs(v.Event.RepositoriesAdded)
		changes.Removed = repoIDs(v.Event.RepositoriesRemoved)
		return changes, true
	}
	return changes, false
}

// ExtractTeamID returns the team a team or membership event is about.
func ExtractTeamID(p Payload) (int64, bool) {
	var id int64
	switch v := p.(type) {
	case TeamPayload:
		id = v.Event.GetTeam().GetID()
	case MembershipPayload:
		id = v.Event.GetTeam().GetID()
	}
	return id, id != 0
}

// ExtractRepositoryID returns the single repository a member, repository or team event names.
func ExtractRepositoryID(p Payload) (int64, bool) {
	var id int64
	switch v := p.(type) {
	case MemberPayload:
		id = v.Event.GetRepo().GetID()
	case RepositoryPayload:
		id = v.Event.GetRepo().GetID()
	case TeamPayload:
		id = v.Event.GetRepo().GetID()
	}
	return id, id != 0
}

func repoIDs(repos []*github.Repository) []int64 {
	ids := sets.New[int64]()
	for _, r := range repos {
		if id := r.GetID(); id != 0 {
			ids.Insert(id)
		}
	}
	return sets.List(ids)
}
