// Package recompute routes queued GitHub webhook events to the narrowest cache invalidation and permission
// recompute that covers them.
package recompute

import (
	"fmt"

	"github.com/google/go-github/v55/github"
)

// Payload is one parsed webhook body. The concrete type tells which event shape was recognized.
type Payload interface {
	// EventName is the X-GitHub-Event header the payload was parsed from.
	EventName() string
	// InstallationID is the GitHub App installation that delivered the event, 0 when absent.
	InstallationID() int64
}

type InstallationPayload struct{ Event *github.InstallationEvent }

type InstallationReposPayload struct{ Event *github.InstallationRepositoriesEvent }

// MemberPayload is a collaborator change on one repository.
type MemberPayload struct{ Event *github.MemberEvent }

type TeamPayload struct{ Event *github.TeamEvent }

// MembershipPayload is a user joining or leaving a team.
type MembershipPayload struct{ Event *github.MembershipEvent }

type RepositoryPayload struct{ Event *github.RepositoryEvent }

type PingPayload struct{ Event *github.PingEvent }

// UnrecognizedPayload is everything that carries nothing to recompute, or could not be decoded.
type UnrecognizedPayload struct {
	Event  string
	Reason string
}

func (p InstallationPayload) EventName() string      { return "installation" }
func (p InstallationReposPayload) EventName() string { return "installation_repositories" }
func (p MemberPayload) EventName() string            { return "member" }
func (p TeamPayload) EventName() string              { return "team" }
func (p MembershipPayload) EventName() string        { return "membership" }
func (p RepositoryPayload) EventName() string        { return "repository" }
func (p PingPayload) EventName() string              { return "ping" }
func (p UnrecognizedPayload) EventName() string      { return p.Event }

func (p InstallationPayload) InstallationID() int64      { return p.Event.GetInstallation().GetID() }
func (p InstallationReposPayload) InstallationID() int64 { return p.Event.GetInstallation().GetID() }
func (p MemberPayload) InstallationID() int64            { return p.Event.GetInstallation().GetID() }
func (p TeamPayload) InstallationID() int64              { return p.Event.GetInstallation().GetID() }
func (p MembershipPayload) InstallationID() int64        { return p.Event.GetInstallation().GetID() }
func (p RepositoryPayload) InstallationID() int64        { return p.Event.GetInstallation().GetID() }
func (p PingPayload) InstallationID() int64              { return p.Event.GetInstallation().GetID() }
func (p UnrecognizedPayload) InstallationID() int64      { return 0 }

// ParsePayload decodes body as the payload of event. It never fails: bodies that do not decode, and
// events this package does not act on, come back as UnrecognizedPayload.
func ParsePayload(event string, body []byte) Payload {
	if len(body) == 0 {
		return UnrecognizedPayload{Event: event, Reason: "empty body"}
	}
	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		return UnrecognizedPayload{Event: event, Reason: err.Error()}
	}
	switch e := parsed.(type) {
	case *github.InstallationEvent:
		return InstallationPayload{Event: e}
	case *github.InstallationRepositoriesEvent:
		return InstallationReposPayload{Event: e}
	case *github.MemberEvent:
		return MemberPayload{Event: e}
	case *github.TeamEvent:
		return TeamPayload{Event: e}
	case *github.MembershipEvent:
		return MembershipPayload{Event: e}
	case *github.RepositoryEvent:
		return RepositoryPayload{Event: e}
	case *github.PingEvent:
		return PingPayload{Event: e}
	default:
		return UnrecognizedPayload{Event: event, Reason: fmt.Sprintf("no recompute for %T", parsed)}
	}
}
