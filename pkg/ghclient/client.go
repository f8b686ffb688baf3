// Package ghclient is the GitHub App REST client: an RS256 app JWT for app level calls and
// installation tokens (ghinstallation) for everything scoped to an installation.
package ghclient

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v55/github"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/metrics"
	"github.com/raids-lab/memoria/pkg/permission"
)

const (
	// PerPage is the page size of every list call. A shorter page ends the listing.
	PerPage = 100

	DefaultBaseURL = "https://api.github.com/"

	jwtBackdate = 30 * time.Second
	jwtLifetime = 9 * time.Minute
)

type Installation struct {
	ID                  int64
	AccountLogin        string
	AccountType         string
	RepositorySelection string
}

type Repo struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
	Archived bool
}

type User struct {
	ID    int64
	Login string
	Name  string
}

// Client is the subset of the GitHub API permission sync needs.
type Client interface {
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)
	ListInstallationRepos(ctx context.Context, installationID int64) ([]Repo, error)
	ListRepoCollaborators(ctx context.Context, installationID int64, owner, repo string) ([]permission.Collaborator, error)
	ListRepoTeams(ctx context.Context, installationID int64, owner, repo string) ([]model.CachedTeam, error)
	ListTeamMembers(ctx context.Context, installationID int64, org, teamSlug string) ([]model.CachedTeamMember, error)
	GetUser(ctx context.Context, installationID int64, login string) (*User, error)
}

type Options struct {
	AppID int64
	// PrivateKey is the PEM encoded app key.
	PrivateKey []byte
	BaseURL    string
	Timeout    time.Duration
	Transport  http.RoundTripper
	Clock      clock.PassiveClock
}

// AppClient implements Client for a GitHub App.
type AppClient struct {
	appID     int64
	pemKey    []byte
	key       *rsa.PrivateKey
	baseURL   string
	timeout   time.Duration
	transport http.RoundTripper
	clock     clock.PassiveClock

	// static, when set, serves every call without any authentication. Used against mocked servers.
	static *http.Client

	mu      sync.Mutex
	clients map[int64]*github.Client
}

// NewAppClient validates the app credentials. Missing credentials are a ValidationError.
func NewAppClient(opts Options) (*AppClient, error) {
	if opts.AppID == 0 {
		return nil, apperr.Validation("github.appID", "github app id is not configured")
	}
	if len(opts.PrivateKey) == 0 {
		return nil, apperr.Validation("github.privateKey", "github app private key is not configured")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(opts.PrivateKey)
	if err != nil {
		return nil, apperr.Validation("github.privateKey", "cannot parse github app private key: %v", err)
	}
	c := newClient(opts)
	c.appID, c.pemKey, c.key = opts.AppID, opts.PrivateKey, key
	return c, nil
}

// NewStaticClient sends every request through httpClient without app or installation auth.
func NewStaticClient(httpClient *http.Client, opts Options) *AppClient {
	c := newClient(opts)
	c.static = httpClient
	return c
}

func newClient(opts Options) *AppClient {
	c := &AppClient{
		baseURL:   opts.BaseURL,
		timeout:   opts.Timeout,
		transport: opts.Transport,
		clock:     opts.Clock,
		clients:   map[int64]*github.Client{},
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.transport == nil {
		c.transport = http.DefaultTransport
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	return c
}

// AppJWT signs the app token: RS256, issued 30s in the past against clock drift, valid for 9 minutes.
func (c *AppClient) AppJWT() (string, error) {
	if c.key == nil {
		return "", apperr.Validation("github.privateKey", "github app private key is not configured")
	}
	now := c.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("AppClient.AppJWT: %w", err)
	}
	return signed, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func (c *AppClient) wrap(httpClient *http.Client) (*github.Client, error) {
	gh := github.NewClient(httpClient)
	if c.baseURL == DefaultBaseURL {
		return gh, nil
	}
	gh, err := gh.WithEnterpriseURLs(c.baseURL, c.baseURL)
	if err != nil {
		return nil, apperr.Validation("github.apiBaseURL", "invalid github api url %q: %v", c.baseURL, err)
	}
	return gh, nil
}

func (c *AppClient) appClient() (*github.Client, error) {
	if c.static != nil {
		return c.wrap(c.static)
	}
	token, err := c.AppJWT()
	if err != nil {
		return nil, err
	}
	return c.wrap(&http.Client{Transport: &bearerTransport{token: token, base: c.transport}})
}

// installationClient caches one client per installation; ghinstallation refreshes its token.
func (c *AppClient) installationClient(installationID int64) (*github.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gh, ok := c.clients[installationID]; ok {
		return gh, nil
	}

	var httpClient *http.Client
	if c.static != nil {
		httpClient = c.static
	} else {
		itr, err := ghinstallation.New(c.transport, c.appID, installationID, c.pemKey)
		if err != nil {
			return nil, fmt.Errorf("error initialising installation %d: %w", installationID, err)
		}
		itr.BaseURL = strings.TrimSuffix(c.baseURL, "/")
		httpClient = &http.Client{Transport: itr}
	}
	gh, err := c.wrap(httpClient)
	if err != nil {
		return nil, err
	}
	c.clients[installationID] = gh
	return gh, nil
}

// call runs fn under the per call timeout and records the outcome.
func (c *AppClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := translate(fn(ctx))
	metrics.GithubRequestsTotal.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("github %s: %w", op, err)
	}
	return nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			id := ""
			if ghErr.Response.Request != nil {
				id = ghErr.Response.Request.URL.Path
			}
			return &apperr.NotFoundError{Resource: "github resource", ID: id, Detail: ghErr.Message}
		case http.StatusUnauthorized:
			return &apperr.AuthenticationError{Message: ghErr.Message}
		}
	}
	return err
}

// paginate fetches pages of PerPage until a short page.
func paginate[T any](ctx context.Context, fetch func(ctx context.Context, opts github.ListOptions) ([]T, error)) ([]T, error) {
	var out []T
	for page := 1; ; page++ {
		items, err := fetch(ctx, github.ListOptions{Page: page, PerPage: PerPage})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) < PerPage {
			return out, nil
		}
	}
}

func (c *AppClient) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	gh, err := c.appClient()
	if err != nil {
		return nil, err
	}
	var inst *github.Installation
	err = c.call(ctx, "get_installation", func(ctx context.Context) error {
		inst, _, err = gh.Apps.GetInstallation(ctx, installationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Installation{
		ID:                  inst.GetID(),
		AccountLogin:        inst.GetAccount().GetLogin(),
		AccountType:         inst.GetAccount().GetType(),
		RepositorySelection: inst.GetRepositorySelection(),
	}, nil
}

func (c *AppClient) ListInstallationRepos(ctx context.Context, installationID int64) ([]Repo, error) {
	gh, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}
	var repos []Repo
	err = c.call(ctx, "list_installation_repos", func(ctx context.Context) error {
		repos, err = paginate(ctx, func(ctx context.Context, opts github.ListOptions) ([]Repo, error) {
			page, _, err := gh.Apps.ListRepos(ctx, &opts)
			if err != nil {
				return nil, err
			}
			out := make([]Repo, 0, len(page.Repositories))
			for _, r := range page.Repositories {
				out = append(out, Repo{
					ID:       r.GetID(),
					Owner:    r.GetOwner().GetLogin(),
					Name:     r.GetName(),
					FullName: r.GetFullName(),
					Archived: r.GetArchived(),
				})
			}
			return out, nil
		})
		return err
	})
	return repos, err
}

func (c *AppClient) ListRepoCollaborators(ctx context.Context, installationID int64, owner, repo string) ([]permission.Collaborator, error) {
	gh, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}
	var collaborators []permission.Collaborator
	err = c.call(ctx, "list_repo_collaborators", func(ctx context.Context) error {
		collaborators, err = paginate(ctx, func(ctx context.Context, opts github.ListOptions) ([]permission.Collaborator, error) {
			users, _, err := gh.Repositories.ListCollaborators(ctx, owner, repo, &github.ListCollaboratorsOptions{
				Affiliation: "all",
				ListOptions: opts,
			})
			if err != nil {
				return nil, err
			}
			out := make([]permission.Collaborator, 0, len(users))
			for _, u := range users {
				out = append(out, permission.Collaborator{
					Login:       strings.ToLower(u.GetLogin()),
					ID:          u.GetID(),
					RoleName:    u.GetRoleName(),
					Permissions: u.Permissions,
				})
			}
			return out, nil
		})
		return err
	})
	return collaborators, err
}

func (c *AppClient) ListRepoTeams(ctx context.Context, installationID int64, owner, repo string) ([]model.CachedTeam, error) {
	gh, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}
	var teams []model.CachedTeam
	err = c.call(ctx, "list_repo_teams", func(ctx context.Context) error {
		teams, err = paginate(ctx, func(ctx context.Context, opts github.ListOptions) ([]model.CachedTeam, error) {
			page, _, err := gh.Repositories.ListTeams(ctx, owner, repo, &opts)
			if err != nil {
				return nil, err
			}
			out := make([]model.CachedTeam, 0, len(page))
			for _, t := range page {
				out = append(out, model.CachedTeam{ID: t.GetID(), Slug: t.GetSlug(), Permission: t.GetPermission()})
			}
			return out, nil
		})
		return err
	})
	return teams, err
}

func (c *AppClient) ListTeamMembers(ctx context.Context, installationID int64, org, teamSlug string) ([]model.CachedTeamMember, error) {
	gh, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}
	var members []model.CachedTeamMember
	err = c.call(ctx, "list_team_members", func(ctx context.Context) error {
		members, err = paginate(ctx, func(ctx context.Context, opts github.ListOptions) ([]model.CachedTeamMember, error) {
			users, _, err := gh.Teams.ListTeamMembersBySlug(ctx, org, teamSlug, &github.TeamListTeamMembersOptions{
				Role:        "all",
				ListOptions: opts,
			})
			if err != nil {
				return nil, err
			}
			out := make([]model.CachedTeamMember, 0, len(users))
			for _, u := range users {
				out = append(out, model.CachedTeamMember{ID: u.GetID(), Login: strings.ToLower(u.GetLogin())})
			}
			return out, nil
		})
		return err
	})
	return members, err
}

func (c *AppClient) GetUser(ctx context.Context, installationID int64, login string) (*User, error) {
	gh, err := c.installationClient(installationID)
	if err != nil {
		return nil, err
	}
	var u *github.User
	err = c.call(ctx, "get_user", func(ctx context.Context) error {
		u, _, err = gh.Users.Get(ctx, login)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &User{ID: u.GetID(), Login: strings.ToLower(u.GetLogin()), Name: u.GetName()}, nil
}
