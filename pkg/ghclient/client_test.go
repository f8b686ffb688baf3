package ghclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v55/github"
	"github.com/migueleliasweb/go-github-mock/src/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/permission"
)

var (
	installationRepos = mock.EndpointPattern{Pattern: "/installation/repositories", Method: "GET"}
	repoCollaborators = mock.EndpointPattern{Pattern: "/repos/{owner}/{repo}/collaborators", Method: "GET"}
	repoTeams         = mock.EndpointPattern{Pattern: "/repos/{owner}/{repo}/teams", Method: "GET"}
	teamMembers       = mock.EndpointPattern{Pattern: "/orgs/{org}/teams/{team_slug}/members", Method: "GET"}
	userByLogin       = mock.EndpointPattern{Pattern: "/users/{username}", Method: "GET"}
	appInstallation   = mock.EndpointPattern{Pattern: "/app/installations/{installation_id}", Method: "GET"}
)

func staticClient(opts ...mock.MockBackendOption) *AppClient {
	return NewStaticClient(mock.NewMockedHTTPClient(opts...), Options{Timeout: 5 * time.Second})
}

func TestListInstallationReposPaginates(t *testing.T) {
	full := make([]*github.Repository, 0, PerPage)
	for i := 0; i < PerPage; i++ {
		full = append(full, &github.Repository{
			ID:       github.Int64(int64(i + 1)),
			Name:     github.String(fmt.Sprintf("repo-%d", i)),
			FullName: github.String(fmt.Sprintf("acme/repo-%d", i)),
			Owner:    &github.User{Login: github.String("acme")},
		})
	}
	last := []*github.Repository{{ID: github.Int64(1000), Name: github.String("platform"), FullName: github.String("acme/platform")}}

	c := staticClient(mock.WithRequestMatch(installationRepos,
		github.ListRepositories{TotalCount: github.Int(PerPage + 1), Repositories: full},
		github.ListRepositories{TotalCount: github.Int(PerPage + 1), Repositories: last},
	))

	repos, err := c.ListInstallationRepos(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, repos, PerPage+1)
	assert.Equal(t, "acme/repo-0", repos[0].FullName)
	assert.Equal(t, "acme", repos[0].Owner)
	assert.Equal(t, int64(1000), repos[PerPage].ID)
}

func TestListRepoCollaboratorsAndTeams(t *testing.T) {
	c := staticClient(
		mock.WithRequestMatch(repoCollaborators, []*github.User{
			{Login: github.String("Octo-One"), ID: github.Int64(1), RoleName: github.String("admin")},
			{Login: github.String("octo-two"), ID: github.Int64(2), Permissions: map[string]bool{"pull": true, "push": true}},
		}),
		mock.WithRequestMatch(repoTeams, []*github.Team{
			{ID: github.Int64(7), Slug: github.String("core"), Permission: github.String("push")},
		}),
		mock.WithRequestMatch(teamMembers, []*github.User{
			{Login: github.String("octo-one"), ID: github.Int64(1)},
		}),
		mock.WithRequestMatch(userByLogin, github.User{Login: github.String("Octo-One"), ID: github.Int64(1), Name: github.String("Octo One")}),
	)
	ctx := context.Background()

	collaborators, err := c.ListRepoCollaborators(ctx, 42, "acme", "platform")
	require.NoError(t, err)
	require.Len(t, collaborators, 2)
	assert.Equal(t, "octo-one", collaborators[0].Login)
	assert.Equal(t, permission.Admin, permission.DeriveCollaboratorPermission(collaborators[0]))
	assert.Equal(t, permission.Write, permission.DeriveCollaboratorPermission(collaborators[1]))

	teams, err := c.ListRepoTeams(ctx, 42, "acme", "platform")
	require.NoError(t, err)
	assert.Equal(t, []model.CachedTeam{{ID: 7, Slug: "core", Permission: "push"}}, teams)

	members, err := c.ListTeamMembers(ctx, 42, "acme", "core")
	require.NoError(t, err)
	assert.Equal(t, []model.CachedTeamMember{{ID: 1, Login: "octo-one"}}, members)

	u, err := c.GetUser(ctx, 42, "Octo-One")
	require.NoError(t, err)
	assert.Equal(t, "octo-one", u.Login)
	assert.Equal(t, "Octo One", u.Name)
}

func TestNotFoundIsTranslated(t *testing.T) {
	c := staticClient(mock.WithRequestMatchHandler(appInstallation, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mock.WriteError(w, http.StatusNotFound, "Not Found")
	})))

	_, err := c.GetInstallation(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestGetInstallation(t *testing.T) {
	c := staticClient(mock.WithRequestMatch(appInstallation, github.Installation{
		ID:                  github.Int64(42),
		Account:             &github.User{Login: github.String("acme"), Type: github.String("Organization")},
		RepositorySelection: github.String("selected"),
	}))

	inst, err := c.GetInstallation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, &Installation{ID: 42, AccountLogin: "acme", AccountType: "Organization", RepositorySelection: "selected"}, inst)
}

func TestAppJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	now := time.Now().Truncate(time.Second)
	c, err := NewAppClient(Options{AppID: 1234, PrivateKey: pemKey, Clock: testingclock.NewFakePassiveClock(now)})
	require.NoError(t, err)

	signed, err := c.AppJWT()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, jwt.SigningMethodRS256, tok.Method)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1234", claims.Issuer)
	assert.Equal(t, now.Add(-30*time.Second).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(9*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestMissingCredentials(t *testing.T) {
	_, err := NewAppClient(Options{PrivateKey: []byte("x")})
	assert.True(t, apperr.IsValidation(err))
	_, err = NewAppClient(Options{AppID: 1})
	assert.True(t, apperr.IsValidation(err))
	_, err = NewAppClient(Options{AppID: 1, PrivateKey: []byte("not a pem")})
	assert.True(t, apperr.IsValidation(err))
}
