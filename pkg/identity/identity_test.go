package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

func TestNormalizeRepoID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "acme/platform", want: "acme/platform"},
		{in: " /Acme/Platform/ ", want: "acme/platform"},
		{in: "acme/platform.git", want: "acme/platform"},
		{in: "acme", wantErr: true},
		{in: "acme/platform/extra", wantErr: true},
		{in: "/", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeRepoID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRemote(t *testing.T) {
	tests := []struct {
		in   string
		want Remote
	}{
		{in: "acme/platform", want: Remote{RepoID: "acme/platform"}},
		{
			in:   "https://github.com/Acme/Platform.git",
			want: Remote{Host: "github.com", RepoID: "acme/platform", HostQualifiedID: "github.com/acme/platform"},
		},
		{
			in:   "git@github.example.com:acme/platform.git",
			want: Remote{Host: "github.example.com", RepoID: "acme/platform", HostQualifiedID: "github.example.com/acme/platform"},
		},
		{
			in:   "ssh://git@github.com:22/acme/platform",
			want: Remote{Host: "github.com", RepoID: "acme/platform", HostQualifiedID: "github.com/acme/platform"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRemote(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRemote("https://github.com/acme")
	assert.True(t, apperr.IsValidation(err))
	_, err = ParseRemote("   ")
	assert.True(t, apperr.IsValidation(err))
}

func TestRemoteIDs(t *testing.T) {
	assert.Equal(t, []string{"acme/platform"}, Remote{RepoID: "acme/platform"}.IDs())
	assert.Equal(t,
		[]string{"acme/platform", "github.com/acme/platform"},
		Remote{Host: "github.com", RepoID: "acme/platform", HostQualifiedID: "github.com/acme/platform"}.IDs())
}

func TestBuildGithubExternalIDCandidates(t *testing.T) {
	assert.Equal(t, []string{"acme/platform"}, BuildGithubExternalIDCandidates("acme/platform", ""))
	assert.Equal(t,
		[]string{"acme/platform#apps/admin-ui", "acme/platform:apps/admin-ui"},
		BuildGithubExternalIDCandidates("acme/platform", "apps/admin-ui"))
	assert.Equal(t, "acme/platform#apps/admin-ui", CanonicalExternalID("acme/platform", "apps/admin-ui"))
	assert.Equal(t, "acme/platform", CanonicalExternalID("acme/platform", ""))
}

func TestProjectKeyAndName(t *testing.T) {
	assert.Equal(t, "github:acme/platform#apps/memory-core", ProjectKey(model.MappingKindGithubRemote, "acme/platform#apps/memory-core"))
	assert.Equal(t, "repo:platform", ProjectKey(model.MappingKindRepoRootSlug, "platform"))
	assert.Equal(t, "manual:docs", ProjectKey(model.MappingKindManual, "docs"))
	assert.Equal(t, "platform", ProjectName("acme/platform", ""))
	assert.Equal(t, "platform/apps/admin-ui", ProjectName("acme/platform", "apps/admin-ui"))
}
