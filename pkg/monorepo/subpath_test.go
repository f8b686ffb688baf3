package monorepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultConfig() Config {
	return Config{
		Mode:     ModeRepoSubpath,
		Include:  []string{"apps/*", "packages/*", "services/**"},
		Exclude:  []string{"**/node_modules/**", "apps/legacy"},
		MaxDepth: 3,
	}
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "admin-ui", SanitizeSegment("  Admin   UI "))
	assert.Equal(t, "memory-core", SanitizeSegment("memory-core"))
	assert.Equal(t, "abc", SanitizeSegment("a$b%c"))
	assert.Equal(t, "", SanitizeSegment("$$$"))
	assert.Equal(t, "", SanitizeSegment(".."))
	assert.Equal(t, []string{"apps", "admin-ui"}, SplitPath("/Apps//Admin UI/"))
	assert.Equal(t, []string{"apps", "web"}, SplitPath(`apps\web`))
}

func TestResolve(t *testing.T) {
	cfg := defaultConfig()
	tests := []struct {
		name string
		cfg  Config
		in   Input
		want string
		ok   bool
	}{
		{
			name: "candidate prefix covered by glob",
			cfg:  cfg,
			in:   Input{Candidates: []string{"apps/admin-ui/src/components"}},
			want: "apps/admin-ui", ok: true,
		},
		{
			name: "case insensitive",
			cfg:  cfg,
			in:   Input{Candidates: []string{"Apps/Memory-Core"}},
			want: "apps/memory-core", ok: true,
		},
		{
			name: "candidates win over cwd",
			cfg:  cfg,
			in:   Input{Candidates: []string{"packages/sdk"}, RepoRoot: "/src/platform", Cwd: "/src/platform/apps/web"},
			want: "packages/sdk", ok: true,
		},
		{
			name: "cwd fallback",
			cfg:  cfg,
			in:   Input{RepoRoot: "/src/platform", Cwd: "/src/platform/apps/web/src"},
			want: "apps/web", ok: true,
		},
		{
			name: "excluded candidate skipped, next used",
			cfg:  cfg,
			in:   Input{Candidates: []string{"apps/web/node_modules/react", "apps/api"}},
			want: "apps/api", ok: true,
		},
		{
			name: "derived result rechecked against exclude",
			cfg:  cfg,
			in:   Input{Candidates: []string{"apps/legacy/src"}},
			ok:   false,
		},
		{
			name: "double star covers full path",
			cfg:  cfg,
			in:   Input{Candidates: []string{"services/billing/worker"}},
			want: "services/billing/worker", ok: true,
		},
		{
			name: "max depth",
			cfg:  cfg,
			in:   Input{Candidates: []string{"services/billing/worker/jobs"}},
			ok:   false,
		},
		{
			name: "no glob match",
			cfg:  cfg,
			in:   Input{Candidates: []string{"docs/guide"}},
			ok:   false,
		},
		{
			name: "cwd outside root ignored",
			cfg:  cfg,
			in:   Input{RepoRoot: "/src/platform", Cwd: "/src/other/apps/web"},
			ok:   false,
		},
		{
			name: "cwd at root",
			cfg:  cfg,
			in:   Input{RepoRoot: "/src/platform", Cwd: "/src/platform"},
			ok:   false,
		},
		{
			name: "repo only",
			cfg:  Config{Mode: ModeRepoOnly, Include: []string{"apps/*"}},
			in:   Input{Candidates: []string{"apps/web"}},
			ok:   false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.cfg, tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchSegments(t *testing.T) {
	assert.True(t, matchSegments([]string{"**"}, nil))
	assert.True(t, matchSegments([]string{"**", "node_modules", "**"}, []string{"node_modules"}))
	assert.True(t, matchSegments([]string{"apps", "*"}, []string{"apps", "web"}))
	assert.False(t, matchSegments([]string{"apps", "*"}, []string{"apps"}))
	assert.False(t, matchSegments([]string{"apps", "*"}, []string{"apps", "web", "src"}))
	assert.True(t, matchSegments([]string{"apps", "web-*"}, []string{"apps", "web-admin"}))
}
