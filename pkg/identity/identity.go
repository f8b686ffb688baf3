// Package identity normalizes git remote references into the external ids used by project mappings.
package identity

import (
	"net/url"
	"strings"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

const (
	// SubpathSeparator is the canonical repo/subpath joiner for new rows.
	SubpathSeparator = "#"
	// LegacySubpathSeparator is still accepted when looking mappings up.
	LegacySubpathSeparator = ":"
)

// Remote is a parsed git remote.
type Remote struct {
	Host            string // lowercased, empty for bare owner/repo references
	RepoID          string // owner/repo
	HostQualifiedID string // host/owner/repo, empty when Host is empty
}

// NormalizeRepoID lowercases ref, trims surrounding slashes and a trailing .git,
// and rejects anything that is not exactly owner/repo.
func NormalizeRepoID(ref string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(ref))
	s = strings.Trim(s, "/")
	s = strings.TrimSuffix(s, ".git")
	s = strings.Trim(s, "/")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", apperr.Validation("github_remote", "expected owner/repo, got %q", ref)
	}
	return parts[0] + "/" + parts[1], nil
}

// ParseRemote accepts owner/repo, https://host/owner/repo(.git), git@host:owner/repo(.git)
// and ssh://git@host[:port]/owner/repo.
func ParseRemote(remote string) (Remote, error) {
	s := strings.TrimSpace(remote)
	if s == "" {
		return Remote{}, apperr.Validation("github_remote", "remote is empty")
	}

	var host, path string
	switch {
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return Remote{}, apperr.Validation("github_remote", "invalid remote url %q", remote)
		}
		host, path = u.Hostname(), u.Path
	case strings.Contains(s, "@") && strings.Contains(s, ":"):
		// scp-like: git@github.com:owner/repo.git
		at := strings.Index(s, "@")
		rest := s[at+1:]
		colon := strings.Index(rest, ":")
		host, path = rest[:colon], rest[colon+1:]
	default:
		path = s
	}

	repoID, err := NormalizeRepoID(path)
	if err != nil {
		return Remote{}, err
	}
	r := Remote{Host: strings.ToLower(host), RepoID: repoID}
	if r.Host != "" {
		r.HostQualifiedID = r.Host + "/" + repoID
	}
	return r, nil
}

// IDs returns the repo id followed by the host-qualified variant when present.
func (r Remote) IDs() []string {
	if r.HostQualifiedID == "" {
		return []string{r.RepoID}
	}
	return []string{r.RepoID, r.HostQualifiedID}
}

// CanonicalExternalID joins repoID and subpath with the canonical separator.
func CanonicalExternalID(repoID, subpath string) string {
	if subpath == "" {
		return repoID
	}
	return repoID + SubpathSeparator + subpath
}

// BuildGithubExternalIDCandidates returns the ids a mapping lookup should try. Without a subpath this is
// just repoID; with one it is repo#subpath then the legacy repo:subpath.
func BuildGithubExternalIDCandidates(repoID, subpath string) []string {
	if subpath == "" {
		return []string{repoID}
	}
	return []string{
		repoID + SubpathSeparator + subpath,
		repoID + LegacySubpathSeparator + subpath,
	}
}

// ProjectKey builds the project key for an external id of the given kind.
func ProjectKey(kind model.MappingKind, externalID string) string {
	switch kind {
	case model.MappingKindGithubRemote:
		return "github:" + externalID
	case model.MappingKindRepoRootSlug:
		return "repo:" + externalID
	default:
		return "manual:" + externalID
	}
}

// ProjectName derives a display name: the repository name plus the subpath, if any.
func ProjectName(repoID, subpath string) string {
	name := repoID
	if i := strings.LastIndex(repoID, "/"); i >= 0 {
		name = repoID[i+1:]
	}
	if subpath != "" {
		name += "/" + subpath
	}
	return name
}
