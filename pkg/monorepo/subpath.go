// Package monorepo derives a project subpath inside a monorepo from client supplied paths.
package monorepo

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	ModeRepoOnly    = "repo_only"
	ModeRepoSubpath = "repo_subpath"
)

// Config is the workspace glob configuration.
type Config struct {
	Mode     string
	Include  []string // e.g. apps/*, packages/**
	Exclude  []string // e.g. **/node_modules/**
	MaxDepth int      // 0 disables the depth check
}

// Input carries what the client knows about its location.
type Input struct {
	// Candidates are client declared subpaths, tried first and in order.
	Candidates []string
	RepoRoot   string
	Cwd        string
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	unsafeRe     = regexp.MustCompile(`[^a-z0-9._-]`)
)

// SanitizeSegment trims, collapses whitespace to '-', strips unsafe characters and lowercases.
// It returns "" when nothing usable is left.
func SanitizeSegment(seg string) string {
	s := strings.ToLower(strings.TrimSpace(seg))
	s = whitespaceRe.ReplaceAllString(s, "-")
	s = unsafeRe.ReplaceAllString(s, "")
	if s == "." || s == ".." {
		return ""
	}
	return s
}

// SplitPath sanitizes every segment of p and drops the empty ones.
func SplitPath(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	raw := strings.Split(p, "/")
	segs := make([]string, 0, len(raw))
	for _, r := range raw {
		if s := SanitizeSegment(r); s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Resolve returns the first candidate subpath accepted by the configuration.
func Resolve(cfg Config, in Input) (string, bool) {
	if cfg.Mode == ModeRepoOnly || len(cfg.Include) == 0 {
		return "", false
	}

	candidates := append([]string{}, in.Candidates...)
	if rel, ok := relativeToRoot(in.RepoRoot, in.Cwd); ok {
		candidates = append(candidates, rel)
	}

	for _, c := range candidates {
		segs := SplitPath(c)
		if len(segs) == 0 || matchesAny(cfg.Exclude, segs) {
			continue
		}
		for _, g := range cfg.Include {
			k := coveredPrefix(splitGlob(g), segs)
			if k == 0 {
				continue
			}
			sub := segs[:k]
			if matchesAny(cfg.Exclude, sub) {
				continue
			}
			if cfg.MaxDepth > 0 && len(sub) > cfg.MaxDepth {
				continue
			}
			return strings.Join(sub, "/"), true
		}
	}
	return "", false
}

func relativeToRoot(root, cwd string) (string, bool) {
	if root == "" || cwd == "" {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(cwd))
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func splitGlob(g string) []string {
	g = strings.Trim(strings.ToLower(strings.TrimSpace(g)), "/")
	if g == "" {
		return nil
	}
	return strings.Split(g, "/")
}

func matchesAny(globs []string, segs []string) bool {
	for _, g := range globs {
		if matchSegments(splitGlob(g), segs) {
			return true
		}
	}
	return false
}

// coveredPrefix returns how many leading segments of segs the glob covers, 0 when it does not match.
// A glob ending in ** covers the whole path; otherwise the shortest matching prefix wins.
func coveredPrefix(glob, segs []string) int {
	if len(glob) == 0 {
		return 0
	}
	if glob[len(glob)-1] == "**" {
		if matchSegments(glob, segs) {
			return len(segs)
		}
		return 0
	}
	for k := 1; k <= len(segs); k++ {
		if matchSegments(glob, segs[:k]) {
			return k
		}
	}
	return 0
}

// matchSegments reports whether glob matches all of segs. '**' matches any number of segments
// (including none); other glob segments use path.Match on a single segment.
func matchSegments(glob, segs []string) bool {
	if len(glob) == 0 {
		return len(segs) == 0
	}
	if glob[0] == "**" {
		for i := 0; i <= len(segs); i++ {
			if matchSegments(glob[1:], segs[i:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	ok, err := path.Match(glob[0], segs[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(glob[1:], segs[1:])
}
