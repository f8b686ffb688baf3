// Package resolver turns a git derived client context into a project of a workspace,
// creating the project when the workspace allows it.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/identity"
	"github.com/raids-lab/memoria/pkg/mapping"
	"github.com/raids-lab/memoria/pkg/metrics"
	"github.com/raids-lab/memoria/pkg/monorepo"
	"github.com/raids-lab/memoria/pkg/settings"
)

// Request is what a client knows about where it runs.
type Request struct {
	WorkspaceID uint
	// GithubRemote is owner/repo or any git remote url.
	GithubRemote string
	RepoRoot     string
	Cwd          string
	// SubpathCandidates are client declared monorepo subpaths, preferred over RepoRoot/Cwd.
	SubpathCandidates []string
	ManualID          string
	ProjectName       string
	Actor             string
}

type Result struct {
	Project          *model.Project      `json:"project"`
	Kind             model.MappingKind   `json:"kind"`
	ExternalID       string              `json:"externalId"`
	MatchedMappingID uint                `json:"matchedMappingId,omitempty"`
	Created          bool                `json:"created"`
	Subpath          string              `json:"subpath,omitempty"`
	ContextMode      string              `json:"contextMode"`
	AttemptedOrder   []model.MappingKind `json:"attemptedOrder"`
}

type projectMetadata struct {
	SourceKind model.MappingKind `json:"source_kind"`
	RepoID     string            `json:"repo_id,omitempty"`
	RepoKey    string            `json:"repo_key,omitempty"`
	Subpath    string            `json:"subpath,omitempty"`
}

type Resolver struct {
	db    *gorm.DB
	store *mapping.Store
	audit audit.Recorder
}

func New(db *gorm.DB, recorder audit.Recorder) *Resolver {
	return &Resolver{db: db, store: mapping.NewStore(db), audit: recorder}
}

// identities holds the derived ids of one request.
type identities struct {
	repoID  string // owner/repo, empty without a github remote
	slug    string // sanitized repo root name
	manual  string
	repoKey string // project key of the repository level project
	base    map[model.MappingKind][]string
}

func deriveIdentities(req *Request) (*identities, error) {
	ids := &identities{base: map[model.MappingKind][]string{}}
	if strings.TrimSpace(req.GithubRemote) != "" {
		remote, err := identity.ParseRemote(req.GithubRemote)
		if err != nil {
			return nil, err
		}
		ids.repoID = remote.RepoID
		ids.base[model.MappingKindGithubRemote] = remote.IDs()
	}
	if req.RepoRoot != "" {
		if slug := monorepo.SanitizeSegment(filepath.Base(filepath.Clean(req.RepoRoot))); slug != "" {
			ids.slug = slug
			ids.base[model.MappingKindRepoRootSlug] = []string{slug}
		}
	}
	if m := strings.TrimSpace(req.ManualID); m != "" {
		ids.manual = m
		ids.base[model.MappingKindManual] = []string{m}
	}
	if len(ids.base) == 0 {
		return nil, apperr.Validation("github_remote", "one of github_remote, repo_root or manual_id is required")
	}
	switch {
	case ids.repoID != "":
		ids.repoKey = identity.ProjectKey(model.MappingKindGithubRemote, ids.repoID)
	case ids.slug != "":
		ids.repoKey = identity.ProjectKey(model.MappingKindRepoRootSlug, ids.slug)
	}
	return ids, nil
}

// composed returns the repo#subpath candidates. Manual ids are explicit and never composed.
func (ids *identities) composed(subpath string) map[model.MappingKind][]string {
	out := map[model.MappingKind][]string{}
	for _, base := range ids.base[model.MappingKindGithubRemote] {
		out[model.MappingKindGithubRemote] = append(out[model.MappingKindGithubRemote],
			identity.BuildGithubExternalIDCandidates(base, subpath)...)
	}
	if ids.slug != "" {
		out[model.MappingKindRepoRootSlug] = identity.BuildGithubExternalIDCandidates(ids.slug, subpath)
	}
	if ids.manual != "" {
		out[model.MappingKindManual] = ids.base[model.MappingKindManual]
	}
	return out
}

// phase is one walk over the resolution kinds.
type phase struct {
	subpath    string // non-empty when the candidates are composed repo#subpath ids
	candidates map[model.MappingKind][]string
	canCreate  bool
}

// ResolveProjectByPriority walks the configured resolution kinds and returns the first enabled mapping hit.
// Without a hit the project is created when the workspace allows it, otherwise a NotFoundError lists the
// attempted order. Calling it twice with the same request never creates a second project or mapping.
func (r *Resolver) ResolveProjectByPriority(ctx context.Context, req Request) (*Result, error) {
	res, err := r.resolve(ctx, &req)
	switch {
	case err == nil && res.Created:
		metrics.ProjectResolveTotal.WithLabelValues(string(res.Kind), "created").Inc()
	case err == nil:
		metrics.ProjectResolveTotal.WithLabelValues(string(res.Kind), "matched").Inc()
	case apperr.IsNotFound(err):
		metrics.ProjectResolveTotal.WithLabelValues("", "not_found").Inc()
	default:
		metrics.ProjectResolveTotal.WithLabelValues("", "error").Inc()
	}
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, req *Request) (*Result, error) {
	eff, err := settings.Load(ctx, r.db, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	ids, err := deriveIdentities(req)
	if err != nil {
		return nil, err
	}

	subpath, _ := monorepo.Resolve(eff.Monorepo, monorepo.Input{
		Candidates: req.SubpathCandidates,
		RepoRoot:   req.RepoRoot,
		Cwd:        req.Cwd,
	})

	compose := false
	if subpath != "" && ids.repoKey != "" {
		switch eff.ContextMode {
		case settings.ContextSplitOnDemand:
			compose, err = r.store.HasSubprojectPolicy(ctx, req.WorkspaceID, ids.repoKey, subpath)
			if err != nil {
				return nil, err
			}
		case settings.ContextSplitAuto:
			compose = eff.AutoCreateProjectSubprojects
		}
	}

	phases := make([]phase, 0, 2)
	if compose {
		phases = append(phases, phase{subpath: subpath, candidates: ids.composed(subpath), canCreate: eff.AutoCreateProject})
	}
	phases = append(phases, phase{candidates: ids.base, canCreate: eff.AutoCreateProject})

	for i := range phases {
		p := &phases[i]
		res, err := r.walk(ctx, req.WorkspaceID, eff.ResolutionOrder, p)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Subpath, res.ContextMode, res.AttemptedOrder = subpath, eff.ContextMode, eff.ResolutionOrder
			return res, nil
		}
		if !p.canCreate {
			continue
		}
		res, err = r.create(ctx, req, ids, eff, p, subpath)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Subpath, res.ContextMode, res.AttemptedOrder = subpath, eff.ContextMode, eff.ResolutionOrder
			return res, nil
		}
	}

	order := lo.Map(eff.ResolutionOrder, func(k model.MappingKind, _ int) string { return string(k) })
	return nil, &apperr.NotFoundError{
		Resource: "project",
		ID:       lo.CoalesceOrEmpty(ids.repoID, ids.slug, ids.manual),
		Detail:   "no enabled mapping matched, attempted resolution order: " + strings.Join(order, ", "),
	}
}

func (r *Resolver) walk(ctx context.Context, workspaceID uint, order []model.MappingKind, p *phase) (*Result, error) {
	for _, kind := range order {
		candidates := p.candidates[kind]
		if len(candidates) == 0 {
			continue
		}
		rows, err := r.store.FindEnabled(ctx, workspaceID, kind, candidates)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}
		hit := rows[0]
		project, err := r.store.GetProject(ctx, workspaceID, hit.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("mapping %d points at a missing project: %w", hit.ID, err)
		}
		return &Result{Project: project, Kind: kind, ExternalID: hit.ExternalID, MatchedMappingID: hit.ID}, nil
	}
	return nil, nil
}

// create auto-creates using the first non-manual kind of the resolution order that has a candidate.
// Manual ids only ever resolve explicitly created mappings.
func (r *Resolver) create(
	ctx context.Context,
	req *Request,
	ids *identities,
	eff settings.Effective,
	p *phase,
	subpath string,
) (*Result, error) {
	kind, ok := lo.Find(eff.ResolutionOrder, func(k model.MappingKind) bool {
		return k != model.MappingKindManual && len(p.candidates[k]) > 0
	})
	if !ok {
		return nil, nil
	}
	externalID := p.candidates[kind][0]

	repoName := lo.Ternary(kind == model.MappingKindGithubRemote, ids.repoID, ids.slug)
	meta := projectMetadata{SourceKind: kind, RepoID: ids.repoID, RepoKey: ids.repoKey, Subpath: subpath}
	name := req.ProjectName
	if name == "" {
		name = identity.ProjectName(repoName, p.subpath)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("Resolver.create: %w", err)
	}

	created, err := r.store.CreateProjectAndMapping(ctx, mapping.CreateRequest{
		WorkspaceID: req.WorkspaceID,
		ProjectKey:  identity.ProjectKey(kind, externalID),
		ProjectName: name,
		Metadata:    datatypes.JSON(raw),
		Kind:        kind,
		ExternalID:  externalID,
	})
	if err != nil {
		return nil, err
	}
	if created.Created {
		klog.Infof("workspace %d: auto-created project %s (%s)", req.WorkspaceID, created.Project.Key, kind)
		audit.RecordAudit(ctx, r.audit, req.WorkspaceID, audit.ActionProjectCreate, created.Project.Key,
			audit.WithActor(req.Actor), audit.WithDetail("kind", string(kind)), audit.WithDetail("external_id", externalID))
	}
	return &Result{
		Project:          created.Project,
		Kind:             kind,
		ExternalID:       externalID,
		MatchedMappingID: created.Mapping.ID,
		Created:          created.Created,
	}, nil
}
