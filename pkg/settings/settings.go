// Package settings resolves the effective configuration of a workspace from its stored settings.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/monorepo"
)

const (
	ContextSharedRepo     = "shared_repo"
	ContextSplitOnDemand  = "split_on_demand"
	ContextSplitAuto      = "split_auto"
	SyncModeAddOnly       = "add_only"
	SyncModeAddAndRemove  = "add_and_remove"
	WebhookSyncOff        = "off"
	WebhookSyncInvalidate = "invalidate"
	WebhookSyncPartial    = "partial"
)

const (
	defaultCacheTTLSeconds = 900
	defaultMaxDepth        = 3
)

// Effective is the fully defaulted view of model.WorkspaceSettings.
type Effective struct {
	ResolutionOrder              []model.MappingKind
	AutoCreateProject            bool
	AutoCreateProjectSubprojects bool
	Monorepo                     monorepo.Config
	ContextMode                  string
	PermissionSyncEnabled        bool
	PermissionSyncMode           string
	CacheTTL                     time.Duration
	RoleMapping                  map[string]string
	WebhookSyncMode              string
	ProtectedUserIDs             []uint
}

func DefaultResolutionOrder() []model.MappingKind {
	return []model.MappingKind{model.MappingKindGithubRemote, model.MappingKindRepoRootSlug, model.MappingKindManual}
}

// FromModel applies defaults to s. Unknown enum values fall back to the default.
func FromModel(s model.WorkspaceSettings) Effective {
	e := Effective{
		ResolutionOrder:              DefaultResolutionOrder(),
		AutoCreateProject:            lo.FromPtrOr(s.AutoCreateProject, true),
		AutoCreateProjectSubprojects: lo.FromPtrOr(s.AutoCreateProjectSubprojects, false),
		Monorepo: monorepo.Config{
			Mode:     lo.FromPtrOr(s.MonorepoMode, monorepo.ModeRepoSubpath),
			Include:  []string{"apps/*", "packages/*", "services/*"},
			Exclude:  []string{"**/node_modules/**", "**/.git/**", "**/dist/**"},
			MaxDepth: lo.FromPtrOr(s.MonorepoMaxDepth, defaultMaxDepth),
		},
		ContextMode:           lo.FromPtrOr(s.MonorepoContextMode, ContextSharedRepo),
		PermissionSyncEnabled: lo.FromPtrOr(s.GithubPermissionSyncEnabled, false),
		PermissionSyncMode:    lo.FromPtrOr(s.GithubPermissionSyncMode, SyncModeAddOnly),
		CacheTTL:              time.Duration(lo.FromPtrOr(s.GithubCacheTTLSeconds, defaultCacheTTLSeconds)) * time.Second,
		RoleMapping:           s.GithubRoleMapping,
		WebhookSyncMode:       lo.FromPtrOr(s.GithubWebhookSyncMode, WebhookSyncPartial),
		ProtectedUserIDs:      s.GithubProtectedUserIDs,
	}

	if order := lo.Uniq(lo.Filter(s.ResolutionOrder, func(k model.MappingKind, _ int) bool { return k.Valid() })); len(order) > 0 {
		e.ResolutionOrder = order
	}
	if s.MonorepoIncludeGlobs != nil {
		e.Monorepo.Include = s.MonorepoIncludeGlobs
	}
	if s.MonorepoExcludeGlobs != nil {
		e.Monorepo.Exclude = s.MonorepoExcludeGlobs
	}
	if e.Monorepo.Mode != monorepo.ModeRepoOnly && e.Monorepo.Mode != monorepo.ModeRepoSubpath {
		e.Monorepo.Mode = monorepo.ModeRepoSubpath
	}
	if !lo.Contains([]string{ContextSharedRepo, ContextSplitOnDemand, ContextSplitAuto}, e.ContextMode) {
		e.ContextMode = ContextSharedRepo
	}
	if e.PermissionSyncMode != SyncModeAddOnly && e.PermissionSyncMode != SyncModeAddAndRemove {
		e.PermissionSyncMode = SyncModeAddOnly
	}
	if !lo.Contains([]string{WebhookSyncOff, WebhookSyncInvalidate, WebhookSyncPartial}, e.WebhookSyncMode) {
		e.WebhookSyncMode = WebhookSyncPartial
	}
	if e.CacheTTL < 0 {
		e.CacheTTL = 0
	}
	return e
}

// IsProtectedUser reports whether userID is listed in github_protected_user_ids.
func (e Effective) IsProtectedUser(userID uint) bool {
	return lo.Contains(e.ProtectedUserIDs, userID)
}

// LoadWorkspace finds a workspace by key, or by numeric id when ref parses as one.
func LoadWorkspace(ctx context.Context, db *gorm.DB, ref string) (*model.Workspace, error) {
	ws := &model.Workspace{}
	tx := db.WithContext(ctx)
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		tx = tx.Where("id = ?", id)
	} else {
		tx = tx.Where(&model.Workspace{Key: ref})
	}
	if err := tx.First(ws).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("workspace", ref)
		}
		return nil, fmt.Errorf("settings.LoadWorkspace: %w", err)
	}
	return ws, nil
}

// Load returns the effective settings of workspaceID.
func Load(ctx context.Context, db *gorm.DB, workspaceID uint) (Effective, error) {
	ws := &model.Workspace{}
	if err := db.WithContext(ctx).First(ws, workspaceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Effective{}, apperr.NotFound("workspace", strconv.FormatUint(uint64(workspaceID), 10))
		}
		return Effective{}, fmt.Errorf("settings.Load: %w", err)
	}
	return FromModel(ws.Settings.Data()), nil
}
