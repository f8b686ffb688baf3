package recompute

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/metrics"
)

const (
	DefaultDebounceWindow = 8000 * time.Millisecond
	DefaultMaxEntries     = 5000
	// entries older than pruneAfter windows are dropped once the map grows past its bound
	pruneAfter = 4
)

// RecomputeThrottle decides whether a (workspace, repo) pair may be recomputed now. Allow records the
// attempt when it returns true.
type RecomputeThrottle interface {
	Allow(ctx context.Context, workspaceID uint, repoID int64) (bool, error)
}

// ApplyRepoDebounce returns the distinct repoIDs the throttle accepts, in ascending order.
func ApplyRepoDebounce(ctx context.Context, t RecomputeThrottle, workspaceID uint, repoIDs []int64) ([]int64, error) {
	accepted := make([]int64, 0, len(repoIDs))
	for _, id := range sets.List(sets.New(repoIDs...)) {
		ok, err := t.Allow(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}
		if ok {
			accepted = append(accepted, id)
			metrics.RecomputeReposTotal.WithLabelValues("accepted").Inc()
		} else {
			metrics.RecomputeReposTotal.WithLabelValues("debounced").Inc()
		}
	}
	return accepted, nil
}

type throttleKey struct {
	workspaceID uint
	repoID      int64
}

// MemoryThrottle keeps the last recompute time per pair in process memory. Instances do not see each
// other's marks, so a second replica may recompute once more within the window.
type MemoryThrottle struct {
	mu         sync.Mutex
	clock      clock.PassiveClock
	window     time.Duration
	maxEntries int
	last       map[throttleKey]time.Time
}

func NewMemoryThrottle(clk clock.PassiveClock, window time.Duration, maxEntries int) *MemoryThrottle {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryThrottle{
		clock:      clk,
		window:     window,
		maxEntries: maxEntries,
		last:       make(map[throttleKey]time.Time),
	}
}

func (m *MemoryThrottle) Allow(_ context.Context, workspaceID uint, repoID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	key := throttleKey{workspaceID: workspaceID, repoID: repoID}
	if at, ok := m.last[key]; ok && now.Sub(at) < m.window {
		return false, nil
	}
	m.last[key] = now
	if len(m.last) > m.maxEntries {
		m.prune(now)
	}
	return true, nil
}

func (m *MemoryThrottle) prune(now time.Time) {
	horizon := now.Add(-pruneAfter * m.window)
	for key, at := range m.last {
		if at.Before(horizon) {
			delete(m.last, key)
		}
	}
}

// Len reports how many pairs are tracked.
func (m *MemoryThrottle) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.last)
}

// Reset forgets every mark.
func (m *MemoryThrottle) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = make(map[throttleKey]time.Time)
}

// DBThrottle shares marks between instances through the recompute_marks table. A pair is accepted by
// whichever instance inserts its row, or moves last_recompute_at forward once the window has passed.
type DBThrottle struct {
	db     *gorm.DB
	clock  clock.PassiveClock
	window time.Duration
}

func NewDBThrottle(db *gorm.DB, clk clock.PassiveClock, window time.Duration) *DBThrottle {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &DBThrottle{db: db, clock: clk, window: window}
}

func (d *DBThrottle) Allow(ctx context.Context, workspaceID uint, repoID int64) (bool, error) {
	now := d.clock.Now().UTC()
	mark := &model.RecomputeMark{WorkspaceID: workspaceID, RepoID: repoID, LastRecomputeAt: now}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "repo_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_recompute_at": now}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lt{
				Column: clause.Column{Table: "recompute_marks", Name: "last_recompute_at"},
				Value:  now.Add(-d.window),
			},
		}},
	}).Create(mark)
	if res.Error != nil {
		return false, fmt.Errorf("DBThrottle.Allow: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Prune deletes marks older than four windows. It is safe to run from any instance.
func (d *DBThrottle) Prune(ctx context.Context) (int64, error) {
	horizon := d.clock.Now().UTC().Add(-pruneAfter * d.window)
	res := d.db.WithContext(ctx).Where("last_recompute_at < ?", horizon).Delete(&model.RecomputeMark{})
	if res.Error != nil {
		return 0, fmt.Errorf("DBThrottle.Prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
