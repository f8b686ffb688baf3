package cronjob

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

// BatchProcessor drains one batch of the webhook queue.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context) (*webhookqueue.BatchResult, error)
}

// FullSyncer runs the periodic repository, permission and team sync of every workspace.
type FullSyncer interface {
	SyncAll(ctx context.Context) error
}

type CronJobManager struct {
	db        *gorm.DB
	queue     BatchProcessor
	syncer    FullSyncer
	clock     clock.PassiveClock
	cron      *cron.Cron
	cronMutex sync.RWMutex
}

func NewCronJobManager(db *gorm.DB, queue BatchProcessor, syncer FullSyncer, clk clock.PassiveClock) *CronJobManager {
	logger := klog.NewKlogr().WithName("cron")
	return &CronJobManager{
		db:     db,
		queue:  queue,
		syncer: syncer,
		clock:  clk,
		// a batch still running when the next tick fires is not started twice
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}
