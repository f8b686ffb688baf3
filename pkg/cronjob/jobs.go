package cronjob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/config"
)

const (
	WebhookQueueJobName   = "webhook-queue"
	PermissionSyncJobName = "github-permission-sync"

	defaultQueueTimeout = time.Minute
	defaultSyncTimeout  = 30 * time.Minute
)

// JobConfig is the config column shared by every job type.
type JobConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

func parseJobConfig(raw datatypes.JSON, fallback time.Duration) (time.Duration, error) {
	conf := JobConfig{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &conf); err != nil {
			return 0, fmt.Errorf("invalid job config: %w", err)
		}
	}
	if conf.TimeoutSeconds <= 0 {
		return fallback, nil
	}
	return time.Duration(conf.TimeoutSeconds) * time.Second, nil
}

// newCronJobFunc creates the appropriate cron job function based on job type
func (cm *CronJobManager) newCronJobFunc(jobName string, jobType model.CronJobType, jobConfig datatypes.JSON) (cron.FuncJob, error) {
	switch jobType {
	case model.CronJobTypeWebhookQueue:
		if cm.queue == nil {
			return nil, fmt.Errorf("cron job %s: webhook queue is not configured", jobName)
		}
		timeout, err := parseJobConfig(jobConfig, defaultQueueTimeout)
		if err != nil {
			return nil, err
		}
		return cm.wrap(jobName, timeout, func(ctx context.Context) (any, error) {
			res, err := cm.queue.ProcessBatch(ctx)
			if err != nil {
				return nil, err
			}
			return res, nil
		}), nil
	case model.CronJobTypePermissionSync:
		if cm.syncer == nil {
			return nil, fmt.Errorf("cron job %s: permission sync is not configured", jobName)
		}
		timeout, err := parseJobConfig(jobConfig, defaultSyncTimeout)
		if err != nil {
			return nil, err
		}
		return cm.wrap(jobName, timeout, func(ctx context.Context) (any, error) {
			return nil, cm.syncer.SyncAll(ctx)
		}), nil
	default:
		return nil, fmt.Errorf("unsupported cron job type: %s", jobType)
	}
}

// wrap runs fn under a timeout and stores a CronJobRecord with its outcome.
func (cm *CronJobManager) wrap(jobName string, timeout time.Duration, fn func(ctx context.Context) (any, error)) cron.FuncJob {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		record := &model.CronJobRecord{
			Name:        jobName,
			ExecuteTime: cm.clock.Now(),
			Status:      model.CronJobRecordStatusSuccess,
		}
		data, err := fn(ctx)
		if err != nil {
			klog.Errorf("cron job %s failed: %v", jobName, err)
			record.Status = model.CronJobRecordStatusFailed
			record.Message = err.Error()
		}
		if data != nil {
			if raw, marshalErr := json.Marshal(data); marshalErr == nil {
				record.JobData = raw
			}
		}
		if !recordWorthKeeping(data, err) {
			return
		}
		if err := cm.db.Create(record).Error; err != nil {
			klog.Errorf("store record of cron job %s: %v", jobName, err)
		}
	}
}

// recordWorthKeeping drops the records of queue batches that found nothing to do, which would
// otherwise add a row every few seconds.
func recordWorthKeeping(data any, err error) bool {
	if err != nil {
		return true
	}
	if res, ok := data.(interface{ Empty() bool }); ok {
		return !res.Empty()
	}
	return true
}

// EnsureDefaultJobs creates the built-in job configs that do not exist yet. Existing rows keep
// whatever schedule an admin gave them.
func (cm *CronJobManager) EnsureDefaultJobs(ctx context.Context, cfg *config.Config) error {
	defaults := []*model.CronJobConfig{
		{
			Name:    WebhookQueueJobName,
			Type:    model.CronJobTypeWebhookQueue,
			Spec:    cfg.WebhookQueue.Schedule,
			Suspend: new(bool),
			Config:  datatypes.JSON(`{"timeoutSeconds": 60}`),
		},
	}
	if cfg.PermissionSync.Schedule != "" {
		defaults = append(defaults, &model.CronJobConfig{
			Name:    PermissionSyncJobName,
			Type:    model.CronJobTypePermissionSync,
			Spec:    cfg.PermissionSync.Schedule,
			Suspend: new(bool),
			Config:  datatypes.JSON(`{"timeoutSeconds": 1800}`),
		})
	}
	for _, conf := range defaults {
		if _, err := cron.ParseStandard(conf.Spec); err != nil {
			return fmt.Errorf("CronJobManager.EnsureDefaultJobs: job %s: %w", conf.Name, err)
		}
		err := cm.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(conf).Error
		if err != nil {
			return fmt.Errorf("CronJobManager.EnsureDefaultJobs: %w", err)
		}
	}
	return nil
}
