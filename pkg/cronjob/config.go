package cronjob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

// a suspended job keeps this entry id
const noEntry = -1

// JobUpdate changes a stored job. Nil and empty fields keep their value.
type JobUpdate struct {
	Type    *model.CronJobType
	Spec    *string
	Suspend *bool
	Config  datatypes.JSON
}

func (u JobUpdate) validate() error {
	if u.Type != nil && !lo.Contains(model.GetAllCronJobTypes(), *u.Type) {
		return apperr.Validation("type", "unknown cron job type %q", *u.Type)
	}
	if u.Spec != nil {
		if _, err := cron.ParseStandard(*u.Spec); err != nil {
			return apperr.Validation("spec", "invalid cron spec %q: %v", *u.Spec, err)
		}
	}
	return nil
}

func (u JobUpdate) applyTo(conf model.CronJobConfig) model.CronJobConfig {
	if u.Type != nil {
		conf.Type = *u.Type
	}
	if u.Spec != nil {
		conf.Spec = *u.Spec
	}
	if u.Suspend != nil {
		conf.Suspend = ptr.To(*u.Suspend)
	}
	if len(u.Config) > 0 {
		conf.Config = u.Config
	}
	return conf
}

func (cm *CronJobManager) schedule(conf *model.CronJobConfig) (cron.EntryID, error) {
	f, err := cm.newCronJobFunc(conf.Name, conf.Type, conf.Config)
	if err != nil {
		return 0, err
	}
	return cm.cron.AddFunc(conf.Spec, f)
}

// UpdateJob stores u for the job called name and reschedules it. The old scheduler entry is removed
// only once the row is written.
func (cm *CronJobManager) UpdateJob(ctx context.Context, name string, u JobUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}
	cm.cronMutex.Lock()
	defer cm.cronMutex.Unlock()

	var added, stale cron.EntryID
	err := cm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur := &model.CronJobConfig{}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("cron job", name)
		}
		if err != nil {
			return err
		}

		next := u.applyTo(*cur)
		running := !cur.GetSuspend()
		switch {
		case next.GetSuspend():
			next.EntryID = noEntry
		case !running || scheduleChanged(cur, &next):
			if added, err = cm.schedule(&next); err != nil {
				return apperr.Validation("config", "cron job %s: %v", name, err)
			}
			next.EntryID = int(added)
		}
		if running && next.EntryID != cur.EntryID && cur.EntryID > 0 {
			stale = cron.EntryID(cur.EntryID)
		}
		return tx.Model(cur).Select("type", "spec", "suspend", "config", "entry_id").Updates(&next).Error
	})
	if err != nil {
		if added != 0 {
			cm.cron.Remove(added)
		}
		return fmt.Errorf("CronJobManager.UpdateJob: %w", err)
	}
	if stale != 0 {
		cm.cron.Remove(stale)
	}
	return nil
}

func scheduleChanged(cur, next *model.CronJobConfig) bool {
	return cur.Type != next.Type || cur.Spec != next.Spec || !bytes.Equal(cur.Config, next.Config)
}

// Start schedules every job that is not suspended and starts the scheduler. A job that cannot be
// scheduled is logged and skipped.
func (cm *CronJobManager) Start(ctx context.Context) error {
	cm.cronMutex.Lock()
	defer cm.cronMutex.Unlock()

	var confs []*model.CronJobConfig
	if err := cm.db.WithContext(ctx).Where("suspend = ?", false).Order("name").Find(&confs).Error; err != nil {
		return fmt.Errorf("CronJobManager.Start: %w", err)
	}
	scheduled := 0
	for _, conf := range confs {
		id, err := cm.schedule(conf)
		if err != nil {
			klog.Errorf("cron job %s (%s) not scheduled: %v", conf.Name, conf.Spec, err)
			continue
		}
		scheduled++
		if err := cm.db.WithContext(ctx).Model(conf).Update("entry_id", int(id)).Error; err != nil {
			klog.Warningf("store entry id of cron job %s: %v", conf.Name, err)
		}
	}
	cm.cron.Start()
	klog.Infof("cron scheduler started with %d of %d jobs", scheduled, len(confs))
	return nil
}

// ListJobs returns every stored job ordered by name.
func (cm *CronJobManager) ListJobs(ctx context.Context) ([]*model.CronJobConfig, error) {
	var confs []*model.CronJobConfig
	if err := cm.db.WithContext(ctx).Order("name").Find(&confs).Error; err != nil {
		return nil, fmt.Errorf("CronJobManager.ListJobs: %w", err)
	}
	return confs, nil
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (cm *CronJobManager) Stop(ctx context.Context) {
	cm.cronMutex.Lock()
	stopped := cm.cron.Stop()
	cm.cronMutex.Unlock()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		klog.Warning("cron jobs still running at shutdown")
	}
}
