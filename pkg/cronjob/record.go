package cronjob

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

// RecordFilter selects run records. Zero fields match everything.
type RecordFilter struct {
	IDs    []uint
	Names  []string
	Since  *time.Time
	Until  *time.Time
	Status *model.CronJobRecordStatus
}

func (f RecordFilter) empty() bool {
	return len(f.IDs) == 0 && len(f.Names) == 0 && f.Since == nil && f.Until == nil && f.Status == nil
}

func (f RecordFilter) scope(tx *gorm.DB) *gorm.DB {
	if len(f.IDs) > 0 {
		tx = tx.Where("id IN ?", f.IDs)
	}
	if len(f.Names) > 0 {
		tx = tx.Where("name IN ?", f.Names)
	}
	if f.Since != nil {
		tx = tx.Where("execute_time >= ?", *f.Since)
	}
	if f.Until != nil {
		tx = tx.Where("execute_time <= ?", *f.Until)
	}
	if f.Status != nil {
		tx = tx.Where("status = ?", *f.Status)
	}
	return tx
}

// ListRecords returns the matching records newest first, and their total.
func (cm *CronJobManager) ListRecords(ctx context.Context, f RecordFilter) ([]*model.CronJobRecord, int64, error) {
	var (
		records []*model.CronJobRecord
		total   int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cm.db.WithContext(gctx).Scopes(f.scope).Order("execute_time DESC, id DESC").Find(&records).Error
	})
	g.Go(func() error {
		return cm.db.WithContext(gctx).Model(&model.CronJobRecord{}).Scopes(f.scope).Count(&total).Error
	})
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("CronJobManager.ListRecords: %w", err)
	}
	return records, total, nil
}

// DeleteRecords removes the matching records. An empty filter is refused.
func (cm *CronJobManager) DeleteRecords(ctx context.Context, f RecordFilter) (int64, error) {
	if f.empty() {
		return 0, apperr.Validation("filter", "id, name, status or a time range is required")
	}
	res := cm.db.WithContext(ctx).Scopes(f.scope).Delete(&model.CronJobRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("CronJobManager.DeleteRecords: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RecordedJobNames lists the jobs with at least one record.
func (cm *CronJobManager) RecordedJobNames(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := cm.db.WithContext(ctx).Model(&model.CronJobRecord{}).Distinct("name").Order("name").Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("CronJobManager.RecordedJobNames: %w", err)
	}
	return names, nil
}
