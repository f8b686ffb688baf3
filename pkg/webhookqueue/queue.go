// Package webhookqueue stores verified GitHub webhook deliveries and processes them in batches. Ingestion
// only verifies and inserts, so the HTTP response never waits on GitHub API calls.
package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-github/v55/github"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/dbresolver"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/alert"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/audit"
	"github.com/raids-lab/memoria/pkg/ghclient"
	"github.com/raids-lab/memoria/pkg/metrics"
)

const (
	DefaultBatchSize      = 20
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
	DefaultStaleAfter     = 10 * time.Minute
)

// Handler applies one event and reports how many repositories it affected.
type Handler interface {
	Handle(ctx context.Context, event *model.GithubWebhookEvent) (int, error)
}

type Options struct {
	Secret         []byte
	BatchSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	// processing rows claimed longer ago than StaleAfter belong to a crashed worker and are queued again
	StaleAfter time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
}

type Queue struct {
	db      *gorm.DB
	handler Handler
	audit   audit.Recorder
	alert   alert.AlertInterface
	clock   clock.PassiveClock
	opts    Options
	log     logr.Logger
}

func New(
	db *gorm.DB,
	handler Handler,
	recorder audit.Recorder,
	alerter alert.AlertInterface,
	clk clock.PassiveClock,
	opts Options,
) *Queue {
	opts.defaults()
	return &Queue{
		db:      db,
		handler: handler,
		audit:   recorder,
		alert:   alerter,
		clock:   clk,
		opts:    opts,
		log:     klog.NewKlogr().WithName("webhook-queue"),
	}
}

// Delivery is one inbound webhook request.
type Delivery struct {
	DeliveryID string
	Event      string
	Signature  string // X-Hub-Signature-256
	RemoteAddr string
	Body       []byte
}

type IngestResult struct {
	ID         uint   `json:"id"`
	DeliveryID string `json:"deliveryId"`
	Duplicate  bool   `json:"duplicate"`
}

// Ingest verifies the delivery signature and stores it as a queued event. A delivery id seen before is
// acknowledged as a duplicate without a second row.
func (q *Queue) Ingest(ctx context.Context, d Delivery) (*IngestResult, error) {
	if err := q.verify(d); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		audit.RecordAudit(ctx, q.audit, 0, audit.ActionWebhookSignatureFailed, d.DeliveryID,
			audit.WithDetail("event", d.Event), audit.WithDetail("remote_addr", d.RemoteAddr))
		if alertErr := q.alert.WebhookSignatureFailed(ctx, d.DeliveryID, d.Event, d.RemoteAddr); alertErr != nil {
			q.log.Error(alertErr, "send signature alert", "delivery", d.DeliveryID)
		}
		return nil, &apperr.AuthenticationError{Message: err.Error()}
	}
	if d.DeliveryID == "" {
		return nil, apperr.Validation("X-GitHub-Delivery", "missing delivery id")
	}
	if d.Event == "" {
		return nil, apperr.Validation("X-GitHub-Event", "missing event type")
	}

	var head struct {
		Action       string `json:"action"`
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(d.Body, &head); err != nil {
		return nil, apperr.Validation("body", "payload is not a JSON object: %v", err)
	}

	row := &model.GithubWebhookEvent{
		DeliveryID:     d.DeliveryID,
		Event:          d.Event,
		Action:         head.Action,
		InstallationID: head.Installation.ID,
		Payload:        datatypes.JSON(d.Body),
		Status:         model.WebhookStatusQueued,
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "delivery_id"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return nil, fmt.Errorf("Queue.Ingest: %w", res.Error)
	}

	out := &IngestResult{ID: row.ID, DeliveryID: d.DeliveryID}
	if res.RowsAffected == 0 {
		existing := &model.GithubWebhookEvent{}
		err := q.db.WithContext(ctx).Clauses(dbresolver.Write).Where("delivery_id = ?", d.DeliveryID).Take(existing).Error
		if err != nil {
			return nil, fmt.Errorf("Queue.Ingest: %w", err)
		}
		out.ID = existing.ID
		out.Duplicate = true
		metrics.WebhookDeliveriesTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("queued").Inc()
	}

	var workspaceID uint
	if inst, err := ghclient.FindInstallationByID(ctx, q.db, head.Installation.ID); err == nil {
		workspaceID = inst.WorkspaceID
	}
	audit.RecordAudit(ctx, q.audit, workspaceID, audit.ActionWebhookReceived, d.DeliveryID,
		audit.WithDetail("event", d.Event), audit.WithDetail("action", head.Action),
		audit.WithDetail("duplicate", out.Duplicate))
	return out, nil
}

const sha256Prefix = "sha256="

func (q *Queue) verify(d Delivery) error {
	if len(q.opts.Secret) == 0 {
		return errors.New("webhook secret is not configured")
	}
	// ValidateSignature still accepts the legacy sha1= form
	if !strings.HasPrefix(d.Signature, sha256Prefix) {
		return errors.New("signature is not sha256")
	}
	return github.ValidateSignature(d.Signature, d.Body, q.opts.Secret)
}

// BatchResult counts what one ProcessBatch call did.
type BatchResult struct {
	Requeued int `json:"requeued"`
	Claimed  int `json:"claimed"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// Empty reports a batch that found nothing to do.
func (r *BatchResult) Empty() bool { return r.Claimed == 0 && r.Requeued == 0 }

// ProcessBatch claims up to BatchSize queued events and runs each through the handler. Claiming is a
// conditional update, so concurrent workers and instances never process the same event twice.
func (q *Queue) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	out := &BatchResult{}
	requeued, err := q.requeueStale(ctx)
	if err != nil {
		return nil, err
	}
	out.Requeued = int(requeued)

	var ids []uint
	err = q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{}).
		Where("status = ?", model.WebhookStatusQueued).
		Order("id").
		Limit(q.opts.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("Queue.ProcessBatch: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		event, err := q.claim(ctx, id)
		if err != nil {
			return out, err
		}
		if event == nil {
			continue
		}
		out.Claimed++
		if q.process(ctx, event) == model.WebhookStatusDone {
			out.Done++
		} else {
			out.Failed++
		}
	}
	q.observeDepth(ctx)
	if out.Claimed > 0 || out.Requeued > 0 {
		q.log.Info("webhook batch processed", "claimed", out.Claimed, "done", out.Done,
			"failed", out.Failed, "requeued", out.Requeued)
	}
	return out, nil
}

func (q *Queue) requeueStale(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{}).
		Where("status = ? AND claimed_at < ?", model.WebhookStatusProcessing, q.clock.Now().Add(-q.opts.StaleAfter)).
		Updates(map[string]any{"status": model.WebhookStatusQueued, "claimed_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("Queue.requeueStale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// claim moves one event from queued to processing. It returns nil when another worker got there first.
func (q *Queue) claim(ctx context.Context, id uint) (*model.GithubWebhookEvent, error) {
	now := q.clock.Now()
	res := q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusQueued).
		Updates(map[string]any{"status": model.WebhookStatusProcessing, "claimed_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("Queue.claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	// read back from the primary, a replica may not have the claim yet
	event := &model.GithubWebhookEvent{}
	if err := q.db.WithContext(ctx).Clauses(dbresolver.Write).Take(event, id).Error; err != nil {
		return nil, fmt.Errorf("Queue.claim: %w", err)
	}
	return event, nil
}

// process runs the handler up to MaxAttempts times and stores the outcome. Errors that cannot succeed
// on retry stop the loop early.
func (q *Queue) process(ctx context.Context, event *model.GithubWebhookEvent) model.WebhookStatus {
	start := q.clock.Now()
	log := q.log.WithValues("delivery", event.DeliveryID, "event", event.Event)

	var (
		affected int
		err      error
	)
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		event.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
		affected, err = q.handler.Handle(attemptCtx, event)
		cancel()
		if err == nil || apperr.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		log.V(1).Info("attempt failed", "attempt", attempt, "err", err.Error())
	}

	now := q.clock.Now()
	updates := map[string]any{
		"attempts":     event.Attempts,
		"processed_at": now,
	}
	if err == nil {
		event.Status = model.WebhookStatusDone
		event.AffectedRepoCount = affected
		event.LastError = ""
		updates["affected_repo_count"] = affected
	} else {
		event.Status = model.WebhookStatusFailed
		event.LastError = err.Error()
		log.Error(err, "webhook event failed", "attempts", event.Attempts)
	}
	updates["status"] = event.Status
	updates["last_error"] = event.LastError
	event.ProcessedAt = &now

	// the outcome is written even when ctx was cancelled mid batch
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.AttemptTimeout)
	defer cancel()
	if saveErr := q.db.WithContext(saveCtx).Model(&model.GithubWebhookEvent{}).
		Where("id = ?", event.ID).Updates(updates).Error; saveErr != nil {
		log.Error(saveErr, "store webhook outcome")
	}
	if event.Status == model.WebhookStatusFailed {
		if alertErr := q.alert.WebhookEventFailed(saveCtx, event); alertErr != nil {
			log.Error(alertErr, "send failure alert")
		}
	}

	metrics.WebhookEventsProcessedTotal.WithLabelValues(event.Event, string(event.Status)).Inc()
	metrics.WebhookProcessSeconds.Observe(q.clock.Since(start).Seconds())
	return event.Status
}

func (q *Queue) observeDepth(ctx context.Context) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		q.log.Error(err, "count webhook events")
		return
	}
	for _, s := range []model.WebhookStatus{
		model.WebhookStatusQueued, model.WebhookStatusProcessing, model.WebhookStatusDone, model.WebhookStatusFailed,
	} {
		metrics.WebhookQueueDepth.WithLabelValues(string(s)).Set(0)
	}
	for _, r := range rows {
		metrics.WebhookQueueDepth.WithLabelValues(r.Status).Set(float64(r.Count))
	}
}

// Replay queues a failed event again. Attempts and the last error are kept for the record.
func (q *Queue) Replay(ctx context.Context, id uint) (*model.GithubWebhookEvent, error) {
	res := q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusFailed).
		Updates(map[string]any{"status": model.WebhookStatusQueued, "claimed_at": nil, "processed_at": nil})
	if res.Error != nil {
		return nil, fmt.Errorf("Queue.Replay: %w", res.Error)
	}
	event := &model.GithubWebhookEvent{}
	err := q.db.WithContext(ctx).Clauses(dbresolver.Write).Take(event, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("webhook event", strconv.FormatUint(uint64(id), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("Queue.Replay: %w", err)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Validation("id", "event %d is %s, only failed events can be replayed", id, event.Status)
	}
	return event, nil
}

type ListFilter struct {
	Status model.WebhookStatus
	Event  string
	Limit  int
	Offset int
}

// List returns stored events, newest first, together with the total matching the filter.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]model.GithubWebhookEvent, int64, error) {
	tx := q.db.WithContext(ctx).Model(&model.GithubWebhookEvent{})
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if f.Event != "" {
		tx = tx.Where("event = ?", f.Event)
	}
	var total int64
	if err := tx.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("Queue.List: %w", err)
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	var events []model.GithubWebhookEvent
	if err := tx.Order("id DESC").Limit(f.Limit).Offset(f.Offset).Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("Queue.List: %w", err)
	}
	return events, total, nil
}
