// Package audit emits fire-and-forget audit events. Storage and export of the events belong to whoever
// sits behind the sink, this package only delivers them.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	imrocreq "github.com/imroc/req/v3"
	"k8s.io/klog/v2"
)

const (
	ActionProjectCreate           = "project.create"
	ActionTeamMappingCreated      = "github.team_mapping.created"
	ActionTeamMappingUpdated      = "github.team_mapping.updated"
	ActionTeamMappingDeleted      = "github.team_mapping.deleted"
	ActionUserLinkCreated         = "github.user_link.created"
	ActionUserLinkDeleted         = "github.user_link.deleted"
	ActionWebhookReceived         = "github.webhook.received"
	ActionWebhookSignatureFailed  = "github.webhook.signature_failed"
	ActionWorkspaceMemberSet      = "access.workspace_member.set"
	ActionWorkspaceMemberRemoved  = "access.workspace_member.removed"
	ActionProjectMemberSet        = "access.project_member.set"
	ActionProjectMemberRemoved    = "access.project_member.removed"
	ActionGithubInstallationSaved = "github.installation.connected"
)

type Event struct {
	ID          string         `json:"id"`
	WorkspaceID uint           `json:"workspaceId"`
	Action      string         `json:"action"`
	Target      string         `json:"target"`
	Actor       string         `json:"actor,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Time        time.Time      `json:"time"`
}

// Recorder delivers audit events somewhere.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

type Option func(*Event)

func WithActor(actor string) Option {
	return func(e *Event) { e.Actor = actor }
}

func WithDetail(key string, value any) Option {
	return func(e *Event) {
		if e.Detail == nil {
			e.Detail = map[string]any{}
		}
		e.Detail[key] = value
	}
}

// RecordAudit builds an event and hands it to r. Delivery failures are logged and otherwise ignored:
// an audit sink being down must never fail the operation being audited.
func RecordAudit(ctx context.Context, r Recorder, workspaceID uint, action, target string, opts ...Option) {
	if r == nil {
		return
	}
	e := &Event{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Action:      action,
		Target:      target,
		Time:        time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := r.Record(context.WithoutCancel(ctx), e); err != nil {
		klog.Warningf("audit event %s (%s) dropped: %v", e.Action, e.ID, err)
	}
}

// LogRecorder writes events to the klog stream.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, e *Event) error {
	klog.InfoS("audit", "id", e.ID, "workspace", e.WorkspaceID, "action", e.Action, "target", e.Target,
		"actor", e.Actor, "detail", e.Detail)
	return nil
}

// HTTPRecorder posts events as JSON to an external collector.
type HTTPRecorder struct {
	client *imrocreq.Client
	url    string
}

func NewHTTPRecorder(url string, timeout time.Duration) *HTTPRecorder {
	return &HTTPRecorder{
		client: imrocreq.C().SetTimeout(timeout).SetCommonHeader("Content-Type", "application/json"),
		url:    url,
	}
}

func (h *HTTPRecorder) Record(ctx context.Context, e *Event) error {
	resp, err := h.client.R().SetContext(ctx).SetBody(e).Post(h.url)
	if err != nil {
		return fmt.Errorf("HTTPRecorder.Record: %w", err)
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("HTTPRecorder.Record: sink answered %s", resp.Status)
	}
	return nil
}

// Multi fans an event out to every recorder and returns the first error.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e *Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemoryRecorder keeps events in memory. Used by tests and the debug server.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryRecorder) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions lists the recorded actions in order.
func (m *MemoryRecorder) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for i := range m.events {
		out = append(out, m.events[i].Action)
	}
	return out
}
