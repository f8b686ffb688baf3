// Package metrics holds the process collectors, registered on a private registry served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memoria"

// 自定义注册表，不混入默认注册表中的全局指标
var registry = prometheus.NewRegistry()

var (
	// ProjectResolveTotal counts ResolveProjectByPriority outcomes: matched, created, not_found, error.
	ProjectResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "project_resolve_total",
			Help:      "Project resolutions by mapping kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by ingestion result (queued, duplicate, rejected)",
		},
		[]string{"result"},
	)

	WebhookEventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_processed_total",
			Help:      "Processed webhook events by GitHub event type and final status",
		},
		[]string{"event", "status"},
	)

	WebhookQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webhook_queue_events",
			Help:      "Webhook events currently stored per status",
		},
		[]string{"status"},
	)

	WebhookProcessSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_event_process_seconds",
			Help:      "Time spent processing one webhook event, retries included",
			Buckets:   prometheus.DefBuckets,
		},
	)

	RecomputeReposTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_repos_total",
			Help:      "Repositories offered to the recompute throttle, by decision (accepted, debounced)",
		},
		[]string{"decision"},
	)

	GithubRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "github_requests_total",
			Help:      "GitHub REST calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	MemberChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_sync_member_changes_total",
			Help:      "Role rows changed by GitHub permission sync, by mode and change",
		},
		[]string{"mode", "change"},
	)
)

//nolint:gochecknoinits // collectors are package level, register them once
func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ProjectResolveTotal,
		WebhookDeliveriesTotal,
		WebhookEventsProcessedTotal,
		WebhookQueueDepth,
		WebhookProcessSeconds,
		RecomputeReposTotal,
		GithubRequestsTotal,
		MemberChangesTotal,
	)
}

// Handler serves the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
