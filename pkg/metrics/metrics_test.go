package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	ProjectResolveTotal.WithLabelValues("github_remote", "created").Inc()
	RecomputeReposTotal.WithLabelValues("debounced").Add(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	require.NoError(t, err)

	resolve, ok := families["memoria_project_resolve_total"]
	require.True(t, ok)
	require.NotEmpty(t, resolve.GetMetric())
	assert.GreaterOrEqual(t, resolve.GetMetric()[0].GetCounter().GetValue(), 1.0)

	debounce, ok := families["memoria_recompute_repos_total"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, debounce.GetMetric()[0].GetCounter().GetValue(), 2.0)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "error", Outcome(errors.New("x")))
}
