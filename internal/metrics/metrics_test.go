package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(EventsProcessed.WithLabelValues("xero:bill_created", "ok"))
	EventsProcessed.WithLabelValues("xero:bill_created", "ok").Inc()
	assert.InDelta(t, before+1, testutil.ToFloat64(EventsProcessed.WithLabelValues("xero:bill_created", "ok")), 1e-9)
}

func TestHandlerExposesCollectors(t *testing.T) {
	EventsUnroutable.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "finagent_orchestrator_events_unroutable_total")
}
