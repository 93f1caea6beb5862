package observability

import (
	"testing"
	"time"

	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("admin", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordControlRequest("front", "run", 24*time.Millisecond, true)
	ObserveAckLatency("front->back", time.Millisecond)
	RecordLinkFailure("front->back", "violation")
}

func TestLinkCounters(t *testing.T) {
	testlog.Start(t)
	RecordLinkMessage("metrics-test", "down", "gate")
	RecordLinkMessage("metrics-test", "down", "gate")
	assert.Equal(t, 2.0, testutil.ToFloat64(linkMessages.WithLabelValues("metrics-test", "down", "gate")))

	SetLinkInFlight("metrics-test", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(linkInFlight.WithLabelValues("metrics-test")))
}
