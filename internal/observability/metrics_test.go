package observability

import (
	"testing"
	"time"

	"github.com/danmuck/serialsync/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("serialsyncd", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame("tx", "data")
	RecordCorruptFrame("short")
	RecordDiscardedBytes(0)
	RecordChunkRetry()
	RecordTransfer("rx", 4096, 300*time.Millisecond, true)
	RecordTransfer("tx", 0, 0, false)
	SetLinkConnected(true)
	SetInboundSessions(2)
}

func TestLinkCountersAccumulate(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(linkDiscardedBytes)
	RecordDiscardedBytes(9)
	RecordDiscardedBytes(-3)
	if got := testutil.ToFloat64(linkDiscardedBytes) - before; got != 9 {
		t.Fatalf("discarded bytes delta got=%v", got)
	}

	SetLinkConnected(false)
	if got := testutil.ToFloat64(linkConnected); got != 0 {
		t.Fatalf("connected gauge got=%v", got)
	}
}
