package bmft

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserverRecordsReadWrite(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveRead(1024, 1_000_000, true)
	o.ObserveWrite(2048, 2_000_000, false)
	o.ObserveSynchronize(500_000, true)
	o.ObserveQueueDepth(7)

	if got := testutil.ToFloat64(o.readOps); got != 1 {
		t.Errorf("readOps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.readBytes); got != 1024 {
		t.Errorf("readBytes = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(o.writeErrs); got != 1 {
		t.Errorf("writeErrs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.queueDepth); got != 7 {
		t.Errorf("queueDepth = %v, want 7", got)
	}
}
