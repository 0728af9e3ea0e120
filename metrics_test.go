package bmft

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordRead(1024, 1000000, true)  // 1KB read, 1ms latency, success
	m.RecordWrite(2048, 2000000, true) // 2KB write, 2ms latency, success
	m.RecordRead(512, 500000, false)   // 512B read, 0.5ms latency, error

	snap = m.Snapshot()

	if snap.ReadRemoteOps != 2 {
		t.Errorf("Expected 2 read ops, got %d", snap.ReadRemoteOps)
	}
	if snap.WriteRemoteOps != 1 {
		t.Errorf("Expected 1 write op, got %d", snap.WriteRemoteOps)
	}

	if snap.ReadBytes != 1024 {
		t.Errorf("Expected 1024 read bytes, got %d", snap.ReadBytes)
	}
	if snap.WriteBytes != 2048 {
		t.Errorf("Expected 2048 write bytes, got %d", snap.WriteBytes)
	}

	if snap.ReadErrors != 1 {
		t.Errorf("Expected 1 read error, got %d", snap.ReadErrors)
	}
	if snap.WriteErrors != 0 {
		t.Errorf("Expected 0 write errors, got %d", snap.WriteErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1000000, true)  // 1ms
	m.RecordWrite(1024, 2000000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1024, 1000000, true)
	m.RecordWrite(2048, 2000000, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveRead(1024, 1000000, true)
	observer.ObserveWrite(1024, 1000000, true)
	observer.ObserveSynchronize(1000000, true)
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveRead(1024, 1000000, true)
	metricsObserver.ObserveWrite(2048, 2000000, true)

	snap := m.Snapshot()
	if snap.ReadRemoteOps != 1 {
		t.Errorf("Expected 1 read op from observer, got %d", snap.ReadRemoteOps)
	}
	if snap.WriteRemoteOps != 1 {
		t.Errorf("Expected 1 write op from observer, got %d", snap.WriteRemoteOps)
	}
	if snap.ReadBytes != 1024 {
		t.Errorf("Expected 1024 read bytes from observer, got %d", snap.ReadBytes)
	}
	if snap.WriteBytes != 2048 {
		t.Errorf("Expected 2048 write bytes from observer, got %d", snap.WriteBytes)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordRead(1024, 1000000, true)
	m.RecordWrite(2048, 2000000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.ReadIOPS < 0.9 || snap.ReadIOPS > 1.1 {
		t.Errorf("Expected ReadIOPS ~1.0, got %.2f", snap.ReadIOPS)
	}
	if snap.WriteIOPS < 0.9 || snap.WriteIOPS > 1.1 {
		t.Errorf("Expected WriteIOPS ~1.0, got %.2f", snap.WriteIOPS)
	}

	if snap.ReadBandwidth < 1000 || snap.ReadBandwidth > 1050 {
		t.Errorf("Expected ReadBandwidth ~1024, got %.2f", snap.ReadBandwidth)
	}
	if snap.WriteBandwidth < 2000 || snap.WriteBandwidth > 2100 {
		t.Errorf("Expected WriteBandwidth ~2048, got %.2f", snap.WriteBandwidth)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordRead(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordWrite(1024, 5_000_000, true) // 5ms
	}
	m.RecordWrite(1024, 50_000_000, true) // 50ms (the single slowest op)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
