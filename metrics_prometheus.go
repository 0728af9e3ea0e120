package bmft

import (
	"github.com/prometheus/client_golang/prometheus"

	"bmft/internal/driver"
)

// PrometheusObserver is an additive driver.Observer that mirrors every
// counter already tracked by Metrics onto Prometheus collectors, for
// operators who want `/metrics` scraping alongside (not instead of) the
// atomic Metrics struct — grounded on aistore's direct
// github.com/prometheus/client_golang dependency (SPEC_FULL.md §6).
type PrometheusObserver struct {
	readOps    prometheus.Counter
	writeOps   prometheus.Counter
	readBytes  prometheus.Counter
	writeBytes prometheus.Counter
	readErrs   prometheus.Counter
	writeErrs  prometheus.Counter
	syncErrs   prometheus.Counter
	latency    *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

// NewPrometheusObserver registers a fresh set of collectors on reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide one.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		readOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_read_remote_ops_total",
			Help: "Total ReadRemote/ReadRemoteAsync operations.",
		}),
		writeOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_write_remote_ops_total",
			Help: "Total WriteRemote/WriteRemoteAsync operations.",
		}),
		readBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_read_bytes_total",
			Help: "Total bytes read from remote GVA regions.",
		}),
		writeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_write_bytes_total",
			Help: "Total bytes written to remote GVA regions.",
		}),
		readErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_read_remote_errors_total",
			Help: "Total ReadRemote failures.",
		}),
		writeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_write_remote_errors_total",
			Help: "Total WriteRemote failures.",
		}),
		syncErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmft_synchronize_errors_total",
			Help: "Total Synchronize failures.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bmft_operation_latency_seconds",
			Help:    "Per-operation latency, by operation kind.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, numLatencyBuckets),
		}, []string{"op"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bmft_stream_queue_depth",
			Help: "Most recently observed submission-queue occupancy.",
		}),
	}
	reg.MustRegister(o.readOps, o.writeOps, o.readBytes, o.writeBytes,
		o.readErrs, o.writeErrs, o.syncErrs, o.latency, o.queueDepth)
	return o
}

func (o *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.readOps.Inc()
	o.latency.WithLabelValues("read").Observe(float64(latencyNs) / 1e9)
	if success {
		o.readBytes.Add(float64(bytes))
	} else {
		o.readErrs.Inc()
	}
}

func (o *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.writeOps.Inc()
	o.latency.WithLabelValues("write").Observe(float64(latencyNs) / 1e9)
	if success {
		o.writeBytes.Add(float64(bytes))
	} else {
		o.writeErrs.Inc()
	}
}

func (o *PrometheusObserver) ObserveSynchronize(latencyNs uint64, success bool) {
	o.latency.WithLabelValues("synchronize").Observe(float64(latencyNs) / 1e9)
	if !success {
		o.syncErrs.Inc()
	}
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.queueDepth.Set(float64(depth))
}

var _ driver.Observer = (*PrometheusObserver)(nil)
