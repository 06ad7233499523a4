package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide Prometheus collectors exposed at the
// /metrics endpoint: a handful of gauges and counters registered once
// at startup. The module supervisor updates ModuleState and the disk
// guard updates DiskFreePercent; the per-camera counters are registered
// but no component increments them.
type Metrics struct {
	PreviewDropped     *prometheus.CounterVec
	RecordBackpressure *prometheus.CounterVec
	IngressFrames      *prometheus.CounterVec
	RecordDrops        *prometheus.CounterVec
	ModuleState        *prometheus.GaugeVec
	DiskFreePercent    *prometheus.GaugeVec
}

// NewMetrics constructs and registers the supervisor's Prometheus
// collectors against the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		PreviewDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capturesvc_preview_dropped_total",
			Help: "Frames dropped by the preview decimation/coalescing path, per camera.",
		}, []string{"camera"}),
		RecordBackpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capturesvc_record_backpressure_total",
			Help: "Occurrences where the record queue enqueue had to wait for space, per camera.",
		}, []string{"camera"}),
		IngressFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capturesvc_ingress_frames_total",
			Help: "Frames read from the capture backend, per camera.",
		}, []string{"camera"}),
		RecordDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capturesvc_hardware_drops_total",
			Help: "Hardware frame drops detected by the timing tracker, per camera.",
		}, []string{"camera"}),
		ModuleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capturesvc_module_state",
			Help: "Module lifecycle state as an enum code (see ModuleState constants), per module.",
		}, []string{"module"}),
		DiskFreePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capturesvc_disk_free_percent",
			Help: "Free space percentage on the monitored output path.",
		}, []string{"path"}),
	}

	prometheus.MustRegister(
		m.PreviewDropped,
		m.RecordBackpressure,
		m.IngressFrames,
		m.RecordDrops,
		m.ModuleState,
		m.DiskFreePercent,
	)

	return m
}
