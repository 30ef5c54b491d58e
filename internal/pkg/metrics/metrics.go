package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UploadMetrics 分片上传管线的 Prometheus 指标，nil 接收者上的方法均为空操作
type UploadMetrics struct {
	ChunksTotal        *prometheus.CounterVec   // deliverables_upload_chunks_total{result}
	ChunkBytes         prometheus.Counter       // deliverables_upload_chunk_bytes_total
	SessionsCreated    prometheus.Counter       // deliverables_upload_sessions_created_total
	AssembliesTotal    *prometheus.CounterVec   // deliverables_upload_assemblies_total{outcome}
	AssemblyDuration   prometheus.Histogram     // deliverables_upload_assembly_duration_seconds
	AssembledBytes     prometheus.Counter       // deliverables_upload_assembled_bytes_total
	SweptTotal         *prometheus.CounterVec   // deliverables_upload_swept_total{state}
	PurgesTotal        *prometheus.CounterVec   // deliverables_upload_purges_total{outcome}
	NotificationsTotal *prometheus.CounterVec   // deliverables_upload_notifications_total{sink,outcome}
	HTTPDuration       *prometheus.HistogramVec // deliverables_http_request_duration_seconds{route,status}
}

// NewUploadMetrics 在 registry 上注册全部指标，registry 为 nil 时使用默认注册器
func NewUploadMetrics(registry prometheus.Registerer) *UploadMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &UploadMetrics{
		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverables_upload_chunks_total",
			Help: "Chunk submissions by result (accepted, duplicate, rejected, failed)",
		}, []string{"result"}),

		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "deliverables_upload_chunk_bytes_total",
			Help: "Bytes of accepted unique chunks",
		}),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "deliverables_upload_sessions_created_total",
			Help: "Upload sessions created",
		}),

		AssembliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverables_upload_assemblies_total",
			Help: "Assembly runs by outcome (completed, failed, timeout)",
		}, []string{"outcome"}),

		AssemblyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deliverables_upload_assembly_duration_seconds",
			Help:    "Assembly duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),

		AssembledBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "deliverables_upload_assembled_bytes_total",
			Help: "Bytes written to final objects",
		}),

		SweptTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverables_upload_swept_total",
			Help: "Sessions failed by the staleness sweep, by previous state",
		}, []string{"state"}),

		PurgesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverables_upload_purges_total",
			Help: "Chunk purges by outcome (purged, failed)",
		}, []string{"outcome"}),

		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deliverables_upload_notifications_total",
			Help: "Notification deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deliverables_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *UploadMetrics) ChunkResult(result string, bytes int) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(result).Inc()
	if result == "accepted" {
		m.ChunkBytes.Add(float64(bytes))
	}
}

func (m *UploadMetrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *UploadMetrics) Assembly(outcome string, started time.Time, bytes int64) {
	if m == nil {
		return
	}
	m.AssembliesTotal.WithLabelValues(outcome).Inc()
	m.AssemblyDuration.Observe(time.Since(started).Seconds())
	if bytes > 0 {
		m.AssembledBytes.Add(float64(bytes))
	}
}

func (m *UploadMetrics) Swept(state string) {
	if m == nil {
		return
	}
	m.SweptTotal.WithLabelValues(state).Inc()
}

func (m *UploadMetrics) Purge(outcome string) {
	if m == nil {
		return
	}
	m.PurgesTotal.WithLabelValues(outcome).Inc()
}

func (m *UploadMetrics) Notification(sink, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(sink, outcome).Inc()
}

func (m *UploadMetrics) HTTPRequest(route, status string, started time.Time) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(route, status).Observe(time.Since(started).Seconds())
}
