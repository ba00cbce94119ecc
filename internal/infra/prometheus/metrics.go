package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "goster"

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LinksCreated     prometheus.Counter
	Uploads          *prometheus.CounterVec
	UploadRejections *prometheus.CounterVec
	BlobFallbacks    prometheus.Counter
	VideoResponses   *prometheus.CounterVec
	CleanupLinks     *prometheus.CounterVec
	CleanupRuns      prometheus.Counter
	RateLimited      *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Share links created.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Recordings stored, by backend.",
		}, []string{"backend"}),
		UploadRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_rejections_total",
			Help:      "Uploads rejected before storage, by reason.",
		}, []string{"reason"}),
		BlobFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_fallbacks_total",
			Help:      "Uploads stored locally because the remote blob store failed.",
		}),
		VideoResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_responses_total",
			Help:      "Video bodies served, by source and whether the response was partial.",
		}, []string{"source", "partial"}),
		CleanupLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_links_total",
			Help:      "Expired links processed by the cleanup sweep, by result.",
		}, []string{"result"}),
		CleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Cleanup sweeps executed.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by rule prefix.",
		}, []string{"rule"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LinksCreated,
			m.Uploads,
			m.UploadRejections,
			m.BlobFallbacks,
			m.VideoResponses,
			m.CleanupLinks,
			m.CleanupRuns,
			m.RateLimited,
		)
	}
	return m
}

func (m *Metrics) LinkCreated() {
	if m == nil {
		return
	}
	m.LinksCreated.Inc()
}

func (m *Metrics) UploadStored(backend string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(backend).Inc()
}

func (m *Metrics) UploadRejected(reason string) {
	if m == nil {
		return
	}
	m.UploadRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) BlobFallback() {
	if m == nil {
		return
	}
	m.BlobFallbacks.Inc()
}

func (m *Metrics) VideoServed(source string, partial bool) {
	if m == nil {
		return
	}
	m.VideoResponses.WithLabelValues(source, strconv.FormatBool(partial)).Inc()
}

func (m *Metrics) CleanupLink(result string) {
	if m == nil {
		return
	}
	m.CleanupLinks.WithLabelValues(result).Inc()
}

func (m *Metrics) CleanupRun() {
	if m == nil {
		return
	}
	m.CleanupRuns.Inc()
}

func (m *Metrics) Throttled(rule string) {
	if rule == "" {
		rule = "default"
	}
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(rule).Inc()
}
