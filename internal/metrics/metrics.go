package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the emulator's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	framesRejected prometheus.Counter
	requests       *prometheus.CounterVec
	streamOutcomes *prometheus.CounterVec
	mutationsSent  prometheus.Counter
	feedDocuments  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "upremu_connections",
			Help: "Number of open client connections.",
		}),
		framesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "upremu_frames_rejected_total",
			Help: "Frames that failed to parse; each one closes its connection.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upremu_requests_total",
			Help: "Client requests by opcode.",
		}, []string{"opcode"}),
		streamOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upremu_stream_requests_total",
			Help: "Stream request negotiations by outcome.",
		}, []string{"outcome"}),
		mutationsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "upremu_mutations_sent_total",
			Help: "Mutation and deletion messages sent to clients.",
		}),
		feedDocuments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "upremu_feed_documents_total",
			Help: "Documents consumed by feeds by result.",
		}, []string{"feed", "result"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) FrameRejected() {
	if m != nil {
		m.framesRejected.Inc()
	}
}

func (m *Metrics) Request(opcode string) {
	if m != nil {
		m.requests.WithLabelValues(opcode).Inc()
	}
}

// StreamOutcome records one negotiation; outcome is "ok", "rollback" or an
// error code name.
func (m *Metrics) StreamOutcome(outcome string) {
	if m != nil {
		m.streamOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) MutationsSent(n int) {
	if m != nil && n > 0 {
		m.mutationsSent.Add(float64(n))
	}
}

// FeedDocument records one consumed document; result is "applied",
// "rejected" or "retried".
func (m *Metrics) FeedDocument(feed, result string) {
	if m != nil {
		m.feedDocuments.WithLabelValues(feed, result).Inc()
	}
}
