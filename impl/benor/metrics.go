package benor

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usernamenenad/benor-quic/core"
)

// Dropped-message reasons.
const (
	DropMalformed = "malformed"
	DropStopped   = "stopped"
)

// Metrics holds the Prometheus collectors shared by all nodes of a process.
type Metrics struct {
	RoundsTotal       *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	CoinFlipsTotal    *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	DroppedTotal      *prometheus.CounterVec
	QuorumTimeouts    *prometheus.CounterVec
	DecisionRound     prometheus.Histogram
}

// NewMetrics creates collectors under namespace and registers them with
// reg. A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of rounds started",
		}, []string{"node"}),
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of decisions by decided value",
		}, []string{"node", "value"}),
		CoinFlipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coin_flips_total",
			Help:      "Rounds that ended with a random re-estimate",
		}, []string{"node"}),
		SendFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Broadcasts that did not reach every peer",
		}, []string{"node"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before reaching the round log",
		}, []string{"node", "reason"}),
		QuorumTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quorum_timeouts_total",
			Help:      "Quorum waits that outlived the configured timeout",
		}, []string{"node", "phase"}),
		DecisionRound: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_round",
			Help:      "Round in which a node decided",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21, 34},
		}),
	}
}

func nodeLabel(id core.NodeId) string {
	return strconv.Itoa(int(id))
}

func (m *Metrics) RecordRound(id core.NodeId) {
	m.RoundsTotal.WithLabelValues(nodeLabel(id)).Inc()
}

func (m *Metrics) RecordDecision(id core.NodeId, value core.Value, round core.Round) {
	m.DecisionsTotal.WithLabelValues(nodeLabel(id), value.String()).Inc()
	m.DecisionRound.Observe(float64(round))
}

func (m *Metrics) RecordCoinFlip(id core.NodeId) {
	m.CoinFlipsTotal.WithLabelValues(nodeLabel(id)).Inc()
}

func (m *Metrics) RecordSendFailure(id core.NodeId) {
	m.SendFailuresTotal.WithLabelValues(nodeLabel(id)).Inc()
}

func (m *Metrics) RecordDropped(id core.NodeId, reason string) {
	m.DroppedTotal.WithLabelValues(nodeLabel(id), reason).Inc()
}

func (m *Metrics) RecordQuorumTimeout(id core.NodeId, phase core.Phase) {
	m.QuorumTimeouts.WithLabelValues(nodeLabel(id), phase.String()).Inc()
}

// MetricsServer exposes /metrics and /health over HTTP.
type MetricsServer struct {
	server *http.Server
}

func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// StartAsync serves in a goroutine; listen errors are passed to onError.
func (s *MetricsServer) StartAsync(onError func(error)) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed && onError != nil {
			onError(err)
		}
	}()
}

func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
