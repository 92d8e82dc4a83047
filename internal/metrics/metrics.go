package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Ticker records applied to the ticker table; untracked symbols share the other label"},
		[]string{"symbol"},
	)
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_frames_total", Help: "Live feed frames by decoded type"},
		[]string{"type"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Reconnects scheduled after a disconnect"},
	)
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_connection_state", Help: "0 disconnected, 1 connecting, 2 connected"},
	)
	RetryExhausted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "feed_retry_exhausted", Help: "1 when automatic reconnection has given up"},
	)
	AlertsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "alerts_ingested_total", Help: "Alert candidates by outcome"},
		[]string{"outcome"},
	)
	AnalysisRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "analysis_requests_total", Help: "Streaming analysis requests by outcome"},
		[]string{"outcome"},
	)
	AnalysisFragments = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "analysis_fragments_total", Help: "Content fragments received from analysis streams"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		FramesTotal,
		ReconnectsTotal,
		ConnectionState,
		RetryExhausted,
		AlertsIngested,
		AnalysisRequests,
		AnalysisFragments,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
