package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Receive side
	FramesReceived    atomic.Uint64
	FramesFiltered    atomic.Uint64 // topic did not match the feed's camera
	MalformedMessages atomic.Uint64
	ReceiveErrors     atomic.Uint64
	ConnectErrors     atomic.Uint64

	// Feed lifecycle
	FeedsCreated atomic.Uint64
	FeedsClosed  atomic.Uint64
	FeedsReaped  atomic.Uint64

	// Viewer side
	ActiveViewers atomic.Int64
	TotalViewers  atomic.Uint64
	ChunksSent    atomic.Uint64
	BytesSent     atomic.Uint64

	lastFrameUnixNano atomic.Int64

	activeFeeds func() int

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// SetActiveFeedsFunc installs the callback behind the active feeds gauge.
func (m *Metrics) SetActiveFeedsFunc(fn func() int) {
	m.activeFeeds = fn
}

func (m *Metrics) counterFunc(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counterFunc("feed_relay_frames_received_total", "Frames stored into a feed's latest-frame slot", &m.FramesReceived)
	m.counterFunc("feed_relay_frames_filtered_total", "Messages discarded because their topic did not match the camera", &m.FramesFiltered)
	m.counterFunc("feed_relay_malformed_messages_total", "Messages discarded because they had no payload part", &m.MalformedMessages)
	m.counterFunc("feed_relay_receive_errors_total", "Receive loop failures that closed a feed", &m.ReceiveErrors)
	m.counterFunc("feed_relay_connect_errors_total", "Failed attempts to connect to the frame publisher", &m.ConnectErrors)

	m.counterFunc("feed_relay_feeds_created_total", "Feeds created", &m.FeedsCreated)
	m.counterFunc("feed_relay_feeds_closed_total", "Feeds closed for any reason", &m.FeedsClosed)
	m.counterFunc("feed_relay_feeds_reaped_total", "Feeds closed by the idle reaper", &m.FeedsReaped)

	m.counterFunc("feed_relay_viewers_total", "Viewers that started a stream", &m.TotalViewers)
	m.counterFunc("feed_relay_chunks_sent_total", "Frame chunks written to viewers", &m.ChunksSent)
	m.counterFunc("feed_relay_bytes_sent_total", "Bytes of frame chunks written to viewers", &m.BytesSent)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "feed_relay_active_viewers",
			Help: "Viewers currently streaming",
		},
		func() float64 { return float64(m.ActiveViewers.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "feed_relay_active_feeds",
			Help: "Open feeds",
		},
		func() float64 {
			if m.activeFeeds == nil {
				return 0
			}
			return float64(m.activeFeeds())
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "feed_relay_last_frame_age_seconds",
			Help: "Seconds since any feed last received a frame (-1 before the first frame)",
		},
		func() float64 { return m.LastFrameAge().Seconds() },
	))
}

// ObserveFrame records a stored frame.
func (m *Metrics) ObserveFrame(at time.Time) {
	m.FramesReceived.Add(1)
	m.lastFrameUnixNano.Store(at.UnixNano())
}

// LastFrameAge returns the time since the newest frame across all feeds,
// or -1s when no frame has arrived yet.
func (m *Metrics) LastFrameAge() time.Duration {
	ns := m.lastFrameUnixNano.Load()
	if ns == 0 {
		return -time.Second
	}
	return time.Since(time.Unix(0, ns))
}

// ViewerStarted and ViewerStopped bracket one streaming response.
func (m *Metrics) ViewerStarted() {
	m.TotalViewers.Add(1)
	m.ActiveViewers.Add(1)
}

func (m *Metrics) ViewerStopped() {
	m.ActiveViewers.Add(-1)
}

// ChunkSent records one chunk of n bytes written to a viewer.
func (m *Metrics) ChunkSent(n int) {
	m.ChunksSent.Add(1)
	m.BytesSent.Add(uint64(n))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on its own mux.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
