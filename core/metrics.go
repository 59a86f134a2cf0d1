package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NodeMetrics captures a point-in-time snapshot of P2P health statistics.
type NodeMetrics struct {
	PeerCount       int   `json:"peer_count"`
	ConnectedCount  int   `json:"connected_count"`
	BannedCount     int   `json:"banned_count"`
	GlobalBucket    float64 `json:"global_bucket"`
	MemAlloc        uint64  `json:"mem_alloc"`
	NumGoroutines   int     `json:"goroutines"`
	Timestamp       int64   `json:"timestamp"`
}

// HealthLogger structures P2P node health as JSON logs plus prometheus
// gauges/counters, for the same reasons the teacher wires logrus and
// client_golang together: a local audit trail and a scrape-able endpoint.
type HealthLogger struct {
	node *Node

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry          *prometheus.Registry
	peerCountGauge    prometheus.Gauge
	connectedGauge    prometheus.Gauge
	bannedGauge       prometheus.Gauge
	globalBucketGauge prometheus.Gauge
	memAllocGauge     prometheus.Gauge
	goroutinesGauge   prometheus.Gauge
	rateLimitedTotal  prometheus.Counter
	handshakeFailTotal prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path and
// registering the node's prometheus gauges under a fresh registry.
func NewHealthLogger(n *Node, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{node: n, log: lg, file: f, registry: reg}

	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_peer_count",
		Help: "Number of peers known to the node",
	})
	h.connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_connected_count",
		Help: "Number of peers currently connected",
	})
	h.bannedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_banned_count",
		Help: "Number of peers currently banned",
	})
	h.globalBucketGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_global_bucket_tokens",
		Help: "Tokens remaining in the global rate-limit bucket",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "animica_p2p_goroutines",
		Help: "Number of running goroutines",
	})
	h.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "animica_p2p_rate_limited_total",
		Help: "Total number of rate-limit refusals",
	})
	h.handshakeFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "animica_p2p_handshake_failures_total",
		Help: "Total number of failed handshake attempts",
	})

	reg.MustRegister(
		h.peerCountGauge,
		h.connectedGauge,
		h.bannedGauge,
		h.globalBucketGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.rateLimitedTotal,
		h.handshakeFailTotal,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// LogEvent records an arbitrary message at the given level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// NoteRateLimited increments the rate-limit refusal counter.
func (h *HealthLogger) NoteRateLimited() { h.rateLimitedTotal.Inc() }

// NoteHandshakeFailure increments the handshake failure counter.
func (h *HealthLogger) NoteHandshakeFailure() { h.handshakeFailTotal.Inc() }

// Snapshot gathers current metrics from the node and the Go runtime.
func (h *HealthLogger) Snapshot() NodeMetrics {
	m := NodeMetrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.node != nil {
		peers := h.node.Peers()
		m.PeerCount = len(peers)
		for _, p := range peers {
			snap := p.Snapshot()
			switch snap.Status {
			case StatusConnected:
				m.ConnectedCount++
			case StatusBanned:
				m.BannedCount++
			}
		}
		m.GlobalBucket = h.node.limiter.global.Snapshot(time.Now())
	}
	return m
}

// Record captures the current snapshot, updates the prometheus gauges, and
// appends a JSON log line.
func (h *HealthLogger) Record() {
	m := h.Snapshot()
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.connectedGauge.Set(float64(m.ConnectedCount))
	h.bannedGauge.Set(float64(m.BannedCount))
	h.globalBucketGauge.Set(m.GlobalBucket)
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))

	if line, err := json.Marshal(m); err == nil {
		h.LogEvent(logrus.InfoLevel, string(line))
	}
}

// Run periodically records metrics until ctx is cancelled.
func (h *HealthLogger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Record()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a prometheus scrape endpoint on addr.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
