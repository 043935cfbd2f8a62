// Package metrics exposes the Prometheus instrumentation for palettesync.
//
// Metrics are registered once via Init and recorded through package-level
// helpers so call sites never need a handle. Record* functions are no-ops
// until Init runs, which keeps library use of the other packages free of
// mandatory metrics setup. Use a custom registry in tests to avoid duplicate
// registration.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "palettesync").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = r }
}

func defaultConfig() Config {
	return Config{
		Namespace: "palettesync",
		Registry:  prometheus.DefaultRegisterer,
	}
}

type set struct {
	activeRooms       prometheus.Gauge
	activeConnections prometheus.Gauge
	participants      prometheus.Gauge
	operationsTotal   *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
	validationErrors  prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	roomsEvicted      prometheus.Counter
	opDuration        prometheus.Histogram
}

// global is read lock-free on every Record* call; Init may race live
// traffic, so the pointer itself is atomic and initMu only serializes
// registration.
var (
	global atomic.Pointer[set]
	initMu sync.Mutex
)

func initSet(cfg Config) *set {
	factory := promauto.With(cfg.Registry)

	return &set{
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_rooms",
			Help:        "Number of live collaboration rooms",
			ConstLabels: cfg.ConstLabels,
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_connections",
			Help:        "Number of open WebSocket connections",
			ConstLabels: cfg.ConstLabels,
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "participants",
			Help:        "Number of room participants across all rooms",
			ConstLabels: cfg.ConstLabels,
		}),
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "operations_total",
			Help:        "Total palette operations accepted by the registry",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "events_total",
			Help:        "Total inbound events by kind and status",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind", "status"}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "broadcasts_total",
			Help:        "Total events fanned out to room members",
			ConstLabels: cfg.ConstLabels,
		}),
		validationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "validation_errors_total",
			Help:        "Total inbound events dropped by schema validation",
			ConstLabels: cfg.ConstLabels,
		}),
		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "disconnects_total",
			Help:        "Total connection closures by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		roomsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "rooms_evicted_total",
			Help:        "Total idle rooms garbage collected",
			ConstLabels: cfg.ConstLabels,
		}),
		opDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Time to record one operation in the room actor",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// Init registers the metric set. Safe to call more than once; only the first
// call wins.
func Init(opts ...Option) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	initMu.Lock()
	defer initMu.Unlock()
	if global.Load() == nil {
		global.Store(initSet(cfg))
	}
}

// RecordRoomCreated increments the active room gauge.
func RecordRoomCreated() {
	if s := global.Load(); s != nil {
		s.activeRooms.Inc()
	}
}

// RecordRoomDestroyed decrements the active room gauge.
func RecordRoomDestroyed() {
	if s := global.Load(); s != nil {
		s.activeRooms.Dec()
	}
}

// RecordRoomEvicted counts one idle-room eviction (the gauge is decremented
// separately via RecordRoomDestroyed).
func RecordRoomEvicted() {
	if s := global.Load(); s != nil {
		s.roomsEvicted.Inc()
	}
}

// RecordConnectionOpen increments the connection gauge.
func RecordConnectionOpen() {
	if s := global.Load(); s != nil {
		s.activeConnections.Inc()
	}
}

// RecordConnectionClosed decrements the connection gauge and counts the
// closure reason.
func RecordConnectionClosed(reason string) {
	if s := global.Load(); s != nil {
		s.activeConnections.Dec()
		s.disconnectsTotal.WithLabelValues(reason).Inc()
	}
}

// RecordParticipantJoined increments the participant gauge.
func RecordParticipantJoined() {
	if s := global.Load(); s != nil {
		s.participants.Inc()
	}
}

// RecordParticipantLeft decrements the participant gauge.
func RecordParticipantLeft() {
	if s := global.Load(); s != nil {
		s.participants.Dec()
	}
}

// RecordOperation counts one accepted operation and its actor latency.
func RecordOperation(kind string, seconds float64) {
	if s := global.Load(); s != nil {
		s.operationsTotal.WithLabelValues(kind).Inc()
		s.opDuration.Observe(seconds)
	}
}

// RecordEvent counts one inbound event with a status of "ok", "invalid",
// "unauthorized" or "error".
func RecordEvent(kind, status string) {
	if s := global.Load(); s != nil {
		s.eventsTotal.WithLabelValues(kind, status).Inc()
	}
}

// RecordBroadcast counts n fanned-out events.
func RecordBroadcast(n int) {
	if s := global.Load(); s != nil {
		s.broadcastsTotal.Add(float64(n))
	}
}

// RecordValidationError counts one schema rejection.
func RecordValidationError() {
	if s := global.Load(); s != nil {
		s.validationErrors.Inc()
	}
}
