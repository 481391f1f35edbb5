package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	Connections          = "gateway_connections"
	RoomJoins            = "gateway_room_joins_total"
	JoinRejections       = "gateway_join_rejections_total"
	Evictions            = "gateway_evictions_total"
	EventsProcessed      = "bus_events_processed_total"
	EventsDuplicate      = "bus_events_duplicate_total"
	EventsDeadLettered   = "bus_events_dead_lettered_total"
	PresenceExpirations  = "presence_expirations_total"
	metricsNamespace     = "studyhub"
	uptimeMetricName     = "uptime_seconds"
	uptimeMetricHelpText = "Seconds since the process started."
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterCounter(name, help string)
	RegisterGauge(name, help string)
}

// StatsUpdater implements StatsProvider on a dedicated Prometheus registry.
// Gauges accept Incr and Decr; counters ignore Decr.
type StatsUpdater struct {
	log      zerolog.Logger
	registry *prometheus.Registry
	mu       sync.RWMutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewStatsUpdater creates a new stats updater and registers the metrics
// endpoint on mux.
func NewStatsUpdater(mux *http.ServeMux, logger zerolog.Logger) *StatsUpdater {
	su := &StatsUpdater{
		log:      logger,
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	su.initializeMetrics()

	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      uptimeMetricName,
			Help:      uptimeMetricHelpText,
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
	)
}

func (su *StatsUpdater) RegisterCounter(name, help string) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
	if err := su.registry.Register(c); err != nil {
		su.log.Warn().Err(err).Str("metric", name).Msg("failed to register counter")
		return
	}

	su.mu.Lock()
	su.counters[name] = c
	su.mu.Unlock()
}

func (su *StatsUpdater) RegisterGauge(name, help string) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
	if err := su.registry.Register(g); err != nil {
		su.log.Warn().Err(err).Str("metric", name).Msg("failed to register gauge")
		return
	}

	su.mu.Lock()
	su.gauges[name] = g
	su.mu.Unlock()
}

func (su *StatsUpdater) Incr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Inc()
		return
	}
	if c, ok := su.counters[name]; ok {
		c.Inc()
		return
	}
	su.log.Warn().Str("metric", name).Msg("metric not found")
}

func (su *StatsUpdater) Decr(name string) {
	su.mu.RLock()
	defer su.mu.RUnlock()

	if g, ok := su.gauges[name]; ok {
		g.Dec()
		return
	}
	su.log.Warn().Str("metric", name).Msg("gauge not found")
}

// RegisterDefaults registers every metric the gateway process reports.
func RegisterDefaults(sp StatsProvider) {
	sp.RegisterGauge(Connections, "Live websocket connections on this instance.")
	sp.RegisterCounter(RoomJoins, "Successful room joins.")
	sp.RegisterCounter(JoinRejections, "Room joins rejected or failed.")
	sp.RegisterCounter(Evictions, "Connections evicted from rooms by membership events.")
	sp.RegisterCounter(EventsProcessed, "Membership events handled successfully.")
	sp.RegisterCounter(EventsDuplicate, "Membership events skipped as duplicates.")
	sp.RegisterCounter(EventsDeadLettered, "Membership events terminated without redelivery.")
	sp.RegisterCounter(PresenceExpirations, "Presence records that expired without an explicit stop.")
}
