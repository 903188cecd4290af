// Package metrics exposes Prometheus collectors for the reconciliation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector shaded exports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandFailures *prometheus.CounterVec
	retries         *prometheus.CounterVec
	unconfirmed     *prometheus.CounterVec
	failsafes       *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	pollFailures    *prometheus.CounterVec
	longPollEvents  *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	settleSeconds   *prometheus.HistogramVec
	position        *prometheus.GaugeVec
	battery         *prometheus.GaugeVec
	watcherRunning  *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	hubLabels := []string{"hub"}
	deviceLabels := []string{"hub", "device"}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_commands_total",
			Help: "Control commands sent to the hub, including retries",
		}, hubLabels),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_command_failures_total",
			Help: "Control commands that failed with a transport error",
		}, hubLabels),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_command_retries_total",
			Help: "Commands resent after failed verification",
		}, hubLabels),
		unconfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_command_unconfirmed_total",
			Help: "Commands whose target was never confirmed by the hub",
		}, hubLabels),
		failsafes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_watcher_failsafes_total",
			Help: "Times the watcher gave up waiting and force-cleared motion state",
		}, hubLabels),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_settlements_total",
			Help: "Commands confirmed at target by a hub reading",
		}, hubLabels),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_status_poll_failures_total",
			Help: "Status polls that failed",
		}, hubLabels),
		longPollEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_longpoll_events_total",
			Help: "Events received from the hub notification endpoint",
		}, hubLabels),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shaded_longpoll_malformed_fragments_total",
			Help: "Notification fragments that could not be parsed",
		}, hubLabels),
		settleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shaded_settle_seconds",
			Help:    "Time from command to confirmed settlement",
			Buckets: []float64{2, 5, 10, 15, 20, 30, 45, 60, 90, 120},
		}, hubLabels),
		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shaded_hub_position",
			Help: "Last hub-reported bottom rail position (0-100)",
		}, deviceLabels),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shaded_battery_percent",
			Help: "Normalized battery level (0-100)",
		}, deviceLabels),
		watcherRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shaded_watcher_running",
			Help: "1 while the long-poll watcher of a hub is active",
		}, hubLabels),
	}

	m.registry.MustRegister(
		m.commands,
		m.commandFailures,
		m.retries,
		m.unconfirmed,
		m.failsafes,
		m.settlements,
		m.pollFailures,
		m.longPollEvents,
		m.malformed,
		m.settleSeconds,
		m.position,
		m.battery,
		m.watcherRunning,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandSent(hub string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(hub).Inc()
}

func (m *Metrics) CommandFailed(hub string) {
	if m == nil {
		return
	}
	m.commandFailures.WithLabelValues(hub).Inc()
}

func (m *Metrics) Retry(hub string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(hub).Inc()
}

func (m *Metrics) Unconfirmed(hub string) {
	if m == nil {
		return
	}
	m.unconfirmed.WithLabelValues(hub).Inc()
}

func (m *Metrics) PollFailed(hub string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(hub).Inc()
}

func (m *Metrics) Settled(hub string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(hub).Inc()
	m.settleSeconds.WithLabelValues(hub).Observe(elapsed.Seconds())
}

func (m *Metrics) HubPosition(hub, device string, pos int) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(hub, device).Set(float64(pos))
}

func (m *Metrics) BatteryPercent(hub, device string, pct int) {
	if m == nil {
		return
	}
	m.battery.WithLabelValues(hub, device).Set(float64(pct))
}

// WatcherRunning, LongPollEvents, MalformedFragments and Failsafe make
// *Metrics a watcher observer.

func (m *Metrics) WatcherRunning(hub string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.watcherRunning.WithLabelValues(hub).Set(v)
}

func (m *Metrics) LongPollEvents(hub string, n int) {
	if m == nil {
		return
	}
	m.longPollEvents.WithLabelValues(hub).Add(float64(n))
}

func (m *Metrics) MalformedFragments(hub string, n int) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(hub).Add(float64(n))
}

func (m *Metrics) Failsafe(hub string) {
	if m == nil {
		return
	}
	m.failsafes.WithLabelValues(hub).Inc()
}
