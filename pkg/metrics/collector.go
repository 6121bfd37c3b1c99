package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the part of the daemon state exported as gauges.
type State struct {
	Players []string // player labels in queue order, head first
	Pending int
	Held    string
}

// Collector Prometheus metrics collector
type Collector struct {
	GetState func() State

	// Info metric (always 1)
	daemonInfo *prometheus.Desc

	// Queue metrics
	players            *prometheus.Desc
	playerActive       *prometheus.Desc
	pendingInvocations *prometheus.Desc
	playerEventsTotal  *prometheus.Desc

	// Forwarding metrics
	forwardsTotal         *prometheus.Desc
	forwardErrorsTotal    *prometheus.Desc
	forwardLatencySeconds *prometheus.Desc
	signalsReemitted      *prometheus.Desc

	// Ownership metrics
	nameAcquisitionsTotal *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock       sync.RWMutex
	forwardsCount     map[string]float64 // "player:interface"
	forwardErrorCount map[string]float64 // "player:reason"
	latencySum        map[string]float64
	latencyCount      map[string]float64
	reemittedCount    map[string]float64 // "player:interface"
	playerEvents      map[string]float64
	acquisitions      map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getState func() State) *Collector {
	return &Collector{
		GetState: getState,
		daemonInfo: prometheus.NewDesc(
			"mpris_proxy_info",
			"Daemon process info metric (always 1). held_name is the bus name currently owned.",
			[]string{"held_name", "instance"},
			nil,
		),
		players: prometheus.NewDesc(
			"mpris_proxy_players",
			"Number of players in the active player queue",
			[]string{"instance"},
			nil,
		),
		playerActive: prometheus.NewDesc(
			"mpris_proxy_player_active",
			"Whether a queued player is the one receiving forwarded calls (1=active, 0=queued)",
			[]string{"player", "instance"},
			nil,
		),
		pendingInvocations: prometheus.NewDesc(
			"mpris_proxy_pending_invocations",
			"Forwarded calls waiting for a player reply",
			[]string{"instance"},
			nil,
		),
		playerEventsTotal: prometheus.NewDesc(
			"mpris_proxy_player_events_total",
			"Total queue events by kind (appeared, vanished, promoted)",
			[]string{"event", "instance"},
			nil,
		),
		forwardsTotal: prometheus.NewDesc(
			"mpris_proxy_forwards_total",
			"Total number of calls forwarded to a player",
			[]string{"player", "interface", "instance"},
			nil,
		),
		forwardErrorsTotal: prometheus.NewDesc(
			"mpris_proxy_forward_errors_total",
			"Total number of calls answered with an error by reason",
			[]string{"player", "reason", "instance"},
			nil,
		),
		forwardLatencySeconds: prometheus.NewDesc(
			"mpris_proxy_forward_latency_seconds",
			"Average forwarded call latency in seconds",
			[]string{"player", "instance"},
			nil,
		),
		signalsReemitted: prometheus.NewDesc(
			"mpris_proxy_signals_reemitted_total",
			"Total number of player signals re-emitted under the daemon name",
			[]string{"player", "interface", "instance"},
			nil,
		),
		nameAcquisitionsTotal: prometheus.NewDesc(
			"mpris_proxy_name_acquisitions_total",
			"Total number of times a bus name was acquired",
			[]string{"name", "instance"},
			nil,
		),
		forwardsCount:     make(map[string]float64),
		forwardErrorCount: make(map[string]float64),
		latencySum:        make(map[string]float64),
		latencyCount:      make(map[string]float64),
		reemittedCount:    make(map[string]float64),
		playerEvents:      make(map[string]float64),
		acquisitions:      make(map[string]float64),
	}
}

// RecordForward records a call sent to a player.
func (c *Collector) RecordForward(player, iface string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.forwardsCount[fmt.Sprintf("%s:%s", player, iface)]++
}

// RecordForwardResult records the outcome of a forwarded call. An empty
// reason is a success and feeds the latency average.
func (c *Collector) RecordForwardResult(player, reason string, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if reason == "" {
		c.latencySum[player] += duration.Seconds()
		c.latencyCount[player]++
		return
	}
	c.forwardErrorCount[fmt.Sprintf("%s:%s", player, reason)]++
}

// RecordForwardError records a call rejected before or during forwarding.
func (c *Collector) RecordForwardError(player, reason string) {
	c.RecordForwardResult(player, reason, 0)
}

// RecordSignal records a re-emitted signal.
func (c *Collector) RecordSignal(player, iface string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.reemittedCount[fmt.Sprintf("%s:%s", player, iface)]++
}

// RecordPlayerEvent records an appeared, vanished or promoted event.
func (c *Collector) RecordPlayerEvent(event string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.playerEvents[event]++
}

// RecordNameAcquired records a successful RequestName.
func (c *Collector) RecordNameAcquired(name string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.acquisitions[name]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.daemonInfo
	ch <- c.players
	ch <- c.playerActive
	ch <- c.pendingInvocations
	ch <- c.playerEventsTotal
	ch <- c.forwardsTotal
	ch <- c.forwardErrorsTotal
	ch <- c.forwardLatencySeconds
	ch <- c.signalsReemitted
	ch <- c.nameAcquisitionsTotal
}

func instanceName() string {
	name := os.Getenv("MPRIS_PROXY_INSTANCE")
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "unknown"
	}
	return name
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	instance := instanceName()

	var state State
	if c.GetState != nil {
		state = c.GetState()
	}

	ch <- prometheus.MustNewConstMetric(
		c.daemonInfo,
		prometheus.GaugeValue,
		1,
		state.Held, instance,
	)
	ch <- prometheus.MustNewConstMetric(
		c.players,
		prometheus.GaugeValue,
		float64(len(state.Players)),
		instance,
	)
	ch <- prometheus.MustNewConstMetric(
		c.pendingInvocations,
		prometheus.GaugeValue,
		float64(state.Pending),
		instance,
	)
	for i, player := range state.Players {
		v := 0.0
		if i == 0 {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.playerActive,
			prometheus.GaugeValue,
			v,
			player, instance,
		)
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for event, value := range c.playerEvents {
		ch <- prometheus.MustNewConstMetric(
			c.playerEventsTotal,
			prometheus.CounterValue,
			value,
			event, instance,
		)
	}

	for key, value := range c.forwardsCount {
		if player, iface, ok := splitKey(key); ok {
			ch <- prometheus.MustNewConstMetric(
				c.forwardsTotal,
				prometheus.CounterValue,
				value,
				player, iface, instance,
			)
		}
	}

	for key, value := range c.forwardErrorCount {
		if player, reason, ok := splitKey(key); ok {
			ch <- prometheus.MustNewConstMetric(
				c.forwardErrorsTotal,
				prometheus.CounterValue,
				value,
				player, reason, instance,
			)
		}
	}

	for player, sum := range c.latencySum {
		if c.latencyCount[player] > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.forwardLatencySeconds,
				prometheus.GaugeValue,
				sum/c.latencyCount[player],
				player, instance,
			)
		}
	}

	for key, value := range c.reemittedCount {
		if player, iface, ok := splitKey(key); ok {
			ch <- prometheus.MustNewConstMetric(
				c.signalsReemitted,
				prometheus.CounterValue,
				value,
				player, iface, instance,
			)
		}
	}

	for name, value := range c.acquisitions {
		ch <- prometheus.MustNewConstMetric(
			c.nameAcquisitionsTotal,
			prometheus.CounterValue,
			value,
			name, instance,
		)
	}
}

// splitKey splits "player:label". Player labels never contain a colon.
func splitKey(key string) (string, string, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
