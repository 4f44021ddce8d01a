package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes relay metrics. Construct with an explicit registerer so
// tests can use isolated registries.
type Collector struct {
	connectionsActive prometheus.Gauge
	hostsRegistered   prometheus.Gauge
	viewersRegistered prometheus.Gauge

	connectionsTotal prometheus.Counter
	matchesTotal     prometheus.Counter
	hostEvictions    prometheus.Counter
	sweepEvictions   prometheus.Counter

	messagesForwarded *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	protocolErrors    prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamcast_relay_connections_active",
			Help: "Number of currently open relay connections",
		}),
		hostsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamcast_relay_hosts_registered",
			Help: "Number of registered hosts",
		}),
		viewersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teamcast_relay_viewers_registered",
			Help: "Number of registered viewers",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamcast_relay_connections_total",
			Help: "Total relay connections accepted",
		}),
		matchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamcast_relay_matches_total",
			Help: "Total host/viewer matches made",
		}),
		hostEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamcast_relay_host_evictions_total",
			Help: "Hosts evicted by re-registration for the same key",
		}),
		sweepEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamcast_relay_sweep_evictions_total",
			Help: "Connections force-closed by the liveness sweep",
		}),
		messagesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcast_relay_messages_forwarded_total",
			Help: "Handshake/candidate messages forwarded between matched peers",
		}, []string{"type"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teamcast_relay_messages_dropped_total",
			Help: "Messages dropped for lack of a registered counterpart",
		}, []string{"type"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "teamcast_relay_protocol_errors_total",
			Help: "Malformed or unknown inbound messages",
		}),
	}
}

func (c *Collector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *Collector) HostRegistered() {
	c.hostsRegistered.Inc()
}

func (c *Collector) HostRemoved() {
	c.hostsRegistered.Dec()
}

func (c *Collector) HostEvicted() {
	c.hostEvictions.Inc()
}

func (c *Collector) ViewerRegistered() {
	c.viewersRegistered.Inc()
}

func (c *Collector) ViewerRemoved() {
	c.viewersRegistered.Dec()
}

func (c *Collector) MatchMade() {
	c.matchesTotal.Inc()
}

func (c *Collector) MessageForwarded(messageType string) {
	c.messagesForwarded.WithLabelValues(messageType).Inc()
}

func (c *Collector) MessageDropped(messageType string) {
	c.messagesDropped.WithLabelValues(messageType).Inc()
}

func (c *Collector) SweepEviction() {
	c.sweepEvictions.Inc()
}

func (c *Collector) ProtocolError() {
	c.protocolErrors.Inc()
}
