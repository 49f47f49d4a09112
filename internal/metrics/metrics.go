package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Link kinds used as label values.
const (
	LinkDevice = "device"
	LinkClient = "client"
)

var (
	// Links
	LinksActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dslink_links_active",
			Help: "Currently open links by kind",
		},
		[]string{"kind"},
	)

	LinkMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslink_link_messages_total",
			Help: "Inbound link messages by kind and outcome",
		},
		[]string{"kind", "outcome"}, // "accepted", "rejected", "error"
	)

	DeviceCommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslink_device_commands_sent_total",
			Help: "Outbound device commands by msg_protocol",
		},
		[]string{"command"},
	)

	DevicesIdentified = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslink_devices_identified",
			Help: "Device links that completed identity exchange",
		},
	)

	// Bridges
	BridgesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslink_bridges_active",
			Help: "Open broker bridges",
		},
	)

	BridgeOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslink_bridge_opens_total",
			Help: "Broker bridge open attempts by result",
		},
		[]string{"result"}, // "success", "failure", "rejected"
	)

	BridgeDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslink_bridge_deliveries_total",
			Help: "Broker messages consumed by bridges",
		},
	)

	BridgeProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dslink_bridge_processing_duration_seconds",
			Help:    "Time spent running the processor chain for one delivery",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	BridgeProcessorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslink_bridge_processor_errors_total",
			Help: "Processor failures while handling broker deliveries",
		},
	)

	BridgeConnectionsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslink_bridge_connections_lost_total",
			Help: "Broker connection drops seen by open bridges",
		},
	)

	// Relay
	RelayGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslink_relay_groups",
			Help: "Zones with at least one subscribed client link",
		},
	)

	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslink_relay_published_total",
			Help: "Messages published into zone groups",
		},
	)

	RelayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dslink_relay_dropped_total",
			Help: "Messages dropped because a member's buffer was full",
		},
	)

	ClientPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dslink_client_pushes_total",
			Help: "Relayed messages offered to client links by result",
		},
		[]string{"result"}, // "forwarded", "filtered"
	)

	// Host, refreshed by the sampler
	HostCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslink_host_cpu_percent",
			Help: "Host CPU utilisation sampled by the coordinator",
		},
	)

	HostMemoryPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dslink_host_memory_percent",
			Help: "Host memory utilisation sampled by the coordinator",
		},
	)
)

// RecordLinkOpened increments the active gauge for kind.
func RecordLinkOpened(kind string) {
	LinksActive.WithLabelValues(kind).Inc()
}

// RecordLinkClosed decrements the active gauge for kind.
func RecordLinkClosed(kind string) {
	LinksActive.WithLabelValues(kind).Dec()
}

// RecordLinkMessage counts one inbound message.
func RecordLinkMessage(kind, outcome string) {
	LinkMessages.WithLabelValues(kind, outcome).Inc()
}

// RecordCommandSent counts one outbound device command.
func RecordCommandSent(command string) {
	DeviceCommandsSent.WithLabelValues(command).Inc()
}

// RecordBridgeOpen counts an open attempt and tracks the active gauge on success.
func RecordBridgeOpen(err error, rejected bool) {
	switch {
	case rejected:
		BridgeOpens.WithLabelValues("rejected").Inc()
	case err != nil:
		BridgeOpens.WithLabelValues("failure").Inc()
	default:
		BridgeOpens.WithLabelValues("success").Inc()
		BridgesActive.Inc()
	}
}

// RecordBridgeClosed decrements the active bridge gauge.
func RecordBridgeClosed() {
	BridgesActive.Dec()
}

// RecordBridgeConnectionLost counts a dropped bridge broker connection.
func RecordBridgeConnectionLost() {
	BridgeConnectionsLost.Inc()
}

// RecordDelivery records one processed broker delivery.
func RecordDelivery(duration time.Duration, err error) {
	BridgeDeliveries.Inc()
	BridgeProcessingDuration.Observe(duration.Seconds())
	if err != nil {
		BridgeProcessorErrors.Inc()
	}
}

// RecordRelayPublish records one publish and the number of members it was dropped for.
func RecordRelayPublish(dropped int) {
	RelayPublished.Inc()
	if dropped > 0 {
		RelayDropped.Add(float64(dropped))
	}
}

// SetRelayGroups sets the current zone group count.
func SetRelayGroups(n int) {
	RelayGroups.Set(float64(n))
}

// RecordClientPush counts one relayed message offered to a client link.
func RecordClientPush(forwarded bool) {
	if forwarded {
		ClientPushes.WithLabelValues("forwarded").Inc()
		return
	}
	ClientPushes.WithLabelValues("filtered").Inc()
}

// SetHostStats records the latest host utilisation sample.
func SetHostStats(cpuPercent, memPercent float64) {
	HostCPUPercent.Set(cpuPercent)
	HostMemoryPercent.Set(memPercent)
}
