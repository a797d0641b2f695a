// Package metrics exposes the bridge's Prometheus collectors. Register
// installs them on the default registry; the health server serves them via
// promhttp.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"fossibot-bridge/internal/errors"
)

// Command counter results
const (
	CommandEnqueued = "enqueued"
	CommandSent     = "sent"
	CommandRejected = "rejected"
)

// Stat bundles the bridge collectors
type Stat struct {
	AuthStages     *prometheus.CounterVec
	Frames         *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	LocalPublishes *prometheus.CounterVec
	HandledErrors  *prometheus.CounterVec
	CloudSessions  prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	Devices        prometheus.Gauge
	DeviceSoC      *prometheus.GaugeVec
}

var stat = Stat{
	AuthStages: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_auth_stage_total",
		Help: "Auth stage executions by stage and result",
	}, []string{"stage", "result"}),
	Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_frames_total",
		Help: "Inbound Modbus frames by decode result",
	}, []string{"result"}),
	Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_commands_total",
		Help: "Device commands by outcome",
	}, []string{"result"}),
	Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_reconnects_total",
		Help: "Cloud reconnect attempts by tier",
	}, []string{"tier"}),
	LocalPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_local_publish_total",
		Help: "Publishes to the local broker by result",
	}, []string{"result"}),
	HandledErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fossibot_errors_total",
		Help: "Handled errors by kind",
	}, []string{"kind"}),
	CloudSessions: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fossibot_cloud_sessions_connected",
		Help: "Number of connected cloud sessions",
	}),
	QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fossibot_command_queue_depth",
		Help: "Pending commands per account queue",
	}, []string{"account"}),
	Devices: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fossibot_devices",
		Help: "Number of known devices across accounts",
	}),
	DeviceSoC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fossibot_device_soc_percent",
		Help: "Last reported state of charge per device",
	}, []string{"mac"}),
}

var registerOnce sync.Once

// Register installs the collectors on the default registry and wires the
// error reporter so handled errors surface as counters. Idempotent.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			stat.AuthStages,
			stat.Frames,
			stat.Commands,
			stat.Reconnects,
			stat.LocalPublishes,
			stat.HandledErrors,
			stat.CloudSessions,
			stat.QueueDepth,
			stat.Devices,
			stat.DeviceSoC,
		)
		errors.SetReporter(func(kind errors.Kind) {
			stat.HandledErrors.WithLabelValues(kind.String()).Inc()
		})
	})
}

// RecordAuthStage counts one auth stage execution
func RecordAuthStage(stage string, ok bool) {
	stat.AuthStages.WithLabelValues(stage, result(ok)).Inc()
}

// RecordFrameDecoded counts one successfully decoded inbound frame
func RecordFrameDecoded() {
	stat.Frames.WithLabelValues("decoded").Inc()
}

// RecordFrameDropped counts one dropped inbound frame
func RecordFrameDropped() {
	stat.Frames.WithLabelValues("dropped").Inc()
}

// RecordCommand counts a command outcome (enqueued, sent, rejected)
func RecordCommand(outcome string) {
	stat.Commands.WithLabelValues(outcome).Inc()
}

// RecordReconnect counts a reconnect attempt at the given tier
func RecordReconnect(tier int) {
	stat.Reconnects.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// RecordLocalPublish counts a local broker publish
func RecordLocalPublish(ok bool) {
	stat.LocalPublishes.WithLabelValues(result(ok)).Inc()
}

// SessionConnected moves the connected-sessions gauge
func SessionConnected(up bool) {
	if up {
		stat.CloudSessions.Inc()
	} else {
		stat.CloudSessions.Dec()
	}
}

// SetQueueDepth records the pending command count for an account
func SetQueueDepth(account string, depth int) {
	stat.QueueDepth.WithLabelValues(account).Set(float64(depth))
}

// SetDeviceCount records the number of known devices
func SetDeviceCount(n int) {
	stat.Devices.Set(float64(n))
}

// SetDeviceSoC records the last decoded state of charge for a device
func SetDeviceSoC(mac string, soc float64) {
	stat.DeviceSoC.WithLabelValues(mac).Set(soc)
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
