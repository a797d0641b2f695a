package bridge

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/modbus"
	"fossibot-bridge/internal/state"
	"fossibot-bridge/internal/topics"
)

const testMAC = "7C2C67AB5F0E"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Accounts: []config.AccountConfig{
			{Email: "user@example.com", Password: "secret"},
		},
		Mosquitto: config.MosquittoConfig{Host: "127.0.0.1", Port: 1883, ClientID: "fossibot-bridge-test"},
		Bridge:    config.BridgeConfig{StatusPublishInterval: 60, ReconnectDelayMin: 5, ReconnectDelayMax: 60},
		Cache: config.CacheConfig{
			Directory:            t.TempDir(),
			TokenTTLSafetyMargin: 300,
			DeviceListTTL:        86400,
			MaxTokenTTL:          86400,
		},
		Daemon: config.DaemonConfig{LogLevel: "info"},
	}
}

// newTestBridge builds a fully wired bridge with one account and one
// registered device. Nothing is connected; publishes toward the local
// broker fail softly and are irrelevant to these tests.
func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(testConfig(t))
	if len(b.accounts) != 1 {
		t.Fatalf("wired %d accounts, expected 1", len(b.accounts))
	}
	b.registerDevices(b.accounts[0], testDevices())
	return b
}

func testDevices() []cache.Device {
	return []cache.Device{
		{MAC: testMAC, Name: "F2400", ProductName: "Fossibot F2400", Online: true},
		{MAC: "AABBCCDDEE11", Name: "", ProductName: "Fossibot F3600 Pro"},
	}
}

// buildReadResponse assembles a valid FC03/FC04 read response carrying the
// given register values starting at register 0.
func buildReadResponse(fc byte, values []uint16) []byte {
	frame := []byte{modbus.SlaveID, fc, byte(len(values) * 2)}
	for _, v := range values {
		frame = append(frame, byte(v>>8), byte(v))
	}
	return modbus.AppendCRC(frame)
}

func TestNewWiresEnabledAccountsOnly(t *testing.T) {
	disabled := false
	cfg := testConfig(t)
	cfg.Accounts = append(cfg.Accounts, config.AccountConfig{
		Email: "off@example.com", Password: "x", Enabled: &disabled,
	})

	b := New(cfg)
	if len(b.accounts) != 1 {
		t.Fatalf("wired %d accounts, expected only the enabled one", len(b.accounts))
	}
	if got := b.accounts[0].auth.Account(); got != "user@example.com" {
		t.Errorf("wired account = %s, expected user@example.com", got)
	}
}

func TestNewClampsReconnectDelays(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.ReconnectDelayMin = 10
	cfg.Bridge.ReconnectDelayMax = 30

	b := New(cfg)
	if len(b.delays) == 0 {
		t.Fatal("no reconnect delays configured")
	}
	for i, d := range b.delays {
		if d < 10*time.Second || d > 30*time.Second {
			t.Errorf("delays[%d] = %s, outside [10s,30s]", i, d)
		}
	}
	if b.delays[0] != 10*time.Second {
		t.Errorf("delays[0] = %s, expected the clamped minimum 10s", b.delays[0])
	}
}

func TestHandleFrameImmediateProjectsState(t *testing.T) {
	b := newTestBridge(t)

	values := make([]uint16, 57)
	values[modbus.RegDCInputWatts] = 12
	values[modbus.RegTotalInput] = 150
	values[modbus.RegTotalOutput] = 45
	values[modbus.RegOutputBits] = 0x200 // usb on
	values[modbus.RegSoC] = 850

	frame := buildReadResponse(modbus.FuncReadInput, values)
	b.handleFrame(b.accounts[0], testMAC, topics.RouteImmediate, frame)

	snap, ok := b.projector.Snapshot(testMAC)
	if !ok {
		t.Fatal("no snapshot after a valid immediate frame")
	}
	if snap.SoC != 85.0 {
		t.Errorf("SoC = %v, expected 85.0", snap.SoC)
	}
	if !snap.USBOutput || snap.ACOutput || snap.DCOutput || snap.LEDOutput {
		t.Errorf("outputs = usb=%v ac=%v dc=%v led=%v, expected only usb",
			snap.USBOutput, snap.ACOutput, snap.DCOutput, snap.LEDOutput)
	}
	if snap.InputWatts != 150 || snap.OutputWatts != 45 || snap.DCInputWatts != 12 {
		t.Errorf("power = in=%d out=%d dc=%d, expected 150/45/12",
			snap.InputWatts, snap.OutputWatts, snap.DCInputWatts)
	}
	if snap.LastUpdateSource != state.SourceSpontaneous {
		t.Errorf("source = %s, expected spontaneous without a pending command", snap.LastUpdateSource)
	}
	if b.LastFrameTime().IsZero() {
		t.Error("LastFrameTime still zero after a decoded frame")
	}
}

func TestHandleFramePollingAppliesSettingsOnly(t *testing.T) {
	b := newTestBridge(t)

	values := make([]uint16, modbus.ReadAllCount)
	values[modbus.RegMaxChargingCurrent] = 5
	values[modbus.RegSleepTime] = 30
	values[modbus.RegOutputBits] = 0x200
	values[modbus.RegTotalInput] = 999 // power is not trusted on this path

	frame := buildReadResponse(modbus.FuncReadHolding, values)
	b.handleFrame(b.accounts[0], testMAC, topics.RoutePolling, frame)

	snap, ok := b.projector.Snapshot(testMAC)
	if !ok {
		t.Fatal("no snapshot after a valid polling frame")
	}
	if snap.MaxChargingCurrent != 5 || snap.SleepTime != 30 {
		t.Errorf("settings = current=%d sleep=%d, expected 5/30", snap.MaxChargingCurrent, snap.SleepTime)
	}
	if snap.InputWatts != 0 {
		t.Errorf("InputWatts = %d, polling must not touch power", snap.InputWatts)
	}
	if !snap.USBOutput {
		t.Error("switch bits from polling should apply outside the priority window")
	}
	if snap.LastFullUpdate.IsZero() {
		t.Error("a full-span read should stamp LastFullUpdate")
	}
}

func TestHandleFrameGarbageDropped(t *testing.T) {
	b := newTestBridge(t)

	b.handleFrame(b.accounts[0], testMAC, topics.RouteImmediate, []byte{0x01, 0x02, 0x03})

	if _, ok := b.projector.Snapshot(testMAC); ok {
		t.Error("garbage frame produced a snapshot")
	}
	if !b.LastFrameTime().IsZero() {
		t.Error("garbage frame counted as a decoded frame")
	}
}

func TestHandleFrameWriteEcho(t *testing.T) {
	b := newTestBridge(t)

	echo := modbus.BuildWriteSingle(modbus.RegSwitchUSB, 1)
	b.handleFrame(b.accounts[0], testMAC, topics.RouteImmediate, echo)

	if _, ok := b.projector.Snapshot(testMAC); ok {
		t.Error("write echo must not project state on its own")
	}
	if b.LastFrameTime().IsZero() {
		t.Error("write echo should still count as device traffic")
	}
}

func TestHandleFrameHeartbeatIgnored(t *testing.T) {
	b := newTestBridge(t)

	b.handleFrame(b.accounts[0], testMAC, topics.RouteState, []byte("ping"))

	if _, ok := b.projector.Snapshot(testMAC); ok {
		t.Error("heartbeat produced a snapshot")
	}
}

func TestLocalCommandRouting(t *testing.T) {
	b := newTestBridge(t)
	acct := b.accounts[0]

	b.onLocalCommand(testMAC, []byte(`{"action":"usb","value":true}`))
	if got := acct.queue.Depth(); got != 1 {
		t.Fatalf("queue depth = %d after a valid command, expected 1", got)
	}

	b.onLocalCommand(testMAC, []byte(`{"action":"fan","value":true}`))
	if got := acct.queue.Depth(); got != 1 {
		t.Errorf("queue depth = %d after a rejected command, expected still 1", got)
	}

	b.onLocalCommand("AABBCCDDEEFF", []byte(`{"action":"usb","value":true}`))
	if got := acct.queue.Depth(); got != 1 {
		t.Errorf("queue depth = %d after a command for an unknown device, expected still 1", got)
	}
}

func TestStatusDocumentShape(t *testing.T) {
	doc := statusDocument{
		Status:         "online",
		Timestamp:      time.Now(),
		UptimeSeconds:  90,
		Accounts:       1,
		CloudConnected: 1,
		CloudTotal:     1,
		Devices:        2,
		QueuedCommands: 0,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	for _, key := range []string{
		"status", "timestamp", "uptime_seconds", "accounts",
		"cloud_sessions_connected", "cloud_sessions_total", "devices", "queued_commands",
	} {
		if _, ok := got[key]; !ok {
			t.Errorf("status document missing key %q", key)
		}
	}
	if got["status"] != "online" {
		t.Errorf("status = %v, expected online", got["status"])
	}
}

func TestIsFatalStartup(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"auth rejected", errors.AuthRejected("login", fmt.Errorf("401")), true},
		{"bad input", errors.Input("validate", "empty"), true},
		{"persistence", errors.Persistence("cache write", fmt.Errorf("read-only fs")), true},
		{"terminal", errors.Terminal("recovery", fmt.Errorf("budget spent")), true},
		{"transient", errors.Transient("dial", fmt.Errorf("timeout")), false},
		{"protocol", errors.Protocol("decode", fmt.Errorf("bad crc")), false},
		{"untyped", fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFatalStartup(tt.err); got != tt.fatal {
				t.Errorf("isFatalStartup(%v) = %v, expected %v", tt.err, got, tt.fatal)
			}
		})
	}
}

func TestCheckerBeforeStart(t *testing.T) {
	b := newTestBridge(t)

	if b.LocalConnected() {
		t.Error("local broker reported connected before Start")
	}
	connected, total := b.CloudSessions()
	if connected != 0 || total != 1 {
		t.Errorf("CloudSessions() = (%d,%d), expected (0,1)", connected, total)
	}
	if got := b.DeviceCount(); got != 2 {
		t.Errorf("DeviceCount() = %d, expected 2", got)
	}
}
