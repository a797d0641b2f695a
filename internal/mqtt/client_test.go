package mqtt

import (
	"testing"
	"time"

	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/errors"
)

func testBrokerConfig() config.MosquittoConfig {
	return config.MosquittoConfig{
		Host:     "127.0.0.1",
		Port:     1883,
		ClientID: "fossibot-bridge",
		Username: "bridge",
		Password: "secret",
	}
}

func newTestClient(onCommand CommandHandler) *Client {
	return NewClient(testBrokerConfig(), []time.Duration{time.Second}, onCommand)
}

func TestClientOptions(t *testing.T) {
	c := newTestClient(nil)
	r := c.client.OptionsReader()

	servers := r.Servers()
	if len(servers) != 1 || servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("broker servers = %v, expected [tcp://127.0.0.1:1883]", servers)
	}
	if got := r.ClientID(); got != "fossibot-bridge" {
		t.Errorf("client id = %q, expected fossibot-bridge", got)
	}
	if got := r.Username(); got != "bridge" {
		t.Errorf("username = %q, expected bridge", got)
	}
	if !r.CleanSession() {
		t.Error("local sessions should be clean")
	}
	if r.AutoReconnect() {
		t.Error("reconnection is owned by Run, paho auto-reconnect must stay off")
	}
}

func TestClientLastWill(t *testing.T) {
	c := newTestClient(nil)
	r := c.client.OptionsReader()

	if got := r.WillTopic(); got != "fossibot/bridge/status" {
		t.Errorf("will topic = %q, expected fossibot/bridge/status", got)
	}
	if got := string(r.WillPayload()); got != "offline" {
		t.Errorf("will payload = %q, expected offline", got)
	}
	if !r.WillRetained() {
		t.Error("will message must be retained")
	}
}

func TestAnonymousBrokerOmitsCredentials(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.Username = ""
	cfg.Password = "ignored"
	c := NewClient(cfg, []time.Duration{time.Second}, nil)
	r := c.client.OptionsReader()

	if got := r.Username(); got != "" {
		t.Errorf("username = %q, expected empty for anonymous broker", got)
	}
	if got := r.Password(); got != "" {
		t.Errorf("password = %q, expected empty for anonymous broker", got)
	}
}

func TestPublishStateWhileDisconnected(t *testing.T) {
	c := newTestClient(nil)

	err := c.PublishState("7C2C67AB5F0E", []byte(`{}`))
	if err == nil {
		t.Fatal("publish on a disconnected client should fail")
	}
	if !errors.IsKind(err, errors.KindTransientNet) {
		t.Errorf("error kind = %v, expected TransientNet", errors.KindOf(err))
	}
	if c.IsConnected() {
		t.Error("fresh client reports connected")
	}
}

// fakeMessage implements the paho message interface for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestCommandMessageRouting(t *testing.T) {
	var gotMAC string
	var gotPayload string
	calls := 0
	c := newTestClient(func(mac string, payload []byte) {
		calls++
		gotMAC = mac
		gotPayload = string(payload)
	})

	c.onCommandMessage(nil, &fakeMessage{
		topic:   "fossibot/7c2c67ab5f0e/command",
		payload: []byte(`{"action":"usb","value":true}`),
	})

	if calls != 1 {
		t.Fatalf("handler called %d times, expected 1", calls)
	}
	if gotMAC != "7C2C67AB5F0E" {
		t.Errorf("mac = %q, expected normalized 7C2C67AB5F0E", gotMAC)
	}
	if gotPayload != `{"action":"usb","value":true}` {
		t.Errorf("payload = %q passed through unmodified", gotPayload)
	}
}

func TestCommandMessageBadTopicsIgnored(t *testing.T) {
	calls := 0
	c := newTestClient(func(string, []byte) { calls++ })

	bad := []string{
		"fossibot/nothex/command",
		"fossibot/7C2C67AB5F0E/state",
		"other/7C2C67AB5F0E/command",
		"fossibot/7C2C67AB5F0E/command/extra",
	}
	for _, topic := range bad {
		c.onCommandMessage(nil, &fakeMessage{topic: topic, payload: []byte("{}")})
	}

	if calls != 0 {
		t.Errorf("handler called %d times for unroutable topics, expected 0", calls)
	}
}
