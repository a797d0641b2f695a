// Package cloud maintains the vendor-broker side of the bridge: one MQTT
// over WebSocket session per account, a paced command queue feeding it and
// the reconnect supervisor that rebuilds it after a loss.
package cloud

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/topics"
)

// Vendor broker access. The password is a fixed shared secret; the real
// credential is the per-account JWT presented as the username.
const (
	BrokerURL      = "ws://mqtt.sydpower.com:8083/mqtt"
	brokerPassword = "helloyou"

	keepAlive      = 60 * time.Second
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	disconnectWait = 250 // ms, lets in-flight packets drain
)

// Events are the session callbacks. Both fire on paho goroutines and must
// not block.
type Events struct {
	// OnConnectionLost fires when an established session drops
	// unexpectedly. Deliberate disconnects don't trigger it.
	OnConnectionLost func(err error)
	// OnFrame delivers the raw payload of one device response message.
	OnFrame func(mac string, route topics.Route, payload []byte)
}

// Session is one account's connection to the vendor broker. Reconnection
// is owned by the Supervisor, never by paho: every Connect builds a fresh
// client because the JWT username changes between attempts.
type Session struct {
	account string
	broker  string
	events  Events

	mu     sync.RWMutex
	client mqtt.Client
}

// NewSession returns a disconnected session for one account.
func NewSession(account string, events Events) *Session {
	return &Session{account: account, broker: BrokerURL, events: events}
}

// Connect dials the broker with the given JWT and subscribes to the
// response topics of every listed device. Any previous connection is torn
// down first.
func (s *Session) Connect(ctx context.Context, jwtToken string, macs []string) error {
	const op = "cloud connect"

	s.Disconnect()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.broker)
	opts.SetClientID(randomClientID())
	opts.SetUsername(jwtToken)
	opts.SetPassword(brokerPassword)
	opts.SetProtocolVersion(4) // MQTT 3.1.1
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.SessionConnected(false)
		logger.LogWarn("Cloud session for %s lost: %v", s.account, err)
		if s.events.OnConnectionLost != nil {
			s.events.OnConnectionLost(err)
		}
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return errors.Transient(op, ctx.Err()).WithAccount(s.account)
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		if isCredentialRefusal(err) {
			// CONNACK refused the JWT; retrying with the same token
			// cannot succeed.
			return errors.AuthRejected(op, err).WithAccount(s.account)
		}
		return errors.Transient(op, err).WithAccount(s.account)
	}

	if err := s.subscribe(client, macs); err != nil {
		client.Disconnect(disconnectWait)
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	metrics.SessionConnected(true)
	logger.LogInfo("✅ Cloud session up for %s (%d devices)", s.account, len(macs))
	return nil
}

// subscribe issues one SUBSCRIBE covering every device's response filters
// at QoS 0. A refused or timed-out subscription fails the whole connect
// attempt; a half-subscribed session would silently drop frames.
func (s *Session) subscribe(client mqtt.Client, macs []string) error {
	const op = "cloud subscribe"

	if len(macs) == 0 {
		logger.LogWarn("Account %s has no devices, nothing to subscribe to", s.account)
		return nil
	}

	filters := make(map[string]byte, len(macs)*2)
	for _, mac := range macs {
		for _, filter := range topics.CloudResponseFilters(mac) {
			filters[filter] = 0
		}
	}

	token := client.SubscribeMultiple(filters, s.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		return errors.Transient(op, fmt.Errorf("subscribe timed out after %s", connectTimeout)).WithAccount(s.account)
	}
	if err := token.Error(); err != nil {
		return errors.Transient(op, err).WithAccount(s.account)
	}

	logger.LogDebug("📡 Subscribed to %d filters for %s", len(filters), s.account)
	return nil
}

// onMessage routes one inbound message by topic. The payload is the raw
// Modbus frame; decoding happens downstream.
func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	mac, route, err := topics.ParseCloudResponseTopic(msg.Topic())
	if err != nil {
		logger.LogDebug("Dropping message on unroutable topic %s: %v", msg.Topic(), err)
		return
	}
	if s.events.OnFrame != nil {
		s.events.OnFrame(mac, route, msg.Payload())
	}
}

// Publish sends one raw frame to the device's request topic at QoS 0.
func (s *Session) Publish(mac string, frame []byte) error {
	const op = "cloud publish"

	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil || !client.IsConnected() {
		return errors.Transient(op, fmt.Errorf("session not connected")).WithAccount(s.account).WithDevice(mac)
	}

	token := client.Publish(topics.CloudRequestTopic(mac), 0, false, frame)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Transient(op, fmt.Errorf("publish timed out after %s", publishTimeout)).WithAccount(s.account).WithDevice(mac)
	}
	if err := token.Error(); err != nil {
		return errors.Transient(op, err).WithAccount(s.account).WithDevice(mac)
	}
	return nil
}

// IsConnected reports whether the session currently holds a live broker
// connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsConnected()
}

// Disconnect tears the session down deliberately, without firing the
// connection-lost event. Safe to call on an already-disconnected session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectWait)
		metrics.SessionConnected(false)
		logger.LogDebug("Cloud session for %s closed", s.account)
	}
}

// isCredentialRefusal reports whether a connect failure is the broker
// refusing the credentials (CONNACK return code 4 or 5) rather than a
// network-level problem.
func isCredentialRefusal(err error) bool {
	return errors.Is(err, packets.ConnErrors[packets.ErrRefusedNotAuthorised]) ||
		errors.Is(err, packets.ConnErrors[packets.ErrRefusedBadUsernameOrPassword])
}

// randomClientID mirrors the vendor app, which presents a fresh random id
// on every connect. Reusing an id across reconnects would make the broker
// kick the older half of the pair.
func randomClientID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fossibot_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
