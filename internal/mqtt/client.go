// Package mqtt holds the local-broker side of the bridge: the Mosquitto
// client, the bridge status topic and the per-device state topics.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/topics"
)

const (
	livenessInterval = 30 * time.Second
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	disconnectWait   = 250 // ms
)

// CommandHandler receives device commands arriving on the local broker.
// The payload is the raw message body; parsing happens upstream.
type CommandHandler func(mac string, payload []byte)

// Client wraps the connection to the local Mosquitto broker. Recovery is
// driven by Run: a lost connection is redialed with backoff, and a
// periodic liveness check catches half-open connections that never fire
// the lost handler. The command subscription is re-established on every
// connect.
type Client struct {
	cfg       config.MosquittoConfig
	delays    []time.Duration
	onCommand CommandHandler

	client mqtt.Client

	mu        sync.Mutex
	connected bool

	kick chan struct{}
}

// NewClient prepares a disconnected local-broker client. delays is the
// reconnect backoff ladder; onCommand may be nil when command handling is
// not wired yet.
func NewClient(cfg config.MosquittoConfig, delays []time.Duration, onCommand CommandHandler) *Client {
	c := &Client{
		cfg:       cfg,
		delays:    delays,
		onCommand: onCommand,
		kick:      make(chan struct{}, 1),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	// The broker announces our death for us; a clean shutdown overwrites
	// this in Close.
	opts.SetWill(topics.BridgeStatusTopic(), "offline", 0, true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect dials the broker once. Reconnection after a mid-life loss is
// Run's job; a startup failure surfaces to the caller.
func (c *Client) Connect(ctx context.Context) error {
	const op = "local connect"

	token := c.client.Connect()
	select {
	case <-ctx.Done():
		return errors.Transient(op, ctx.Err())
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.Transient(op, fmt.Errorf("broker %s:%d: %w", c.cfg.Host, c.cfg.Port, err))
	}
	return nil
}

// IsConnected reports whether the broker connection is currently live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client.IsConnected()
}

// PublishState sends one device state document. Not retained: consumers
// that join late wait for the periodic republish.
func (c *Client) PublishState(mac string, payload []byte) error {
	return c.publish(topics.DeviceStateTopic(mac), payload, false)
}

// PublishStatus writes the retained bridge status topic.
func (c *Client) PublishStatus(payload []byte) error {
	return c.publish(topics.BridgeStatusTopic(), payload, true)
}

func (c *Client) publish(topic string, payload []byte, retained bool) error {
	const op = "local publish"

	if !c.IsConnected() {
		metrics.RecordLocalPublish(false)
		return errors.Transient(op, fmt.Errorf("not connected to local broker"))
	}

	token := c.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.RecordLocalPublish(false)
		return errors.Transient(op, fmt.Errorf("publish to %s timed out after %s", topic, publishTimeout))
	}
	if err := token.Error(); err != nil {
		metrics.RecordLocalPublish(false)
		return errors.Transient(op, fmt.Errorf("publish to %s: %w", topic, err))
	}

	metrics.RecordLocalPublish(true)
	return nil
}

// Run watches broker liveness until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsConnected() {
				continue
			}
			logger.LogWarn("Local broker liveness check failed")
			c.reconnect(ctx)
		case <-c.kick:
			c.reconnect(ctx)
		}
	}
}

// reconnect redials until the broker is back or ctx ends. The local broker
// has no credential tiers, so unlike the cloud supervisor there is no
// terminal state; a dead Mosquitto just keeps the bridge degraded.
func (c *Client) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil || c.IsConnected() {
			return
		}

		delay := c.delays[min(attempt-1, len(c.delays)-1)]
		logger.LogInfo("🔄 Local broker reconnect attempt %d in %s", attempt, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			errors.Handle(err)
			continue
		}
		logger.LogInfo("✅ Local broker connection restored after %d attempt(s)", attempt)
		return
	}
}

// Close publishes the retained offline status and disconnects. The
// last-will only covers ungraceful exits, so a clean shutdown writes the
// status itself.
func (c *Client) Close() {
	if c.IsConnected() {
		token := c.client.Publish(topics.BridgeStatusTopic(), 0, true, []byte("offline"))
		token.WaitTimeout(2 * time.Second)
		c.client.Disconnect(disconnectWait)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	logger.LogInfo("Local broker connection closed")
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	logger.LogInfo("✅ Connected to local broker %s:%d", c.cfg.Host, c.cfg.Port)

	token := client.Publish(topics.BridgeStatusTopic(), 0, true, []byte("online"))
	if token.WaitTimeout(publishTimeout) && token.Error() == nil {
		metrics.RecordLocalPublish(true)
		logger.LogDebug("📡 Published bridge status: online")
	} else {
		metrics.RecordLocalPublish(false)
		logger.LogWarn("Could not publish online status: %v", token.Error())
	}

	filter := topics.CommandSubscriptionFilter()
	token = client.Subscribe(filter, 0, c.onCommandMessage)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		logger.LogError("Could not subscribe to %s, device commands will not flow: %v", filter, token.Error())
		return
	}
	logger.LogInfo("📡 Subscribed to %s", filter)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	logger.LogWarn("Local broker connection lost: %v", err)

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) onCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	mac, err := topics.ParseCommandTopic(msg.Topic())
	if err != nil {
		logger.LogWarn("Ignoring command on topic %s: %v", msg.Topic(), err)
		return
	}
	if c.onCommand != nil {
		c.onCommand(mac, msg.Payload())
	}
}
