package bridge

import (
	"context"
	"encoding/json"
	"time"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/state"
)

// statusDocument is the periodic JSON heartbeat published retained on the
// bridge status topic between the plain online/offline markers.
type statusDocument struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  int       `json:"uptime_seconds"`
	Accounts       int       `json:"accounts"`
	CloudConnected int       `json:"cloud_sessions_connected"`
	CloudTotal     int       `json:"cloud_sessions_total"`
	Devices        int       `json:"devices"`
	QueuedCommands int       `json:"queued_commands"`
}

// publishState mirrors one device snapshot to its local state topic. Fires
// from the projector after every applied update and from the periodic
// republish.
func (b *Bridge) publishState(mac string, snap state.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		errors.Handle(errors.Protocol("encode state", err).WithDevice(mac))
		return
	}
	if err := b.local.PublishState(mac, payload); err != nil {
		errors.Handle(err)
	}
}

// statusLoop republishes the status document and every device snapshot at
// the configured interval, so late subscribers catch up without waiting for
// device traffic.
func (b *Bridge) statusLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.Bridge.StatusPublishInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStatus()
			for mac, snap := range b.projector.Snapshots() {
				b.publishState(mac, snap)
			}
		}
	}
}

func (b *Bridge) publishStatus() {
	connected, total := b.CloudSessions()
	doc := statusDocument{
		Status:         "online",
		Timestamp:      time.Now(),
		UptimeSeconds:  int(time.Since(b.startTime).Seconds()),
		Accounts:       len(b.accounts),
		CloudConnected: connected,
		CloudTotal:     total,
		Devices:        b.DeviceCount(),
		QueuedCommands: b.queuedCommands(),
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		errors.Handle(errors.Protocol("encode status", err))
		return
	}
	if err := b.local.PublishStatus(payload); err != nil {
		errors.Handle(err)
	}
}

func (b *Bridge) queuedCommands() int {
	depth := 0
	for _, acct := range b.accounts {
		depth += acct.queue.Depth()
	}
	return depth
}

// LocalConnected implements health.Checker
func (b *Bridge) LocalConnected() bool {
	return b.local.IsConnected()
}

// CloudSessions implements health.Checker
func (b *Bridge) CloudSessions() (connected, total int) {
	total = len(b.accounts)
	for _, acct := range b.accounts {
		if acct.session.IsConnected() {
			connected++
		}
	}
	return connected, total
}

// DeviceCount implements health.Checker
func (b *Bridge) DeviceCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.devices)
}

// LastFrameTime implements health.Checker
func (b *Bridge) LastFrameTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastFrame
}
