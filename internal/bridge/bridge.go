// Package bridge assembles the daemon: one cloud session, queue and
// reconnect supervisor per enabled account, the shared local broker client,
// and the state projector between them.
package bridge

import (
	"context"
	"sync"
	"time"

	"fossibot-bridge/internal/auth"
	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/cloud"
	"fossibot-bridge/internal/config"
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/modbus"
	"fossibot-bridge/internal/mqtt"
	"fossibot-bridge/internal/state"
	"fossibot-bridge/internal/topics"
)

// Bridge owns every long-lived component and the device-to-account map.
type Bridge struct {
	cfg    *config.Config
	delays []time.Duration

	local     *mqtt.Client
	projector *state.Projector
	accounts  []*account

	mu        sync.RWMutex
	byMAC     map[string]*account
	devices   map[string]cache.Device
	lastFrame time.Time

	startTime time.Time
	wg        sync.WaitGroup
}

// account bundles the per-account moving parts. The supervisor is the only
// caller of connect after startup, so session teardown never races a
// rebuild.
type account struct {
	auth    *auth.Authenticator
	session *cloud.Session
	queue   *cloud.Queue
	sup     *cloud.Supervisor

	mu   sync.Mutex
	macs []string
}

func (a *account) setMACs(macs []string) {
	a.mu.Lock()
	a.macs = macs
	a.mu.Unlock()
}

func (a *account) deviceMACs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.macs...)
}

// New wires a bridge from the configuration. Nothing connects until Start.
func New(cfg *config.Config) *Bridge {
	delays := cloud.ClampBackoff(cloud.DefaultBackoff(),
		time.Duration(cfg.Bridge.ReconnectDelayMin)*time.Second,
		time.Duration(cfg.Bridge.ReconnectDelayMax)*time.Second)

	b := &Bridge{
		cfg:       cfg,
		delays:    delays,
		byMAC:     make(map[string]*account),
		devices:   make(map[string]cache.Device),
		startTime: time.Now(),
	}
	b.local = mqtt.NewClient(cfg.Mosquitto, delays, b.onLocalCommand)
	b.projector = state.NewProjector(b.publishState)

	tokens := cache.NewTokenCache(cfg.Cache.Directory,
		time.Duration(cfg.Cache.TokenTTLSafetyMargin)*time.Second,
		time.Duration(cfg.Cache.MaxTokenTTL)*time.Second)
	deviceCache := cache.NewDeviceCache(cfg.Cache.Directory,
		time.Duration(cfg.Cache.DeviceListTTL)*time.Second)

	for _, ac := range cfg.EnabledAccounts() {
		b.accounts = append(b.accounts, b.newAccount(ac, tokens, deviceCache))
	}
	return b
}

// newAccount builds one account's session, queue and supervisor and wires
// them together through closures.
func (b *Bridge) newAccount(ac config.AccountConfig, tokens *cache.TokenCache, devices *cache.DeviceCache) *account {
	acct := &account{
		auth: auth.NewAuthenticator(ac.Email, ac.Password, tokens, devices),
	}
	acct.session = cloud.NewSession(ac.Email, cloud.Events{
		OnConnectionLost: func(err error) { acct.sup.ConnectionLost(err) },
		OnFrame: func(mac string, route topics.Route, payload []byte) {
			b.handleFrame(acct, mac, route, payload)
		},
	})
	acct.queue = cloud.NewQueue(ac.Email, acct.session.Publish, acct.session.IsConnected)
	acct.sup = cloud.NewSupervisor(cloud.SupervisorConfig{
		Account: ac.Email,
		Delays:  b.delays,
		Connect: func(ctx context.Context, tier cloud.Tier) error {
			return b.connectAccount(ctx, acct, tier)
		},
		Invalidate: acct.auth.InvalidateSession,
		OnTerminal: func(err error) {
			logger.LogError("Account %s is parked until a device command arrives", ac.Email)
		},
	})
	return acct
}

// Start connects the local broker, brings up every account and launches the
// background workers. A local broker failure or an unrecoverable account
// failure aborts startup; network trouble on an account only starts it
// degraded under its supervisor.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.local.Connect(ctx); err != nil {
		return err
	}

	for _, acct := range b.accounts {
		if err := b.startAccount(ctx, acct); err != nil {
			return err
		}
	}

	for _, acct := range b.accounts {
		b.goRun(ctx, acct.queue.Run)
		b.goRun(ctx, acct.sup.Run)
	}
	b.goRun(ctx, b.local.Run)
	b.goRun(ctx, b.statusLoop)

	logger.LogInfo("🚀 Bridge up: %d account(s), %d device(s)", len(b.accounts), b.DeviceCount())
	return nil
}

func (b *Bridge) goRun(ctx context.Context, fn func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

func (b *Bridge) startAccount(ctx context.Context, acct *account) error {
	err := b.connectAccount(ctx, acct, cloud.TierSimple)
	if err == nil {
		return nil
	}
	if isFatalStartup(err) {
		return err
	}
	errors.Handle(err)
	logger.LogWarn("Account %s starts degraded, recovery takes over", acct.auth.Account())
	acct.sup.ConnectionLost(err)
	return nil
}

// isFatalStartup separates configuration-class failures, which must surface
// to the operator immediately, from network weather the supervisor can wait
// out.
func isFatalStartup(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindAuthRejected, errors.KindBadInput, errors.KindPersistenceError, errors.KindTerminal:
		return true
	default:
		return false
	}
}

// connectAccount runs one full connect: MQTT token, device list, dial plus
// subscribe, then a queue flush and a state snapshot request for every
// device. Serves both startup and supervisor reconnects. A full re-auth
// drops the session tokens first and bypasses the device cache, rerunning
// all four auth stages against the cloud.
func (b *Bridge) connectAccount(ctx context.Context, acct *account, tier cloud.Tier) error {
	if tier == cloud.TierReauth {
		acct.auth.InvalidateSession()
	}

	token, err := acct.auth.MQTTToken(ctx)
	if err != nil {
		return err
	}

	var devices []cache.Device
	if tier == cloud.TierReauth {
		devices, err = acct.auth.RefreshDevices(ctx)
	} else {
		devices, err = acct.auth.Devices(ctx)
	}
	if err != nil {
		return err
	}
	b.registerDevices(acct, devices)

	if err := acct.session.Connect(ctx, token, acct.deviceMACs()); err != nil {
		return err
	}

	acct.queue.NotifyConnected()
	b.requestSnapshots(acct)
	return nil
}

// registerDevices records the account's devices in the routing map. The map
// is additive: a device missing from a later discovery keeps its routing
// until restart.
func (b *Bridge) registerDevices(acct *account, devices []cache.Device) {
	macs := make([]string, 0, len(devices))

	b.mu.Lock()
	var added []cache.Device
	for _, dev := range devices {
		macs = append(macs, dev.MAC)
		if _, known := b.devices[dev.MAC]; !known {
			added = append(added, dev)
		}
		b.byMAC[dev.MAC] = acct
		b.devices[dev.MAC] = dev
	}
	count := len(b.devices)
	b.mu.Unlock()

	acct.setMACs(macs)
	metrics.SetDeviceCount(count)
	for _, dev := range added {
		logger.LogInfo("📱 Device %s (%s) on %s", dev.MAC, deviceLabel(dev), acct.auth.Account())
	}
}

func deviceLabel(dev cache.Device) string {
	switch {
	case dev.Name != "":
		return dev.Name
	case dev.ProductName != "":
		return dev.ProductName
	default:
		return "unnamed"
	}
}

// requestSnapshots queues a full read of both register tables for every
// device so fresh state flows right after a connect.
func (b *Bridge) requestSnapshots(acct *account) {
	for _, mac := range acct.deviceMACs() {
		for _, cmd := range []*modbus.Command{modbus.NewReadAllInput(), modbus.NewReadAllHolding()} {
			acct.queue.Enqueue(mac, cmd.Frame(), cmd.ResponseClass() == modbus.ResponseImmediate)
		}
	}
}

// Stop tears the bridge down: cloud sessions first so no frames arrive mid
// teardown, then the local broker with its retained offline marker. Bounded
// by timeout; a hung broker cannot hold the process.
func (b *Bridge) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, acct := range b.accounts {
			acct.session.Disconnect()
		}
		b.local.Close()
		b.wg.Wait()
	}()

	select {
	case <-done:
		logger.LogInfo("Bridge stopped")
	case <-time.After(timeout):
		logger.LogWarn("Bridge shutdown timed out after %s", timeout)
	}
}

func (b *Bridge) accountFor(mac string) *account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byMAC[mac]
}

func (b *Bridge) noteFrame() {
	b.mu.Lock()
	b.lastFrame = time.Now()
	b.mu.Unlock()
}
