package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
)

// DefaultMaxAttempts is the attempt budget of one recovery episode. Once
// spent, the supervisor goes terminal and waits for an external poke.
const DefaultMaxAttempts = 10

// DefaultBackoff returns the reconnect delay ladder. Attempts past the
// last rung reuse it.
func DefaultBackoff() []time.Duration {
	return []time.Duration{
		5 * time.Second,
		10 * time.Second,
		15 * time.Second,
		30 * time.Second,
		45 * time.Second,
		60 * time.Second,
	}
}

// ClampBackoff bounds every rung of the ladder to [lo, hi]. A zero bound
// leaves that side open.
func ClampBackoff(ladder []time.Duration, lo, hi time.Duration) []time.Duration {
	out := make([]time.Duration, len(ladder))
	for i, d := range ladder {
		if lo > 0 && d < lo {
			d = lo
		}
		if hi > 0 && d > hi {
			d = hi
		}
		out[i] = d
	}
	return out
}

// Tier selects how much state a reconnect attempt rebuilds. A simple
// reconnect reuses the cached tokens; a full re-auth drops the account's
// session tokens and reruns the auth chain first.
type Tier int

const (
	TierSimple Tier = iota + 1
	TierReauth
)

func (t Tier) String() string {
	switch t {
	case TierSimple:
		return "simple"
	case TierReauth:
		return "full re-auth"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// escalation tracks the attempt count and tier of one recovery episode.
// Any failure escalates the following attempt to a full re-auth, and tier
// 2 keeps retrying as tier 2 until the budget runs out.
type escalation struct {
	delays      []time.Duration
	maxAttempts int

	attempts int
	reauth   bool
}

// next reserves the upcoming attempt and returns its tier and pre-attempt
// delay. ok is false once the attempt budget is exhausted.
func (e *escalation) next() (tier Tier, delay time.Duration, ok bool) {
	if e.attempts >= e.maxAttempts {
		return 0, 0, false
	}
	e.attempts++
	delay = e.delays[min(e.attempts-1, len(e.delays)-1)]
	if e.reauth {
		return TierReauth, delay, true
	}
	return TierSimple, delay, true
}

// failed records a failed attempt.
func (e *escalation) failed() {
	e.reauth = true
}

// forceReauth makes the next attempt a full re-auth regardless of history.
func (e *escalation) forceReauth() {
	e.reauth = true
}

// SupervisorConfig wires a Supervisor to one account's session.
type SupervisorConfig struct {
	Account     string
	Delays      []time.Duration
	MaxAttempts int

	// Connect performs one reconnect attempt at the given tier. It owns
	// token fetching, dialing and resubscribing.
	Connect func(ctx context.Context, tier Tier) error
	// Invalidate drops the account's login and mqtt tokens. Called as soon
	// as the broker rejects credentials.
	Invalidate func()
	// OnTerminal fires once when the attempt budget is exhausted.
	OnTerminal func(err error)
}

// Supervisor drives reconnection for one account's cloud session. It owns
// the only goroutine that calls Connect, so teardown and rebuild never
// race.
type Supervisor struct {
	cfg SupervisorConfig

	lost chan error
	poke chan struct{}

	mu       sync.Mutex
	terminal bool
}

// NewSupervisor returns an idle supervisor; call Run to start it.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if len(cfg.Delays) == 0 {
		cfg.Delays = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Supervisor{
		cfg:  cfg,
		lost: make(chan error, 8),
		poke: make(chan struct{}, 1),
	}
}

// ConnectionLost schedules a recovery episode. Safe to call from paho
// callbacks. While the supervisor is terminal the notification is dropped;
// only Poke revives it.
func (s *Supervisor) ConnectionLost(err error) {
	select {
	case s.lost <- err:
	default:
		// an episode is already pending, the extra cause is redundant
	}
}

// Poke restarts a terminal supervisor with a fresh attempt budget. Poking
// a non-terminal supervisor just triggers a reconnect episode.
func (s *Supervisor) Poke() {
	s.mu.Lock()
	s.terminal = false
	s.mu.Unlock()
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Terminal reports whether the supervisor has given up and waits for a
// poke.
func (s *Supervisor) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Run processes loss notifications until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause := <-s.lost:
			if s.Terminal() {
				logger.LogDebug("Supervisor for %s is terminal, ignoring loss notification", s.cfg.Account)
				continue
			}
			s.recover(ctx, cause)
		case <-s.poke:
			s.recover(ctx, nil)
		}
	}
}

// recover runs reconnect attempts until one succeeds or the budget is
// spent. A credential rejection, whether it caused the episode or failed
// an attempt in it, invalidates the session tokens right away and forces
// full re-auth from then on.
func (s *Supervisor) recover(ctx context.Context, cause error) {
	esc := escalation{delays: s.cfg.Delays, maxAttempts: s.cfg.MaxAttempts}
	if errors.IsKind(cause, errors.KindAuthRejected) {
		s.invalidate()
		esc.forceReauth()
	}

	for {
		tier, delay, ok := esc.next()
		if !ok {
			s.giveUp(cause)
			return
		}

		logger.LogInfo("🔄 Reconnect for %s: %s attempt %d/%d in %s",
			s.cfg.Account, tier, esc.attempts, esc.maxAttempts, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		metrics.RecordReconnect(int(tier))
		err := s.cfg.Connect(ctx, tier)
		if err == nil {
			logger.LogInfo("✅ Cloud session for %s recovered after %d attempt(s)", s.cfg.Account, esc.attempts)
			s.drainLost()
			return
		}
		if ctx.Err() != nil {
			return
		}

		errors.Handle(err)
		cause = err
		if errors.IsKind(err, errors.KindAuthRejected) {
			s.invalidate()
		}
		esc.failed()
	}
}

// giveUp marks the supervisor terminal. It stays quiescent until poked.
func (s *Supervisor) giveUp(cause error) {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()

	err := errors.Terminal("cloud recovery",
		fmt.Errorf("gave up after %d attempts: %w", s.cfg.MaxAttempts, cause)).WithAccount(s.cfg.Account)
	errors.Handle(err)
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(err)
	}
}

// drainLost discards notifications raised by the session generation that
// was just replaced.
func (s *Supervisor) drainLost() {
	for {
		select {
		case <-s.lost:
		default:
			return
		}
	}
}

func (s *Supervisor) invalidate() {
	if s.cfg.Invalidate != nil {
		s.cfg.Invalidate()
	}
}
