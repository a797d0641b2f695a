package cloud

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"fossibot-bridge/internal/errors"
)

func TestEscalationDelayLadder(t *testing.T) {
	delays := DefaultBackoff()
	esc := escalation{delays: delays, maxAttempts: 10}

	for n := 1; n <= 10; n++ {
		_, delay, ok := esc.next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", n)
		}
		idx := n - 1
		if idx >= len(delays) {
			idx = len(delays) - 1
		}
		if delay != delays[idx] {
			t.Errorf("attempt %d: delay = %s, expected %s", n, delay, delays[idx])
		}
		esc.failed()
	}
	if _, _, ok := esc.next(); ok {
		t.Error("attempt 11 should be refused")
	}
}

func TestEscalationTierForcing(t *testing.T) {
	esc := escalation{delays: []time.Duration{0}, maxAttempts: 10}

	tier, _, _ := esc.next()
	if tier != TierSimple {
		t.Errorf("first attempt tier = %s, expected simple", tier)
	}
	esc.failed()

	tier, _, _ = esc.next()
	if tier != TierReauth {
		t.Errorf("attempt after a simple failure = %s, expected full re-auth", tier)
	}
	esc.failed()

	tier, _, _ = esc.next()
	if tier != TierReauth {
		t.Errorf("attempt after a re-auth failure = %s, expected full re-auth", tier)
	}
}

func TestEscalationForceReauth(t *testing.T) {
	esc := escalation{delays: []time.Duration{0}, maxAttempts: 10}
	esc.forceReauth()
	if tier, _, _ := esc.next(); tier != TierReauth {
		t.Errorf("forced first attempt tier = %s, expected full re-auth", tier)
	}
}

func TestClampBackoff(t *testing.T) {
	second := time.Second
	tests := []struct {
		name     string
		lo, hi   time.Duration
		expected []time.Duration
	}{
		{"both bounds", 10 * second, 30 * second,
			[]time.Duration{10 * second, 10 * second, 15 * second, 30 * second, 30 * second, 30 * second}},
		{"lower only", 20 * second, 0,
			[]time.Duration{20 * second, 20 * second, 20 * second, 30 * second, 45 * second, 60 * second}},
		{"upper only", 0, 15 * second,
			[]time.Duration{5 * second, 10 * second, 15 * second, 15 * second, 15 * second, 15 * second}},
		{"unbounded", 0, 0,
			[]time.Duration{5 * second, 10 * second, 15 * second, 30 * second, 45 * second, 60 * second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampBackoff(DefaultBackoff(), tt.lo, tt.hi)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("ClampBackoff() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

// supervisorHarness records supervisor activity and scripts the outcome of
// each connect attempt. An empty outcome list means every attempt succeeds.
type supervisorHarness struct {
	mu       sync.Mutex
	events   []string
	outcomes []error

	recovered chan struct{}
	terminal  chan error
}

func newSupervisorHarness(outcomes ...error) *supervisorHarness {
	return &supervisorHarness{
		outcomes:  outcomes,
		recovered: make(chan struct{}, 4),
		terminal:  make(chan error, 1),
	}
}

func (h *supervisorHarness) connect(_ context.Context, tier Tier) error {
	h.mu.Lock()
	h.events = append(h.events, fmt.Sprintf("connect:%d", int(tier)))
	var err error
	if len(h.outcomes) > 0 {
		err = h.outcomes[0]
		h.outcomes = h.outcomes[1:]
	}
	h.mu.Unlock()

	if err == nil {
		h.recovered <- struct{}{}
	}
	return err
}

func (h *supervisorHarness) invalidate() {
	h.mu.Lock()
	h.events = append(h.events, "invalidate")
	h.mu.Unlock()
}

func (h *supervisorHarness) onTerminal(err error) {
	h.terminal <- err
}

func (h *supervisorHarness) log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newTestSupervisor(h *supervisorHarness, maxAttempts int) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Account:     "user@example.com",
		Delays:      []time.Duration{time.Millisecond},
		MaxAttempts: maxAttempts,
		Connect:     h.connect,
		Invalidate:  h.invalidate,
		OnTerminal:  h.onTerminal,
	})
}

func dialRefused() error {
	return errors.Transient("cloud connect", fmt.Errorf("dial refused"))
}

func notAuthorized() error {
	return errors.AuthRejected("cloud connect", fmt.Errorf("not authorized"))
}

func TestRecoveryEscalatesAfterFailures(t *testing.T) {
	h := newSupervisorHarness(dialRefused(), dialRefused())
	sup := newTestSupervisor(h, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.ConnectionLost(fmt.Errorf("EOF"))

	select {
	case <-h.recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never completed")
	}

	want := []string{"connect:1", "connect:2", "connect:2"}
	if got := h.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("event log = %v, expected %v", got, want)
	}
}

func TestAuthRejectedLossForcesReauth(t *testing.T) {
	h := newSupervisorHarness()
	sup := newTestSupervisor(h, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.ConnectionLost(notAuthorized())

	select {
	case <-h.recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never completed")
	}

	// Tokens are dropped before the first attempt, which starts at tier 2.
	want := []string{"invalidate", "connect:2"}
	if got := h.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("event log = %v, expected %v", got, want)
	}
}

func TestAuthRejectedAttemptInvalidates(t *testing.T) {
	h := newSupervisorHarness(notAuthorized())
	sup := newTestSupervisor(h, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.ConnectionLost(fmt.Errorf("EOF"))

	select {
	case <-h.recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never completed")
	}

	want := []string{"connect:1", "invalidate", "connect:2"}
	if got := h.log(); !reflect.DeepEqual(got, want) {
		t.Errorf("event log = %v, expected %v", got, want)
	}
}

func TestTerminalAfterBudgetThenPoke(t *testing.T) {
	h := newSupervisorHarness(dialRefused(), dialRefused(), dialRefused())
	sup := newTestSupervisor(h, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.ConnectionLost(fmt.Errorf("EOF"))

	var termErr error
	select {
	case termErr = <-h.terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback never fired")
	}
	if !errors.IsKind(termErr, errors.KindTerminal) {
		t.Errorf("terminal error kind = %v, expected Terminal", errors.KindOf(termErr))
	}
	if !sup.Terminal() {
		t.Error("supervisor should report terminal")
	}

	// Loss notifications are ignored while terminal.
	attempts := len(h.log())
	sup.ConnectionLost(fmt.Errorf("EOF"))
	time.Sleep(50 * time.Millisecond)
	if got := len(h.log()); got != attempts {
		t.Errorf("terminal supervisor made %d extra attempts", got-attempts)
	}

	// A poke revives it with a fresh budget; the next attempt succeeds.
	sup.Poke()
	select {
	case <-h.recovered:
	case <-time.After(2 * time.Second):
		t.Fatal("poked supervisor never reconnected")
	}
	if sup.Terminal() {
		t.Error("supervisor should have left the terminal state")
	}
}

func TestShutdownCancelsPendingDelay(t *testing.T) {
	h := newSupervisorHarness(dialRefused())
	sup := NewSupervisor(SupervisorConfig{
		Account:     "user@example.com",
		Delays:      []time.Duration{time.Hour},
		MaxAttempts: 3,
		Connect:     h.connect,
		Invalidate:  h.invalidate,
		OnTerminal:  h.onTerminal,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	sup.ConnectionLost(fmt.Errorf("EOF"))
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop while waiting out a backoff delay")
	}
	if got := len(h.log()); got != 0 {
		t.Errorf("supervisor made %d attempts during a cancelled delay", got)
	}
}
