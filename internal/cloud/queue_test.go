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

// uplinkRecorder stands in for the session publish path. failures sets how
// many publishes fail before the rest succeed.
type uplinkRecorder struct {
	mu        sync.Mutex
	connected bool
	failures  int
	calls     []string
	sent      []string
	sendTimes []time.Time
}

func newUplinkRecorder(connected bool) *uplinkRecorder {
	return &uplinkRecorder{connected: connected}
}

func (u *uplinkRecorder) publish(mac string, frame []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := fmt.Sprintf("%s:%x", mac, frame)
	u.calls = append(u.calls, key)
	if u.failures > 0 {
		u.failures--
		return errors.Transient("cloud publish", fmt.Errorf("broker unavailable"))
	}
	u.sent = append(u.sent, key)
	u.sendTimes = append(u.sendTimes, time.Now())
	return nil
}

func (u *uplinkRecorder) isConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *uplinkRecorder) setConnected(up bool) {
	u.mu.Lock()
	u.connected = up
	u.mu.Unlock()
}

func (u *uplinkRecorder) sentList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.sent...)
}

func (u *uplinkRecorder) callList() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *uplinkRecorder) waitSent(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(u.sentList()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %v", n, u.sentList())
}

// stepClock is a manually advanced clock for expectation tests.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const testMAC = "7C2C67AB5F0E"

func TestQueueSendsInOrder(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, false)
	q.Enqueue(testMAC, []byte{0x02}, false)
	q.Enqueue("AABBCCDDEE11", []byte{0x03}, false)

	u.waitSent(t, 3)
	want := []string{testMAC + ":01", testMAC + ":02", "AABBCCDDEE11:03"}
	if got := u.sentList(); !reflect.DeepEqual(got, want) {
		t.Errorf("send order = %v, expected %v", got, want)
	}
	if depth := q.Depth(); depth != 0 {
		t.Errorf("Depth() = %d after flush, expected 0", depth)
	}
}

func TestQueuePacesUplink(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, false)
	q.Enqueue(testMAC, []byte{0x02}, false)

	u.waitSent(t, 2)
	u.mu.Lock()
	gap := u.sendTimes[1].Sub(u.sendTimes[0])
	u.mu.Unlock()
	if gap < commandGap-50*time.Millisecond {
		t.Errorf("inter-command gap = %s, expected about %s", gap, commandGap)
	}
}

func TestQueueHoldsWhileDisconnected(t *testing.T) {
	u := newUplinkRecorder(false)
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, false)
	q.Enqueue(testMAC, []byte{0x02}, false)

	time.Sleep(50 * time.Millisecond)
	if sent := u.sentList(); len(sent) != 0 {
		t.Fatalf("sent %v while disconnected", sent)
	}
	if depth := q.Depth(); depth != 2 {
		t.Fatalf("Depth() = %d while disconnected, expected 2", depth)
	}

	u.setConnected(true)
	q.NotifyConnected()

	u.waitSent(t, 2)
	want := []string{testMAC + ":01", testMAC + ":02"}
	if got := u.sentList(); !reflect.DeepEqual(got, want) {
		t.Errorf("flush order = %v, expected %v", got, want)
	}
}

func TestFailedPublishKeepsHead(t *testing.T) {
	u := newUplinkRecorder(true)
	u.failures = 1
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, false)
	q.Enqueue(testMAC, []byte{0x02}, false)

	u.waitSent(t, 2)
	calls := u.callList()
	if len(calls) != 3 {
		t.Fatalf("publish calls = %v, expected a retry of the head", calls)
	}
	if calls[0] != calls[1] {
		t.Errorf("retried item = %s, expected the failed head %s", calls[1], calls[0])
	}
	want := []string{testMAC + ":01", testMAC + ":02"}
	if got := u.sentList(); !reflect.DeepEqual(got, want) {
		t.Errorf("send order = %v, expected %v", got, want)
	}
}

func TestImmediateCommandArmsExpectation(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, true)
	u.waitSent(t, 1)

	armed := false
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.ConsumeExpectation(testMAC) {
			armed = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !armed {
		t.Fatal("immediate command never armed an expectation")
	}
	if q.ConsumeExpectation(testMAC) {
		t.Error("expectation should be one-shot")
	}
}

func TestPlainCommandArmsNothing(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, false)
	u.waitSent(t, 1)
	time.Sleep(20 * time.Millisecond)

	if q.ConsumeExpectation(testMAC) {
		t.Error("non-immediate command should not arm an expectation")
	}
}

func TestExpectationDecays(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)
	clock := &stepClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	q.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(testMAC, []byte{0x01}, true)
	u.waitSent(t, 1)

	deadline := time.Now().Add(time.Second)
	for {
		q.mu.Lock()
		_, armed := q.expect[testMAC]
		q.mu.Unlock()
		if armed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expectation never armed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	clock.advance(expectationWindow + time.Second)
	if q.ConsumeExpectation(testMAC) {
		t.Error("expectation should have decayed")
	}
}

func TestConsumeUnknownMAC(t *testing.T) {
	u := newUplinkRecorder(true)
	q := NewQueue("user@example.com", u.publish, u.isConnected)
	if q.ConsumeExpectation(testMAC) {
		t.Error("expectation for an unknown device should be false")
	}
}
