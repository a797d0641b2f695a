package cloud

import (
	"context"
	"sync"
	"time"

	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
)

// Uplink pacing and bounds. The device firmware wedges when commands
// arrive back to back, hence the enforced gap between publishes.
const (
	commandGap         = 200 * time.Millisecond
	publishRetryGap    = time.Second
	depthWarnThreshold = 32

	// expectationWindow bounds how long after sending an immediate-class
	// command its response frame is still attributed to that command.
	expectationWindow = 5 * time.Second
)

// queueItem is one pending uplink frame.
type queueItem struct {
	mac        string
	frame      []byte
	immediate  bool
	enqueuedAt time.Time
}

// Queue serializes one account's commands toward the cloud session in FIFO
// order. Items survive disconnects: the head stays queued through a failed
// publish and goes out first once the session is back.
type Queue struct {
	account   string
	publish   func(mac string, frame []byte) error
	connected func() bool

	mu     sync.Mutex
	items  []queueItem
	expect map[string]time.Time

	wake chan struct{}
	now  func() time.Time
}

// NewQueue returns an empty queue bound to one account's session. publish
// sends a frame on the session; connected gates draining.
func NewQueue(account string, publish func(mac string, frame []byte) error, connected func() bool) *Queue {
	return &Queue{
		account:   account,
		publish:   publish,
		connected: connected,
		expect:    make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Enqueue appends one frame for mac. immediate marks commands whose
// response comes back on the immediate route; sending one arms the
// expectation consumed by ConsumeExpectation. Depth above the warn
// threshold signals a stuck uplink; items are kept regardless.
func (q *Queue) Enqueue(mac string, frame []byte, immediate bool) {
	q.mu.Lock()
	q.items = append(q.items, queueItem{mac: mac, frame: frame, immediate: immediate, enqueuedAt: q.now()})
	depth := len(q.items)
	q.mu.Unlock()

	metrics.RecordCommand(metrics.CommandEnqueued)
	metrics.SetQueueDepth(q.account, depth)
	if depth >= depthWarnThreshold {
		logger.LogWarn("Command queue for %s at depth %d, uplink looks stuck", q.account, depth)
	}
	q.kick()
}

// NotifyConnected wakes the worker after a session rebuild so queued
// commands flush.
func (q *Queue) NotifyConnected() {
	q.kick()
}

// Depth returns the number of queued commands.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ConsumeExpectation reports whether an immediate-route frame from mac was
// provoked by a command this queue sent. The expectation is one-shot and
// decays, so later spontaneous pushes are not misattributed.
func (q *Queue) ConsumeExpectation(mac string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	deadline, ok := q.expect[mac]
	if !ok {
		return false
	}
	delete(q.expect, mac)
	return q.now().Before(deadline)
}

// Run drains the queue whenever the session is up, one item in flight at a
// time, until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		q.drain(ctx)
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil || !q.connected() {
			return
		}
		item, ok := q.head()
		if !ok {
			return
		}

		if err := q.publish(item.mac, item.frame); err != nil {
			// The item stays at the head; retry after a pause or on the
			// next wake from the reconnect path.
			errors.Handle(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(publishRetryGap):
			case <-q.wake:
			}
			continue
		}

		q.pop()
		if item.immediate {
			q.armExpectation(item.mac)
		}
		metrics.RecordCommand(metrics.CommandSent)
		metrics.SetQueueDepth(q.account, q.Depth())
		logger.LogDebug("Sent %d-byte command to %s (queued %s)",
			len(item.frame), item.mac, q.now().Sub(item.enqueuedAt).Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return
		case <-time.After(commandGap):
		}
	}
}

func (q *Queue) head() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	return q.items[0], true
}

func (q *Queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
}

func (q *Queue) armExpectation(mac string) {
	q.mu.Lock()
	q.expect[mac] = q.now().Add(expectationWindow)
	q.mu.Unlock()
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
