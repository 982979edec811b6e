package openrt

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/voicewire/openrt-go/events"
)

// typeError is the wire tag the server uses to declare failures. Waiters
// always match it so a remote error wakes the operation that triggered it
// instead of letting it run into its deadline.
const typeError = "error"

type queued struct {
	seq int64
	ev  *events.Envelope
}

type waiter struct {
	types map[string]bool
	ch    chan *events.Envelope
}

// Correlator tags every inbound message by its declared type and hands it to
// whichever operation is awaiting that type. Messages that arrive before
// anyone waits are buffered per type, never overwritten: under bursty
// delivery a single latest-message slot drops intermediate chunks.
type Correlator struct {
	mu      sync.Mutex
	seq     int64
	queues  map[string][]queued
	waiters []*waiter
	failed  error
	logger  *slog.Logger
}

func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Correlator{
		queues: make(map[string][]queued),
		logger: logger,
	}
}

// Record decodes and dispatches one raw inbound message. Malformed messages
// and messages without a type tag are dropped with a logged anomaly; the
// receive loop must never die on bad input. Record never blocks on a
// consumer.
func (c *Correlator) Record(raw []byte) {
	ev, err := events.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping malformed inbound message", slog.Any("err", err))
		return
	}
	c.record(ev)
}

func (c *Correlator) record(ev *events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return
	}

	// First registered waiter wins. Waiter channels have capacity 1 and each
	// waiter is removed after a single delivery, so this cannot block.
	for i, w := range c.waiters {
		if w.types[ev.Type] {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- ev
			return
		}
	}

	c.seq++
	c.queues[ev.Type] = append(c.queues[ev.Type], queued{seq: c.seq, ev: ev})
}

// takeOldest pops the earliest-arrived queued message among the given types.
func (c *Correlator) takeOldest(types map[string]bool) *events.Envelope {
	var (
		bestType string
		bestSeq  int64 = -1
	)
	for t := range types {
		q := c.queues[t]
		if len(q) == 0 {
			continue
		}
		if bestSeq < 0 || q[0].seq < bestSeq {
			bestSeq = q[0].seq
			bestType = t
		}
	}
	if bestSeq < 0 {
		return nil
	}
	q := c.queues[bestType]
	ev := q[0].ev
	if len(q) == 1 {
		delete(c.queues, bestType)
	} else {
		c.queues[bestType] = q[1:]
	}
	return ev
}

// AwaitType blocks until a message of the given type arrives or ctx expires.
func (c *Correlator) AwaitType(ctx context.Context, eventType string) (*events.Envelope, error) {
	return c.AwaitAny(ctx, eventType)
}

// AwaitAny blocks until a message matching any of the given types arrives or
// ctx expires. When several buffered messages match, first arrival wins.
// A server error event always matches and is returned as such; the caller
// decides whether it terminates the operation.
func (c *Correlator) AwaitAny(ctx context.Context, types ...string) (*events.Envelope, error) {
	set := make(map[string]bool, len(types)+1)
	for _, t := range types {
		set[t] = true
	}
	set[typeError] = true

	c.mu.Lock()
	if err := c.failed; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if ev := c.takeOldest(set); ev != nil {
		c.mu.Unlock()
		return ev, nil
	}

	w := &waiter{types: set, ch: make(chan *events.Envelope, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case ev := <-w.ch:
		if ev == nil {
			return nil, c.failure()
		}
		return ev, nil
	case <-ctx.Done():
		c.remove(w)
		// lost race: delivery may have happened between ctx firing and removal
		select {
		case ev := <-w.ch:
			if ev != nil {
				return ev, nil
			}
			return nil, c.failure()
		default:
		}
		return nil, ctx.Err()
	}
}

func (c *Correlator) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return c.failed
	}
	return ErrConnectionLost
}

func (c *Correlator) remove(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Fail resolves every outstanding waiter with err and makes all later awaits
// fail immediately. Called once on transport close or error so no operation
// stays suspended past the life of the connection.
func (c *Correlator) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return
	}
	c.failed = err
	for _, w := range c.waiters {
		// closed channel yields nil to the waiter, which maps it to failed
		close(w.ch)
	}
	c.waiters = nil
	c.queues = make(map[string][]queued)
}
