// Package eventbus is the in-process typed pub/sub backbone.
//
// Topics follow the domain.action convention (market.price_update,
// indicator.updated, order.filled). Delivery is strict FIFO per topic and
// publisher; every subscription has a bounded queue with its own overflow
// policy, and lost events surface as system.gap markers carrying a
// monotonically increasing drop counter.
//
// The external boundary (NATS via watermill) is in bridge.go; the core
// stays in-process because subscribers exchange typed Go payload values
// without serialization.
package eventbus

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/quantpulse/tradepulse/internal/metrics"
	"github.com/quantpulse/tradepulse/internal/timeutil"
)

// Common errors
var (
	ErrBusClosed          = errors.New("event bus is closed")
	ErrSubscriptionClosed = errors.New("subscription is closed")
	ErrInvalidCapacity    = errors.New("subscription capacity must be positive")
)

// DefaultPublishDeadline bounds how long a publish may stall on
// block-publisher subscriptions.
const DefaultPublishDeadline = 50 * time.Millisecond

// Event is the envelope carried on the bus.
type Event struct {
	// ID is a k-sortable unique event id.
	ID string

	// Topic is the domain.action topic the event was published on.
	Topic string

	// TS is the bus-assigned publish timestamp.
	TS timeutil.Nanos

	// Source names the publishing component.
	Source string

	// SessionID and Symbol are set when the event belongs to a session
	// or a symbol.
	SessionID string
	Symbol    string

	// Seq is the bus-wide publish sequence number.
	Seq uint64

	// Payload is the typed event payload.
	Payload any
}

// GapMarker is the payload of a system.gap event. Dropped is cumulative
// for the subscription, so a subscriber detects loss by watching it grow.
// Feed gaps (venue reconnects) also set the missing interval.
type GapMarker struct {
	Subscription string
	Dropped      uint64
	From         timeutil.Nanos
	To           timeutil.Nanos
}

// OverflowPolicy selects what happens when a subscription queue is full.
type OverflowPolicy int

// Overflow policies
const (
	// DropOldest evicts the oldest queued event to admit the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming event.
	DropNewest

	// BlockPublisher stalls the publisher up to the subscription's
	// MaxBlock (bounded by the bus publish deadline), then drops.
	BlockPublisher
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Name identifies the subscription in logs, metrics and gap markers.
	Name string

	// Capacity is the bounded queue size.
	Capacity int

	// Policy is the overflow policy.
	Policy OverflowPolicy

	// MaxBlock bounds publisher stalls for BlockPublisher. Capped by the
	// bus publish deadline.
	MaxBlock time.Duration
}

// Subscription is one bounded, ordered event queue.
type Subscription struct {
	name     string
	pattern  string
	policy   OverflowPolicy
	maxBlock time.Duration

	ch     chan Event
	drops  atomic.Uint64
	gapDue atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool

	// sendMu serializes pushes so cross-publisher delivery order matches
	// bus sequence order.
	sendMu sync.Mutex

	bus *Bus
}

// Events returns the receive channel. It is closed after Close once the
// queue has drained into it.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Drops returns the cumulative number of events dropped for this
// subscription.
func (s *Subscription) Drops() uint64 { return s.drops.Load() }

// Close removes the subscription from the bus. Queued events remain
// readable until the channel is drained; the channel is then closed.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bus.remove(s)
		// Take the send lock so no publisher is mid-push, then close.
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

// matches reports whether the subscription pattern matches a topic.
// Patterns are exact topics, prefix wildcards ("market.*") or "*".
func (s *Subscription) matches(topic string) bool {
	return MatchTopic(s.pattern, topic)
}

// MatchTopic reports whether a topic pattern matches a topic.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	// Delivered is the number of subscriptions the event was queued to.
	Delivered int

	// Dropped is the number of matching subscriptions that lost an event
	// admitting this one (DropOldest counts as delivered AND dropped).
	Dropped int
}

// Ok reports whether at least one matching subscription accepted the
// event, or no subscription matched at all.
func (r PublishResult) Ok() bool {
	return r.Delivered > 0 || r.Dropped == 0
}

// Bus is the in-process event bus.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.EngineMetrics

	publishDeadline time.Duration

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	seq atomic.Uint64
}

// Options configures the bus.
type Options struct {
	// PublishDeadline bounds publisher stalls. Defaults to
	// DefaultPublishDeadline.
	PublishDeadline time.Duration
}

// New creates a new event bus.
func New(logger *zap.Logger, m *metrics.EngineMetrics, opts Options) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	deadline := opts.PublishDeadline
	if deadline <= 0 {
		deadline = DefaultPublishDeadline
	}
	return &Bus{
		logger:          logger,
		metrics:         m,
		publishDeadline: deadline,
	}
}

// Subscribe registers a subscription for a topic pattern.
func (b *Bus) Subscribe(pattern string, opts SubscribeOptions) (*Subscription, error) {
	if opts.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	name := opts.Name
	if name == "" {
		name = "sub-" + ksuid.New().String()
	}
	maxBlock := opts.MaxBlock
	if maxBlock <= 0 || maxBlock > b.publishDeadline {
		maxBlock = b.publishDeadline
	}

	sub := &Subscription{
		name:     name,
		pattern:  pattern,
		policy:   opts.Policy,
		maxBlock: maxBlock,
		ch:       make(chan Event, opts.Capacity),
		bus:      b,
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscription registered",
		zap.String("name", name),
		zap.String("pattern", pattern),
		zap.Int("capacity", opts.Capacity))

	return sub, nil
}

// Publish delivers an event to every matching subscription. It never
// blocks longer than the bus publish deadline, and returns how many
// subscriptions accepted or dropped.
func (b *Bus) Publish(topic, source string, payload any) PublishResult {
	return b.publish(Event{
		Topic:   topic,
		Source:  source,
		Payload: payload,
	})
}

// PublishEvent publishes a pre-built envelope; ID, TS and Seq are
// assigned by the bus.
func (b *Bus) PublishEvent(ev Event) PublishResult {
	return b.publish(ev)
}

func (b *Bus) publish(ev Event) PublishResult {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return PublishResult{}
	}
	// Snapshot the matching subscriptions; pushes happen outside the
	// bus lock so Subscribe is never blocked by a slow consumer.
	var targets []*Subscription
	for _, sub := range b.subs {
		if sub.matches(ev.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	ev.ID = ksuid.New().String()
	ev.TS = timeutil.Now()
	ev.Seq = b.seq.Add(1)

	b.metrics.BusPublished.Inc()

	var res PublishResult
	deadline := time.Now().Add(b.publishDeadline)
	for _, sub := range targets {
		delivered, dropped := b.push(sub, ev, deadline)
		if delivered {
			res.Delivered++
		}
		if dropped {
			res.Dropped++
		}
	}
	return res
}

// push queues ev onto sub per its overflow policy. Returns whether the
// event was delivered and whether any event was dropped in the process.
func (b *Bus) push(sub *Subscription, ev Event, deadline time.Time) (delivered, dropped bool) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	if sub.closed.Load() {
		return false, false
	}

	// A prior overflow owes the subscriber a gap marker; deliver it
	// before the event so the drop counter is observed in order.
	if sub.gapDue.Load() {
		gap := Event{
			ID:     ksuid.New().String(),
			Topic:  TopicSystemGap,
			TS:     timeutil.Now(),
			Source: "eventbus",
			Seq:    b.seq.Add(1),
			Payload: GapMarker{
				Subscription: sub.name,
				Dropped:      sub.drops.Load(),
			},
		}
		select {
		case sub.ch <- gap:
			sub.gapDue.Store(false)
		default:
			// Still full; the marker stays owed.
		}
	}

	select {
	case sub.ch <- ev:
		return true, false
	default:
	}

	switch sub.policy {
	case DropOldest:
		for {
			select {
			case evicted := <-sub.ch:
				if evicted.Topic == TopicSystemGap {
					// A marker is bookkeeping, not a lost event; it
					// stays owed instead.
					sub.gapDue.Store(true)
				} else {
					b.recordDrop(sub)
					dropped = true
				}
			default:
			}
			select {
			case sub.ch <- ev:
				return true, dropped
			default:
				// Consumer raced a slot away; evict again.
			}
		}

	case BlockPublisher:
		wait := time.Until(deadline)
		if sub.maxBlock < wait {
			wait = sub.maxBlock
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case sub.ch <- ev:
				return true, false
			case <-timer.C:
			}
		}
		b.recordDrop(sub)
		return false, true

	default: // DropNewest
		b.recordDrop(sub)
		return false, true
	}
}

func (b *Bus) recordDrop(sub *Subscription) {
	sub.drops.Add(1)
	sub.gapDue.Store(true)
	b.metrics.BusDropped.WithLabelValues(sub.name).Inc()
}

// remove unregisters a subscription.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() {
			sub.closed.Store(true)
			sub.sendMu.Lock()
			close(sub.ch)
			sub.sendMu.Unlock()
		})
	}
}
