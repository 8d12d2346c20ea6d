// Package eventbus routes domain events — transaction, dispute, trust, and
// emergency-stop lifecycle transitions — from the engines that produce them
// to the engines that observe them, keyed by topic name, with one ordered
// queue per subscriber.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// Topic names the domain events the bus carries. Subscribers register
// against one or more of these rather than a free-form filter.
type Topic string

const (
	TopicTransactionCreated     Topic = "transaction.created"
	TopicTransactionConfirmed   Topic = "transaction.confirmed"
	TopicTransactionValidated   Topic = "transaction.validated"
	TopicTransactionTimeout     Topic = "transaction.timeout"
	TopicTransactionCancelled   Topic = "transaction.cancelled"
	TopicDisputeOpened          Topic = "dispute.opened"
	TopicDisputeEvidenceAdded   Topic = "dispute.evidence_added"
	TopicDisputeResolved        Topic = "dispute.resolved"
	TopicDisputeEscalated       Topic = "dispute.escalated"
	TopicCompensationCreated    Topic = "compensation.created"
	TopicCompensationApproved   Topic = "compensation.approved"
	TopicCompensationRejected   Topic = "compensation.rejected"
	TopicCompensationCompleted  Topic = "compensation.completed"
	TopicTrustUpdated           Topic = "trust.updated"
	TopicEmergencyStopTriggered Topic = "emergency.triggered"
	TopicEmergencyStopResumed   Topic = "emergency.resumed"
)

// Event is one published occurrence. Payload carries the topic-specific
// domain value (e.g. *domain.Transaction); subscribers type-assert it.
type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// Handler consumes events delivered to a subscription, in publish order for
// that subscription. A handler error is logged; it never blocks the queue or
// other subscribers.
type Handler func(ctx context.Context, evt Event) error

// ErrBusStopped names the stopped-bus condition. Neither Publish nor
// Subscribe returns it.
var ErrBusStopped = errors.New("eventbus stopped")

// QueueMode selects how a subscription's backlog is held when the handler
// falls behind the publish rate.
type QueueMode int

const (
	// QueueBounded drops the oldest queued event and counts the drop when a
	// bounded subscription's capacity is exceeded. Appropriate for
	// observers where losing a stale event under load is acceptable (e.g.
	// a metrics tap).
	QueueBounded QueueMode = iota
	// QueueUnboundedBackpressure never drops an event: once a subscription
	// accumulates more than its high-water mark, Publish blocks until the
	// subscriber's worker drains it below that mark. Used for the trust
	// engine, which must see every transaction/dispute outcome to keep
	// scores correct.
	QueueUnboundedBackpressure
)

// Subscription configures one registered handler.
type Subscription struct {
	ID       string
	Topics   []Topic
	Handler  Handler
	Mode     QueueMode
	Capacity int // QueueBounded: hard cap. QueueUnboundedBackpressure: high-water mark.
}

type subscriber struct {
	id       string
	topics   map[Topic]struct{}
	handler  Handler
	mode     QueueMode
	capacity int

	mu      sync.Mutex
	cond    *sync.Cond
	items   []Event
	closed  bool
	dropped int64
}

func newSubscriber(sub Subscription) *subscriber {
	topics := make(map[Topic]struct{}, len(sub.Topics))
	for _, t := range sub.Topics {
		topics[t] = struct{}{}
	}
	capacity := sub.Capacity
	if sub.Mode == QueueBounded && capacity <= 0 {
		capacity = 256
	}
	if sub.Mode == QueueUnboundedBackpressure && capacity <= 0 {
		capacity = 4096
	}
	s := &subscriber{
		id:       sub.ID,
		topics:   topics,
		handler:  sub.Handler,
		mode:     sub.Mode,
		capacity: capacity,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) matches(topic Topic) bool {
	_, ok := s.topics[topic]
	return ok
}

// push enqueues evt, applying the subscription's overflow policy. It blocks
// the caller (the publisher) when running in backpressure mode and the
// queue is at its high-water mark.
func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.mode == QueueUnboundedBackpressure {
		for len(s.items) >= s.capacity && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return
		}
		s.items = append(s.items, evt)
		s.cond.Signal()
		return
	}

	if len(s.items) >= s.capacity {
		s.items = append(s.items[1:], evt)
		s.dropped++
	} else {
		s.items = append(s.items, evt)
	}
	s.cond.Signal()
}

// pop blocks until an event is available or the subscriber is closed.
func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.items) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.items) == 0 {
		return Event{}, false
	}
	evt := s.items[0]
	s.items = s.items[1:]
	// Backpressured publishers may be waiting on room freeing up.
	s.cond.Broadcast()
	return evt, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *subscriber) stats() SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStats{
		ID:       s.id,
		Queued:   len(s.items),
		Capacity: s.capacity,
		Dropped:  s.dropped,
	}
}

// SubscriptionStats reports one subscription's queue depth and drop count.
type SubscriptionStats struct {
	ID       string
	Queued   int
	Capacity int
	Dropped  int64
}

// Bus is the topic-keyed publish/subscribe hub. Each subscription gets its
// own goroutine and ordered queue, so a slow subscriber never delays
// delivery to any other subscriber.
type Bus struct {
	log *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	wg sync.WaitGroup
}

// New creates a Bus. log may be nil, in which case a default logger is used.
func New(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{
		log:         log,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers sub and starts its delivery worker.
func (b *Bus) Subscribe(ctx context.Context, sub Subscription) error {
	b.mu.Lock()
	if _, exists := b.subscribers[sub.ID]; exists {
		b.mu.Unlock()
		return errors.New("subscription id already registered: " + sub.ID)
	}
	s := newSubscriber(sub)
	b.subscribers[sub.ID] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliverLoop(ctx, s)
	}()

	b.log.WithField("subscription_id", sub.ID).WithField("topics", sub.Topics).Info("eventbus subscription registered")
	return nil
}

// Unsubscribe stops and removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

func (b *Bus) deliverLoop(ctx context.Context, s *subscriber) {
	for {
		evt, ok := s.pop()
		if !ok {
			return
		}
		if err := s.handler(ctx, evt); err != nil {
			b.log.WithField("subscription_id", s.id).WithField("topic", string(evt.Topic)).WithError(err).Error("eventbus handler failed")
		}
	}
}

// Publish delivers evt to every matching subscription's queue. It returns
// once the event has been accepted by every subscriber's queue (which may
// block under QueueUnboundedBackpressure); it does not wait for handlers to
// finish running.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.matches(topic) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, s := range matched {
		s.push(evt)
	}
}

// Stats returns a snapshot of every subscription's queue state.
func (b *Bus) Stats() []SubscriptionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriptionStats, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s.stats())
	}
	return out
}

// Stop closes every subscription queue and waits for delivery workers to
// drain and exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.wg.Wait()
}
