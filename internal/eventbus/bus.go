// Package eventbus provides in-process pub/sub for execution events, with
// store-backed replay and per-subscriber backpressure.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/metrics"
	"github.com/stackbrowse/orchestrator/internal/model"
)

// History reads back persisted events for replay. The Store satisfies it.
type History interface {
	ListEvents(ctx context.Context, executionID string, fromSeq uint64) ([]model.Event, error)
}

// Mirror receives a copy of every published event, e.g. a Redis stream for
// out-of-process consumers. Append failures are logged, never propagated.
type Mirror interface {
	Append(ctx context.Context, ev model.Event) error
}

// Bus fans execution events out to subscribers keyed by execution id.
// Publish never blocks the publisher: each subscriber owns a bounded queue
// and a slow subscriber loses its oldest undelivered non-terminal event.
// Terminal events are never dropped.
type Bus struct {
	history    History
	mirror     Mirror
	logger     *zap.Logger
	queueDepth int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New creates a bus replaying history from the given source.
func New(history History, queueDepth int, logger *zap.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{
		history:    history,
		logger:     logger,
		queueDepth: queueDepth,
		subs:       make(map[string]map[*Subscription]struct{}),
	}
}

// AttachMirror adds an event mirror. Must be called before Publish traffic.
func (b *Bus) AttachMirror(m Mirror) {
	b.mirror = m
}

// Publish delivers an already-persisted event (Seq assigned by the Store)
// to all subscribers of its execution.
func (b *Bus) Publish(ctx context.Context, ev model.Event) {
	metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	if b.mirror != nil {
		if err := b.mirror.Append(ctx, ev); err != nil {
			b.logger.Warn("Event mirror append failed",
				zap.String("execution_id", ev.ExecutionID),
				zap.Error(err),
			)
		}
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs[ev.ExecutionID]))
	for sub := range b.subs[ev.ExecutionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// Subscribe registers a subscriber for one execution. Events with
// seq >= fromSeq are replayed from the history first, then the stream
// switches to live delivery with no gaps and no duplicates. The caller must
// drain Events() and call Close when done.
func (b *Bus) Subscribe(ctx context.Context, executionID string, fromSeq uint64) (*Subscription, error) {
	sub := &Subscription{
		bus:         b,
		executionID: executionID,
		out:         make(chan model.Event),
		notify:      make(chan struct{}, 1),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	if fromSeq > 0 {
		sub.lastSeq = fromSeq - 1
	}

	// Register before reading history: anything persisted after this point
	// arrives live, anything before is in the replay, and the seq watermark
	// removes the overlap.
	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[*Subscription]struct{})
	}
	b.subs[executionID][sub] = struct{}{}
	b.mu.Unlock()
	metrics.SubscribersActive.Inc()

	replay, err := b.history.ListEvents(ctx, executionID, fromSeq)
	if err != nil {
		// pump never started, so release the subscription directly instead
		// of waiting on it.
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		b.remove(sub)
		close(sub.out)
		close(sub.done)
		return nil, err
	}

	go sub.pump(ctx, replay)
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.executionID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			metrics.SubscribersActive.Dec()
		}
		if len(set) == 0 {
			delete(b.subs, sub.executionID)
		}
	}
	b.mu.Unlock()
}

// SubscriberCount reports active subscribers for an execution.
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

// Subscription is one subscriber's in-order view of an execution's events.
type Subscription struct {
	bus         *Bus
	executionID string
	out         chan model.Event

	mu      sync.Mutex
	queue   []model.Event
	closed  bool
	lastSeq uint64

	notify  chan struct{}
	closing chan struct{}
	done    chan struct{}
}

// Events is the delivery channel. It is closed after Close or when the
// subscription context ends.
func (s *Subscription) Events() <-chan model.Event {
	return s.out
}

// Close unsubscribes. No deliveries happen after it returns.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.bus.remove(s)
	<-s.done
}

// enqueue inserts a live event into the subscriber queue in seq order,
// applying the slow-consumer-drop policy when the queue is over depth.
// Concurrent publishers can hand events over slightly out of seq order;
// the ordered queue keeps delivery strictly increasing.
func (s *Subscription) enqueue(ev model.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := len(s.queue)
	for i > 0 && s.queue[i-1].Seq > ev.Seq {
		i--
	}
	s.queue = append(s.queue, model.Event{})
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = ev
	if len(s.queue) > s.bus.queueDepth {
		if i := firstDroppable(s.queue); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.SubscriberDrops.Inc()
		}
		// Queues holding only terminal events are allowed to exceed depth.
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func firstDroppable(queue []model.Event) int {
	for i, ev := range queue {
		if !ev.Kind.Terminal() {
			return i
		}
	}
	return -1
}

// pump delivers the replay, then live events, strictly in seq order.
func (s *Subscription) pump(ctx context.Context, replay []model.Event) {
	defer func() {
		// pump is the only sender on out.
		close(s.out)
		close(s.done)
	}()

	for _, ev := range replay {
		if !s.deliver(ctx, ev) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-s.notify:
		}
		if !s.drainQueue(ctx) {
			return
		}
	}
}

// drainQueue sends queued events in seq order. The head is re-read after
// every wakeup: a late lower-seq publish may reorder the queue while the
// send is blocked, and it must go out first.
func (s *Subscription) drainQueue(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return true
		}
		ev := s.queue[0]
		if ev.Seq <= s.lastSeq {
			s.queue = s.queue[1:]
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
			s.mu.Lock()
			s.lastSeq = ev.Seq
			for i := range s.queue {
				if s.queue[i].Seq == ev.Seq {
					s.queue = append(s.queue[:i], s.queue[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		case <-s.notify:
			// Queue changed under the blocked send; re-read the head.
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}
}

// deliver sends one event if it advances the seq watermark. Returns false
// when the subscription is done.
func (s *Subscription) deliver(ctx context.Context, ev model.Event) bool {
	if ev.Seq <= s.lastSeq {
		return true
	}
	select {
	case s.out <- ev:
		s.lastSeq = ev.Seq
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}
