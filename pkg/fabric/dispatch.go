package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// SubscriptionID is the handle returned by Subscribe.
type SubscriptionID uint64

// SubscriptionStats describes one live subscription.
type SubscriptionStats struct {
	ID        SubscriptionID `json:"id"`
	Name      string         `json:"name,omitempty"`
	Filter    string         `json:"filter"`
	Queued    bool           `json:"queued"`
	Pending   int            `json:"pending"`
	Delivered uint64         `json:"delivered"`
	Failed    uint64         `json:"failed"`
	TimedOut  uint64         `json:"timed_out"`
}

type delivery struct {
	ev       *kernel.KernelEvent
	deadline time.Time
	done     chan error
}

type subscription struct {
	id       SubscriptionID
	name     string
	consumer FabricConsumer
	filter   kernel.StageFilter
	queued   bool

	queue chan delivery
	quit  chan struct{}
	once  sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscription) stats() SubscriptionStats {
	return SubscriptionStats{
		ID:        s.id,
		Name:      s.name,
		Filter:    s.filter.String(),
		Queued:    s.queued,
		Pending:   len(s.queue),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
	}
}

// run is the subscription's worker. It delivers in queue order, which is
// WAL append order.
func (f *Fabric) run(s *subscription) {
	defer f.workers.Done()
	for {
		select {
		case <-s.quit:
			return
		case d := <-s.queue:
			err := f.invoke(s, d)
			if d.done != nil {
				d.done <- err
			}
			if err != nil && errors.Is(err, ErrSubscriberClosed) {
				f.remove(s.id, "consumer reported closed")
				return
			}
		}
	}
}

func (f *Fabric) invoke(s *subscription, d delivery) (err error) {
	deadline := d.deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(f.deliveryTimeout)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
		switch {
		case err == nil:
			s.delivered.Add(1)
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w: %w", ErrDeliveryTimeout, err)
			fallthrough
		default:
			s.failed.Add(1)
			f.deliveryFailures.Add(1)
			f.logger.Warn("event delivery failed",
				"subscription", s.id,
				"name", s.name,
				"event_id", d.ev.ID,
				"sequence", d.ev.Sequence,
				"error", err,
			)
		}
	}()

	return s.consumer.OnEvent(ctx, d.ev)
}

// Subscribe registers consumer for events whose stage matches filter.
func (f *Fabric) Subscribe(consumer FabricConsumer, filter kernel.StageFilter, opts ...SubscribeOption) (SubscriptionID, error) {
	if consumer == nil {
		return 0, errors.New("fabric: nil consumer")
	}

	f.subMu.Lock()
	defer f.subMu.Unlock()
	if f.isClosed() {
		return 0, ErrClosed
	}

	f.nextSubID++
	s := &subscription{
		id:       f.nextSubID,
		consumer: consumer,
		filter:   filter,
		queue:    make(chan delivery, f.queueDepth),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	f.subs[s.id] = s
	f.workers.Add(1)
	go f.run(s)

	f.logger.Info("subscribed", "subscription", s.id, "name", s.name, "filter", filter.String(), "queued", s.queued)
	return s.id, nil
}

// SubscribeConsumer registers consumer with the stages it declares.
func (f *Fabric) SubscribeConsumer(consumer FabricConsumer, opts ...SubscribeOption) (SubscriptionID, error) {
	if consumer == nil {
		return 0, errors.New("fabric: nil consumer")
	}
	return f.Subscribe(consumer, consumer.SubscribedStages(), opts...)
}

// Unsubscribe removes a subscription. Events already handed to the consumer
// finish independently; no further events are delivered.
func (f *Fabric) Unsubscribe(id SubscriptionID) error {
	if !f.remove(id, "unsubscribed") {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}
	return nil
}

func (f *Fabric) remove(id SubscriptionID, reason string) bool {
	f.subMu.Lock()
	s, ok := f.subs[id]
	if ok {
		delete(f.subs, id)
	}
	f.subMu.Unlock()

	if ok {
		s.stop()
		f.logger.Info("subscription removed", "subscription", id, "name", s.name, "reason", reason)
	}
	return ok
}

// Subscriptions returns stats for every live subscription, ordered by ID.
func (f *Fabric) Subscriptions() []SubscriptionStats {
	snap := f.snapshot()
	out := make([]SubscriptionStats, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.stats())
	}
	return out
}

// snapshot copies the registry so dispatch never holds subMu while
// consumers run.
func (f *Fabric) snapshot() []*subscription {
	f.subMu.RLock()
	out := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	f.subMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// dispatch hands ev to every matching subscription. Queue admission for all
// subscriptions and completion of synchronous ones share one deadline, so a
// hung consumer costs at most one timeout per emit.
func (f *Fabric) dispatch(ev *kernel.KernelEvent) {
	deadline := time.Now().Add(f.deliveryTimeout)
	timer := time.NewTimer(f.deliveryTimeout)
	defer timer.Stop()
	expired := false

	type waiter struct {
		sub  *subscription
		done chan error
	}
	var waiters []waiter

	// Enqueue under the dispatch turn so every queue sees append order.
	f.turns.wait(ev.Sequence)
	for _, s := range f.snapshot() {
		if !s.filter.Matches(ev.Stage) {
			continue
		}
		// Queued deliveries get their deadline when the worker picks them up.
		d := delivery{ev: ev.Clone()}
		if !s.queued {
			d.deadline = deadline
			d.done = make(chan error, 1)
		}

		admitted := false
		if expired {
			// Deadline spent: only a queue with room still gets the event.
			select {
			case s.queue <- d:
				admitted = true
			default:
				f.recordTimeout(s, ev, "queue admission")
			}
		} else {
			select {
			case s.queue <- d:
				admitted = true
			case <-s.quit:
			case <-timer.C:
				expired = true
				f.recordTimeout(s, ev, "queue admission")
			}
		}
		if admitted && d.done != nil {
			waiters = append(waiters, waiter{s, d.done})
		}
	}
	f.turns.done(ev.Sequence)

	for _, w := range waiters {
		if expired {
			select {
			case <-w.done:
			default:
				f.recordTimeout(w.sub, ev, "delivery")
			}
			continue
		}
		select {
		case <-w.done:
		case <-w.sub.quit:
		case <-timer.C:
			expired = true
			f.recordTimeout(w.sub, ev, "delivery")
		}
	}
}

func (f *Fabric) recordTimeout(s *subscription, ev *kernel.KernelEvent, phase string) {
	s.timedOut.Add(1)
	f.deliveryTimeouts.Add(1)
	f.logger.Warn("event delivery timed out",
		"subscription", s.id,
		"name", s.name,
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"phase", phase,
		"timeout", f.deliveryTimeout,
	)
}

// turnstile releases dispatch turns in sequence order.
type turnstile struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64
}

func newTurnstile(next uint64) *turnstile {
	t := &turnstile{next: next}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *turnstile) wait(seq uint64) {
	t.mu.Lock()
	for t.next != seq {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *turnstile) done(seq uint64) {
	t.mu.Lock()
	t.next = seq + 1
	t.cond.Broadcast()
	t.mu.Unlock()
}
