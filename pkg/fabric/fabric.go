// Package fabric implements the Event Fabric: the single entry point through
// which events are timestamped, made durable in the WAL and fanned out to
// subscribed consumers.
//
// Emit serializes at the WAL append point. The critical section covers HLC
// timestamp assignment, chain hashing and the physical write. Dispatch runs
// after the append and never holds the append lock, so a slow consumer
// cannot stall the log.
package fabric

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

// EventDraft is what a producer supplies to Emit.
type EventDraft struct {
	Stage   kernel.ResonanceStage
	Parents []kernel.EventID
	Payload []byte

	// Remote is the timestamp of a causal predecessor observed from another
	// node. It is merged into the clock before stamping; excessive drift
	// rejects the emit before anything is written.
	Remote *hlc.Timestamp
}

// FabricMetrics is a point-in-time snapshot. EventsTotal counts events
// emitted by this instance since it was opened.
type FabricMetrics struct {
	EventsTotal       uint64 `json:"events_total"`
	WALSizeBytes      int64  `json:"wal_size_bytes"`
	WALSegments       int    `json:"wal_segments"`
	LatestSequence    uint64 `json:"latest_sequence"`
	SubscribersActive int    `json:"subscribers_active"`
	FirstSequence     uint64 `json:"first_sequence"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	DeliveryTimeouts  uint64 `json:"delivery_timeouts"`
	EmitRejected      uint64 `json:"emit_rejected"`
	CompactedSegments uint64 `json:"compacted_segments"`
}

// Fabric is safe for concurrent use.
type Fabric struct {
	wal       *wal.Store
	ownsStore bool
	clock     *hlc.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	deliveryTimeout time.Duration
	queueDepth      int
	parents         ParentLookup
	limiter         *producerLimiter
	registry        CheckpointRegistry
	archive         SegmentArchiver

	subMu     sync.RWMutex
	subs      map[SubscriptionID]*subscription
	nextSubID SubscriptionID
	workers   sync.WaitGroup
	turns     *turnstile

	compactMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	eventsTotal       atomic.Uint64
	deliveryFailures  atomic.Uint64
	deliveryTimeouts  atomic.Uint64
	emitRejected      atomic.Uint64
	compactedSegments atomic.Uint64
}

// New builds a Fabric over an open WAL store. The caller keeps ownership of
// the store.
func New(store *wal.Store, opts ...Option) *Fabric {
	f := &Fabric{
		wal:             store,
		clock:           hlc.New("helm-fabric"),
		logger:          slog.Default().With("component", "fabric"),
		tracer:          otel.Tracer("helm-fabric/fabric"),
		deliveryTimeout: DefaultDeliveryTimeout,
		queueDepth:      DefaultQueueDepth,
		subs:            make(map[SubscriptionID]*subscription),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.turns = newTurnstile(store.LatestSequence() + 1)
	return f
}

// Open opens the WAL in dir and builds a Fabric that owns it.
func Open(dir string, walOpts wal.Options, opts ...Option) (*Fabric, error) {
	store, err := wal.Open(dir, walOpts)
	if err != nil {
		return nil, err
	}
	f := New(store, opts...)
	f.ownsStore = true
	return f, nil
}

func (f *Fabric) isClosed() bool { return f.closed.Load() }

// Emit makes one event durable and delivers it to matching subscribers.
//
// Errors before the write (validation, rate limit, missing parent, clock
// drift) leave the log untouched. Storage failures and integrity failures
// close the Fabric; every later call returns ErrClosed.
func (f *Fabric) Emit(ctx context.Context, producer FabricProducer, draft EventDraft) (*kernel.KernelEvent, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	if producer == nil {
		return nil, errors.New("fabric: nil producer")
	}

	worldline := kernel.NormalizeWorldline(producer.WorldlineID())
	stage := kernel.NormalizeStage(draft.Stage)

	ctx, span := f.tracer.Start(ctx, "fabric.emit", trace.WithAttributes(
		attribute.String("fabric.producer", string(worldline)),
		attribute.String("fabric.stage", string(stage)),
		attribute.Int("fabric.parents", len(draft.Parents)),
		attribute.Int("fabric.payload_bytes", len(draft.Payload)),
	))
	defer span.End()

	ev, err := f.emit(ctx, worldline, stage, draft)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("fabric.event_id", string(ev.ID)),
		attribute.Int64("fabric.sequence", int64(ev.Sequence)),
	)
	return ev, nil
}

func (f *Fabric) emit(ctx context.Context, worldline kernel.WorldlineID, stage kernel.ResonanceStage, draft EventDraft) (*kernel.KernelEvent, error) {
	if worldline == "" {
		return nil, f.reject(errors.New("fabric: producer has empty worldline id"))
	}
	if stage == "" {
		return nil, f.reject(errors.New("fabric: empty stage"))
	}
	if len(draft.Payload) > kernel.MaxPayloadSize {
		return nil, f.reject(fmt.Errorf("fabric: payload %d bytes exceeds %d", len(draft.Payload), kernel.MaxPayloadSize))
	}
	if f.limiter != nil && !f.limiter.allow(worldline) {
		return nil, f.reject(fmt.Errorf("%w: producer %s", ErrRateLimited, worldline))
	}

	id := kernel.NewEventID()
	parents := kernel.NormalizeParents(draft.Parents)
	if f.parents != nil {
		for _, p := range parents {
			if !f.parents.Contains(p) {
				return nil, f.reject(&kernel.MissingParentError{Child: id, Parent: p})
			}
		}
	}

	payload := slices.Clone(draft.Payload)
	requested := &kernel.KernelEvent{
		ID:       id,
		Producer: worldline,
		Stage:    stage,
		Parents:  parents,
		Genesis:  len(parents) == 0,
		Payload:  payload,
	}

	stored, err := f.wal.AppendWith(func(seq uint64) (*kernel.KernelEvent, error) {
		if draft.Remote != nil {
			if err := f.clock.Observe(*draft.Remote); err != nil {
				return nil, err
			}
		}
		ev := requested.Clone()
		ev.Sequence = seq
		ev.Timestamp = f.clock.Now()
		ev.Timestamp.Node = string(worldline)
		return ev, nil
	})
	if err != nil {
		if f.isClosed() && errors.Is(err, wal.ErrClosed) {
			// Close won the race after the entry check.
			return nil, ErrClosed
		}
		if errors.Is(err, wal.ErrFailed) || errors.Is(err, wal.ErrCorrupted) || errors.Is(err, wal.ErrClosed) {
			f.fail(err)
			return nil, err
		}
		return nil, f.reject(err)
	}

	if err := f.verifyWritten(stored); err != nil {
		f.fail(err)
		f.turns.wait(stored.Sequence)
		f.turns.done(stored.Sequence)
		return nil, err
	}

	f.eventsTotal.Add(1)
	f.dispatch(stored)

	f.logger.DebugContext(ctx, "event emitted",
		"event_id", stored.ID,
		"sequence", stored.Sequence,
		"producer", stored.Producer,
		"stage", stored.Stage,
	)
	return stored.Clone(), nil
}

func (f *Fabric) reject(err error) error {
	f.emitRejected.Add(1)
	return err
}

// verifyWritten reads the record back and compares it with what was appended.
func (f *Fabric) verifyWritten(want *kernel.KernelEvent) error {
	got, err := f.wal.Read(want.Sequence)
	if err != nil {
		return fmt.Errorf("%w: %w", &IntegrityFailureError{EventID: want.ID, Reason: "read back failed"}, err)
	}

	var reason string
	switch {
	case got.ID != want.ID:
		reason = "event id differs"
	case got.Producer != want.Producer || got.Stage != want.Stage:
		reason = "producer or stage differs"
	case got.Timestamp != want.Timestamp:
		reason = "timestamp differs"
	case got.Genesis != want.Genesis || !slices.Equal(got.Parents, want.Parents):
		reason = "parents differ"
	case !bytes.Equal(got.Payload, want.Payload):
		reason = "payload differs"
	case got.ChainHash != want.ChainHash:
		reason = "chain hash differs"
	}
	if reason != "" {
		return &IntegrityFailureError{EventID: want.ID, Reason: reason}
	}
	return nil
}

// fail transitions the Fabric to Closed after a fatal error.
func (f *Fabric) fail(cause error) {
	if f.closed.Swap(true) {
		return
	}
	f.logger.Error("fabric closed after fatal error", "error", cause)
	f.shutdown()
}

// Read returns the event at seq.
func (f *Fabric) Read(seq uint64) (*kernel.KernelEvent, error) {
	if f.isClosed() {
		return nil, ErrClosed
	}
	return f.wal.Read(seq)
}

// ReadRange yields events from..to inclusive; see wal.Store.ReadRange.
func (f *Fabric) ReadRange(from, to uint64) iter.Seq2[*kernel.KernelEvent, error] {
	if f.isClosed() {
		return func(yield func(*kernel.KernelEvent, error) bool) { yield(nil, ErrClosed) }
	}
	return f.wal.ReadRange(from, to)
}

// LatestSequence is the sequence number of the last durable event.
func (f *Fabric) LatestSequence() uint64 { return f.wal.LatestSequence() }

// FirstSequence is the lowest sequence still retained in the WAL.
func (f *Fabric) FirstSequence() uint64 { return f.wal.FirstSequence() }

// Segments describes the retained WAL segments.
func (f *Fabric) Segments() []wal.SegmentInfo { return f.wal.Segments() }

// Metrics returns a point-in-time snapshot. It takes only short read locks.
func (f *Fabric) Metrics() FabricMetrics {
	st := f.wal.Stats()
	f.subMu.RLock()
	active := len(f.subs)
	f.subMu.RUnlock()

	return FabricMetrics{
		EventsTotal:       f.eventsTotal.Load(),
		WALSizeBytes:      st.SizeBytes,
		WALSegments:       st.Segments,
		LatestSequence:    st.LatestSequence,
		SubscribersActive: active,
		DeliveryFailures:  f.deliveryFailures.Load(),
		DeliveryTimeouts:  f.deliveryTimeouts.Load(),
		EmitRejected:      f.emitRejected.Load(),
		CompactedSegments: f.compactedSegments.Load(),
		FirstSequence:     st.FirstSequence,
	}
}

// Close stops every subscription worker and, if the Fabric opened the WAL,
// closes it. Workers stuck in a consumer are given one delivery timeout.
func (f *Fabric) Close() error {
	f.closed.Store(true)
	f.shutdown()
	return f.closeErr
}

func (f *Fabric) shutdown() {
	f.closeOnce.Do(func() {
		f.subMu.Lock()
		subs := f.subs
		f.subs = make(map[SubscriptionID]*subscription)
		f.subMu.Unlock()
		for _, s := range subs {
			s.stop()
		}

		done := make(chan struct{})
		go func() {
			f.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(f.deliveryTimeout):
			f.logger.Warn("consumers still running at close", "timeout", f.deliveryTimeout)
		}

		if f.ownsStore {
			f.closeErr = f.wal.Close()
		}
		f.logger.Info("fabric closed", "latest_sequence", f.wal.LatestSequence())
	})
}
