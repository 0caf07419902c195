package fabric

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-fabric/pkg/hlc"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

const (
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultQueueDepth      = 64
)

// ParentLookup reports whether an event is already durable and indexed.
// The Provenance Index satisfies it.
type ParentLookup interface {
	Contains(id kernel.EventID) bool
}

// CheckpointRegistry is the governance record of authorized checkpoints.
type CheckpointRegistry interface {
	Get(ctx context.Context, sequence uint64) (*kernel.Checkpoint, error)
}

// SegmentArchiver copies a sealed segment somewhere durable before
// compaction removes it.
type SegmentArchiver interface {
	ArchiveSegment(ctx context.Context, seg wal.SegmentInfo) (string, error)
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithClock replaces the Fabric's clock.
func WithClock(c *hlc.Clock) Option {
	return func(f *Fabric) { f.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fabric) { f.logger = l.With("component", "fabric") }
}

// WithTracer sets the tracer used for emit spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fabric) { f.tracer = t }
}

// WithDeliveryTimeout bounds one emit's wait on its subscribers.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(f *Fabric) {
		if d > 0 {
			f.deliveryTimeout = d
		}
	}
}

// WithQueueDepth sets the per-subscription queue capacity.
func WithQueueDepth(n int) Option {
	return func(f *Fabric) {
		if n > 0 {
			f.queueDepth = n
		}
	}
}

// WithParentLookup makes Emit reject parents the lookup does not know
// before anything is written.
func WithParentLookup(l ParentLookup) Option {
	return func(f *Fabric) { f.parents = l }
}

// WithEmitRate limits each producer to perSecond events with the given
// burst. Zero or negative disables limiting.
func WithEmitRate(perSecond float64, burst int) Option {
	return func(f *Fabric) {
		if perSecond > 0 {
			f.limiter = newProducerLimiter(perSecond, burst)
		}
	}
}

// WithCheckpointRegistry sets the registry Compact checks against.
func WithCheckpointRegistry(r CheckpointRegistry) Option {
	return func(f *Fabric) { f.registry = r }
}

// WithArchive uploads sealed segments before compaction removes them.
func WithArchive(a SegmentArchiver) Option {
	return func(f *Fabric) { f.archive = a }
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// Queued makes Emit wait only for queue admission instead of for the
// consumer to finish.
func Queued() SubscribeOption {
	return func(s *subscription) { s.queued = true }
}

// WithName labels a subscription in logs and stats.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}
