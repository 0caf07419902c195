package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// commandInstruments count operator commands (rate, errors, duration).
type commandInstruments struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newCommandInstruments(meter metric.Meter) (*commandInstruments, error) {
	var (
		ci  commandInstruments
		err error
	)
	if ci.started, err = meter.Int64Counter("helm_fabric.operations.total",
		metric.WithDescription("Operator operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	if ci.failed, err = meter.Int64Counter("helm_fabric.errors.total",
		metric.WithDescription("Operator operations that failed"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	// Commands range from a metrics snapshot to a full-log rebuild.
	if ci.duration, err = meter.Float64Histogram("helm_fabric.operation.duration",
		metric.WithDescription("Operator operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300)); err != nil {
		return nil, err
	}
	if ci.inflight, err = meter.Int64UpDownCounter("helm_fabric.operations.active",
		metric.WithDescription("Operator operations in progress"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, err
	}
	return &ci, nil
}

// RecordRequest counts a started operation. No-op when export is disabled.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.cmd == nil {
		return
	}
	p.cmd.started.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordError counts a failed operation, tagged with the error's Go type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.cmd == nil || err == nil {
		return
	}
	tagged := append(attrs[:len(attrs):len(attrs)], attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.cmd.failed.Add(ctx, 1, metric.WithAttributes(tagged...))
}

// RecordDuration records how long an operation ran.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.cmd == nil {
		return
	}
	p.cmd.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// TrackOperation opens a span for one operator command and counts it. The
// returned func must be called exactly once with the command's outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(attrs...)
	if p.cmd != nil {
		p.cmd.inflight.Add(ctx, 1, set)
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		defer span.End()
		if p.cmd != nil {
			p.cmd.inflight.Add(ctx, -1, set)
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.RecordError(ctx, err, attrs...)
		p.logger.DebugContext(ctx, "operation failed", "operation", name, "error", err)
	}
}
