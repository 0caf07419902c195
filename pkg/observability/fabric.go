package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
)

// MetricsSource is anything that reports Fabric metrics; *fabric.Fabric does.
type MetricsSource interface {
	Metrics() fabric.FabricMetrics
}

// RegisterFabric exports src's metrics as observable instruments on meter.
// Each collection takes one snapshot. Unregister the returned registration
// before closing the Fabric.
func RegisterFabric(meter metric.Meter, src MetricsSource) (metric.Registration, error) {
	events, err := meter.Int64ObservableCounter("helm_fabric.events.total",
		metric.WithDescription("Events emitted by this process"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	walBytes, err := meter.Int64ObservableGauge("helm_fabric.wal.size",
		metric.WithDescription("Bytes held by WAL segments"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64ObservableGauge("helm_fabric.wal.segments",
		metric.WithDescription("WAL segment count"),
		metric.WithUnit("{segment}"))
	if err != nil {
		return nil, err
	}
	latest, err := meter.Int64ObservableGauge("helm_fabric.wal.latest_sequence",
		metric.WithDescription("Highest durable sequence number"))
	if err != nil {
		return nil, err
	}
	first, err := meter.Int64ObservableGauge("helm_fabric.wal.first_sequence",
		metric.WithDescription("Lowest sequence number still in the WAL"))
	if err != nil {
		return nil, err
	}
	subscribers, err := meter.Int64ObservableGauge("helm_fabric.subscribers.active",
		metric.WithDescription("Registered subscriptions"),
		metric.WithUnit("{subscription}"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64ObservableCounter("helm_fabric.delivery.failures",
		metric.WithDescription("Consumer deliveries that returned an error"))
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64ObservableCounter("helm_fabric.delivery.timeouts",
		metric.WithDescription("Consumer deliveries that exceeded the delivery timeout"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64ObservableCounter("helm_fabric.emit.rejected",
		metric.WithDescription("Emits rejected before the write"))
	if err != nil {
		return nil, err
	}
	compacted, err := meter.Int64ObservableCounter("helm_fabric.compaction.segments",
		metric.WithDescription("Segments removed by compaction"),
		metric.WithUnit("{segment}"))
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m := src.Metrics()
		o.ObserveInt64(events, int64(m.EventsTotal))
		o.ObserveInt64(walBytes, m.WALSizeBytes)
		o.ObserveInt64(segments, int64(m.WALSegments))
		o.ObserveInt64(latest, int64(m.LatestSequence))
		o.ObserveInt64(first, int64(m.FirstSequence))
		o.ObserveInt64(subscribers, int64(m.SubscribersActive))
		o.ObserveInt64(failures, int64(m.DeliveryFailures))
		o.ObserveInt64(timeouts, int64(m.DeliveryTimeouts))
		o.ObserveInt64(rejected, int64(m.EmitRejected))
		o.ObserveInt64(compacted, int64(m.CompactedSegments))
		return nil
	}, events, walBytes, segments, latest, first, subscribers, failures, timeouts, rejected, compacted)
	if err != nil {
		return nil, fmt.Errorf("register fabric metrics: %w", err)
	}
	return reg, nil
}

// RegisterFabric exports src's metrics on the provider's meter.
func (p *Provider) RegisterFabric(src MetricsSource) (metric.Registration, error) {
	return RegisterFabric(p.Meter(), src)
}
