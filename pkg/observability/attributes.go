package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fabric semantic convention attributes.
var (
	AttrCommand   = attribute.Key("helm_fabric.command")
	AttrDataDir   = attribute.Key("helm_fabric.data_dir")
	AttrSequence  = attribute.Key("helm_fabric.sequence")
	AttrSegments  = attribute.Key("helm_fabric.segments")
	AttrBackend   = attribute.Key("helm_fabric.checkpoint.backend")
	AttrArchive   = attribute.Key("helm_fabric.archive")
	AttrCompacted = attribute.Key("helm_fabric.compacted_segments")
)

// CommandOperation creates attributes for an operator command run against a
// data directory.
func CommandOperation(command, dataDir string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommand.String(command),
		AttrDataDir.String(dataDir),
	}
}

// CompactionOperation creates attributes for a compaction.
func CompactionOperation(checkpointSeq uint64, removed int, archive string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSequence.Int64(int64(checkpointSeq)),
		AttrCompacted.Int(removed),
		AttrArchive.String(archive),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
