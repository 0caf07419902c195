package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric/celfilter"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
	"github.com/Mindburn-Labs/helm-fabric/pkg/observability"
	"github.com/Mindburn-Labs/helm-fabric/pkg/provenance"
	"github.com/Mindburn-Labs/helm-fabric/pkg/store/checkpoint"
	"github.com/Mindburn-Labs/helm-fabric/pkg/wal"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// segmentResult is one line of the verify report.
type segmentResult struct {
	File          string `json:"file"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
	Sealed        bool   `json:"sealed"`
	Records       uint64 `json:"records"`
	Verified      uint64 `json:"verified_records"`
	Error         string `json:"error,omitempty"`
}

type verifyReport struct {
	Verified bool            `json:"verified"`
	DataDir  string          `json:"data_dir"`
	Segments []segmentResult `json:"segments"`
}

// runVerifyCmd implements `helm-fabric verify`: every retained segment is
// re-read from disk and its hash chain checked end to end.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common     commonFlags
		jsonOutput bool
	)
	common.register(cmd)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	s, err := newSession(ctx, common, stderr)
	if err != nil {
		return failure(stderr, err)
	}
	defer s.close()

	_, finish := s.telemetry.TrackOperation(ctx, "helm_fabric.verify", observability.CommandOperation("verify", s.cfg.DataDir)...)
	code, err := verify(s, jsonOutput, stdout)
	finish(err)
	if err != nil {
		return failure(stderr, err)
	}
	return code
}

func verify(s *session, jsonOutput bool, stdout io.Writer) (int, error) {
	store, err := s.openWAL()
	if err != nil {
		return exitRuntime, err
	}
	defer store.Close()

	reports, err := store.VerifyAll()
	if err != nil {
		return exitRuntime, err
	}

	out := verifyReport{Verified: true, DataDir: s.cfg.DataDir}
	var firstErr error
	for _, r := range reports {
		res := segmentResult{
			File:          filepath.Base(r.Info.Path),
			FirstSequence: r.Info.FirstSequence,
			LastSequence:  r.Info.LastSequence,
			Sealed:        r.Info.Sealed,
			Records:       r.Info.Records(),
			Verified:      r.Verified,
		}
		if r.Err != nil {
			res.Error = r.Err.Error()
			out.Verified = false
			if firstErr == nil {
				firstErr = r.Err
			}
		}
		out.Segments = append(out.Segments, res)
	}

	if jsonOutput {
		if err := writeJSON(stdout, out); err != nil {
			return exitRuntime, err
		}
	} else {
		status := "PASSED"
		if !out.Verified {
			status = "FAILED"
		}
		_, _ = fmt.Fprintf(stdout, "WAL verification %s\n", status)
		_, _ = fmt.Fprintf(stdout, "Data dir: %s\n", s.cfg.DataDir)
		for _, r := range out.Segments {
			_, _ = fmt.Fprintf(stdout, "  %s  %d..%d  %d/%d verified", r.File, r.FirstSequence, r.LastSequence, r.Verified, r.Records)
			if r.Error != "" {
				_, _ = fmt.Fprintf(stdout, "  %s", r.Error)
			}
			_, _ = fmt.Fprintln(stdout)
		}
	}

	if !out.Verified {
		s.logger.Error("wal verification failed", "error", firstErr)
		return exitFailed, nil
	}
	return exitOK, nil
}

// runInspectCmd implements `helm-fabric inspect`: events in [from, to] as
// JSON lines. Bounds default to the retained range. --filter keeps only
// events matching a CEL expression over event.*.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common   commonFlags
		from, to uint64
		filter   string
	)
	common.register(cmd)
	cmd.StringVar(&filter, "filter", "", `CEL predicate, e.g. event.stage == "committed"`)
	cmd.Uint64Var(&from, "from", 0, "First sequence (default: first retained)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence (default: latest)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	s, err := newSession(ctx, common, stderr)
	if err != nil {
		return failure(stderr, err)
	}
	defer s.close()

	_, finish := s.telemetry.TrackOperation(ctx, "helm_fabric.inspect", observability.CommandOperation("inspect", s.cfg.DataDir)...)
	err = inspect(ctx, s, from, to, filter, stdout)
	finish(err)
	if err != nil {
		return failure(stderr, err)
	}
	return exitOK
}

func inspect(ctx context.Context, s *session, from, to uint64, filter string, stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	var sink fabric.FabricConsumer = fabric.ConsumerFunc(func(_ context.Context, ev *kernel.KernelEvent) error {
		return enc.Encode(ev)
	})
	if filter != "" {
		c, err := celfilter.New(filter, sink)
		if err != nil {
			return err
		}
		sink = c
	}

	store, err := s.openWAL()
	if err != nil {
		return err
	}
	defer store.Close()

	if from == 0 {
		from = store.FirstSequence()
	}
	if to == 0 {
		to = store.LatestSequence()
	}
	if from > to || to == 0 {
		return nil
	}

	for ev, err := range store.ReadRange(from, to) {
		if err != nil {
			return err
		}
		if err := sink.OnEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

type statsReport struct {
	fabric.FabricMetrics
	Segments []wal.SegmentInfo `json:"segments,omitempty"`
}

// runStatsCmd implements `helm-fabric stats`.
func runStatsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stats", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common   commonFlags
		segments bool
	)
	common.register(cmd)
	cmd.BoolVar(&segments, "segments", false, "Include per-segment details")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	s, err := newSession(ctx, common, stderr)
	if err != nil {
		return failure(stderr, err)
	}
	defer s.close()

	_, finish := s.telemetry.TrackOperation(ctx, "helm_fabric.stats", observability.CommandOperation("stats", s.cfg.DataDir)...)
	err = stats(s, segments, stdout)
	finish(err)
	if err != nil {
		return failure(stderr, err)
	}
	return exitOK
}

func stats(s *session, segments bool, stdout io.Writer) error {
	fab, err := s.openFabric()
	if err != nil {
		return err
	}
	defer fab.Close()

	reg, err := s.telemetry.RegisterFabric(fab)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Unregister() }()

	report := statsReport{FabricMetrics: fab.Metrics()}
	if segments {
		report.Segments = fab.Segments()
	}
	return writeJSON(stdout, report)
}

type checkpointReport struct {
	checkpoint.Summary
	Backend    string                 `json:"backend"`
	Violations []provenance.Violation `json:"violations,omitempty"`
}

// runCheckpointCmd implements `helm-fabric checkpoint`: the provenance index
// is rebuilt from the latest recorded checkpoint plus the WAL and a new
// checkpoint is recorded at the latest sequence.
func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common       commonFlags
		frontierOnly bool
	)
	common.register(cmd)
	cmd.BoolVar(&frontierOnly, "frontier-only", false, "Record only the frontier, without the node table")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	s, err := newSession(ctx, common, stderr)
	if err != nil {
		return failure(stderr, err)
	}
	defer s.close()

	ctx, finish := s.telemetry.TrackOperation(ctx, "helm_fabric.checkpoint", observability.CommandOperation("checkpoint", s.cfg.DataDir)...)
	err = recordCheckpoint(ctx, s, frontierOnly, stdout)
	finish(err)
	if err != nil {
		return failure(stderr, err)
	}
	return exitOK
}

func recordCheckpoint(ctx context.Context, s *session, frontierOnly bool, stdout io.Writer) error {
	store, err := s.openCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	fab, err := s.openFabric()
	if err != nil {
		return err
	}
	defer fab.Close()

	prev, err := store.Latest(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		prev = nil
	case err != nil:
		return err
	}

	idx := provenance.New(provenance.WithLogger(s.root))
	if err := idx.RebuildFrom(ctx, fab, prev); err != nil {
		return err
	}

	var cp *kernel.Checkpoint
	if frontierOnly {
		cp, err = idx.FrontierCheckpoint()
	} else {
		cp, err = idx.Checkpoint()
	}
	if err != nil {
		return err
	}
	if err := store.Save(ctx, cp); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "checkpoint recorded",
		"sequence", cp.Sequence,
		"digest", cp.Digest,
		"frontier", len(cp.Frontier),
		"backend", s.cfg.Checkpoint.Backend,
	)
	return writeJSON(stdout, checkpointReport{
		Summary: checkpoint.Summary{
			Sequence:  cp.Sequence,
			Digest:    cp.Digest,
			CreatedAt: cp.CreatedAt,
			Frontier:  len(cp.Frontier),
			Nodes:     len(cp.Nodes),
		},
		Backend:    s.cfg.Checkpoint.Backend,
		Violations: idx.Violations(),
	})
}

// runCompactCmd implements `helm-fabric compact`: governed compaction at the
// latest recorded checkpoint, or at --sequence.
func runCompactCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compact", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		common   commonFlags
		sequence uint64
	)
	common.register(cmd)
	cmd.Uint64Var(&sequence, "sequence", 0, "Checkpoint sequence to compact at (default: latest checkpoint)")
	if err := cmd.Parse(args); err != nil {
		return exitRuntime
	}

	ctx := context.Background()
	s, err := newSession(ctx, common, stderr)
	if err != nil {
		return failure(stderr, err)
	}
	defer s.close()

	ctx, finish := s.telemetry.TrackOperation(ctx, "helm_fabric.compact", observability.CommandOperation("compact", s.cfg.DataDir)...)
	err = compact(ctx, s, sequence, stdout)
	finish(err)
	if err != nil {
		return failure(stderr, err)
	}
	return exitOK
}

func compact(ctx context.Context, s *session, sequence uint64, stdout io.Writer) error {
	store, err := s.openCheckpointStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var cp *kernel.Checkpoint
	if sequence == 0 {
		cp, err = store.Latest(ctx)
	} else {
		cp, err = store.Get(ctx, sequence)
	}
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("no checkpoint recorded; run `helm-fabric checkpoint` first: %w", err)
	}
	if err != nil {
		return err
	}

	opts := []fabric.Option{fabric.WithCheckpointRegistry(store)}
	archiver, err := s.openArchiver(ctx)
	if err != nil {
		return err
	}
	if archiver != nil {
		opts = append(opts, fabric.WithArchive(archiver))
	}

	fab, err := s.openFabric(opts...)
	if err != nil {
		return err
	}
	defer fab.Close()

	res, err := fab.Compact(ctx, cp)
	if err != nil {
		return err
	}
	observability.AddSpanEvent(ctx, "wal.compacted",
		observability.CompactionOperation(cp.Sequence, len(res.Removed), s.cfg.Archive.Type)...)
	return writeJSON(stdout, res)
}
