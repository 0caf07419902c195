// Package celfilter narrows a Fabric subscription with a CEL predicate over
// event metadata.
//
// The expression sees one variable, event, with the fields id, producer,
// stage, sequence, parents, genesis, payload_size and physical_ms:
//
//	event.stage == "decided" && event.producer.startsWith("agent-")
//	size(event.parents) > 1 || event.genesis
package celfilter

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-fabric/pkg/fabric"
	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// Consumer delivers to the wrapped consumer only the events the expression
// accepts.
type Consumer struct {
	expr string
	prg  cel.Program
	next fabric.FabricConsumer
}

var _ fabric.FabricConsumer = (*Consumer)(nil)

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

// New compiles expr and wraps next.
func New(expr string, next fabric.FabricConsumer) (*Consumer, error) {
	if next == nil {
		return nil, fmt.Errorf("celfilter: nil consumer")
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &Consumer{expr: expr, prg: prg, next: next}, nil
}

// Expression returns the source expression.
func (c *Consumer) Expression() string { return c.expr }

// Match evaluates the predicate for ev.
func (c *Consumer) Match(ctx context.Context, ev *kernel.KernelEvent) (bool, error) {
	out, _, err := c.prg.ContextEval(ctx, map[string]any{"event": activation(ev)})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("CEL result not boolean: %v", out.Value())
	}
	return ok, nil
}

// OnEvent implements fabric.FabricConsumer. An evaluation error counts as a
// failed delivery.
func (c *Consumer) OnEvent(ctx context.Context, ev *kernel.KernelEvent) error {
	ok, err := c.Match(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.next.OnEvent(ctx, ev)
}

// SubscribedStages implements fabric.FabricConsumer.
func (c *Consumer) SubscribedStages() kernel.StageFilter { return c.next.SubscribedStages() }

func activation(ev *kernel.KernelEvent) map[string]any {
	parents := make([]string, len(ev.Parents))
	for i, p := range ev.Parents {
		parents[i] = string(p)
	}
	return map[string]any{
		"id":           string(ev.ID),
		"producer":     string(ev.Producer),
		"stage":        string(ev.Stage),
		"sequence":     int64(ev.Sequence),
		"parents":      parents,
		"genesis":      ev.Genesis,
		"payload_size": int64(len(ev.Payload)),
		"physical_ms":  ev.Timestamp.Physical,
	}
}
