package fabric

import (
	"context"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

// FabricProducer is any component that emits events. The Fabric stamps every
// event it emits with the producer's worldline.
type FabricProducer interface {
	WorldlineID() kernel.WorldlineID
}

// FabricConsumer receives events from the Fabric.
//
// OnEvent is called at most once at a time per subscription, in WAL append
// order. ctx carries the delivery deadline. Returning an error wrapping
// ErrSubscriberClosed removes the subscription.
type FabricConsumer interface {
	OnEvent(ctx context.Context, ev *kernel.KernelEvent) error
	SubscribedStages() kernel.StageFilter
}

// Worldline is a FabricProducer with a fixed identity.
type Worldline kernel.WorldlineID

// WorldlineID implements FabricProducer.
func (w Worldline) WorldlineID() kernel.WorldlineID { return kernel.WorldlineID(w) }

// ConsumerFunc adapts a function into a FabricConsumer receiving all stages.
type ConsumerFunc func(ctx context.Context, ev *kernel.KernelEvent) error

// OnEvent implements FabricConsumer.
func (f ConsumerFunc) OnEvent(ctx context.Context, ev *kernel.KernelEvent) error { return f(ctx, ev) }

// SubscribedStages implements FabricConsumer.
func (f ConsumerFunc) SubscribedStages() kernel.StageFilter { return kernel.AllStages() }
