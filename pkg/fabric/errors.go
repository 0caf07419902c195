package fabric

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm-fabric/pkg/kernel"
)

var (
	// ErrClosed is returned by every operation once the Fabric has closed,
	// either explicitly or after a fatal storage failure.
	ErrClosed = errors.New("fabric is closed")

	// ErrSubscriberClosed is returned by a consumer whose channel has gone
	// away. The Fabric removes the subscription.
	ErrSubscriberClosed = errors.New("subscriber closed")

	// ErrDeliveryTimeout marks a delivery that did not finish in time.
	ErrDeliveryTimeout = errors.New("delivery timed out")

	// ErrRateLimited is returned when a producer exceeds its emit rate. Retryable.
	ErrRateLimited = errors.New("emit rate limit exceeded")

	// ErrUnknownCheckpoint is returned by Compact when the checkpoint is not
	// held by the checkpoint registry.
	ErrUnknownCheckpoint = errors.New("checkpoint not registered")

	// ErrUnknownSubscription is returned by Unsubscribe for a stale handle.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrIntegrity matches any IntegrityFailureError.
	ErrIntegrity = errors.New("integrity failure")
)

// IntegrityFailureError reports that a just-written record did not read back
// as written. It is fatal to the Fabric.
type IntegrityFailureError struct {
	EventID kernel.EventID
	Reason  string
}

func (e *IntegrityFailureError) Error() string {
	return fmt.Sprintf("integrity failure for event %s: %s", e.EventID, e.Reason)
}

func (e *IntegrityFailureError) Is(target error) bool { return target == ErrIntegrity }
