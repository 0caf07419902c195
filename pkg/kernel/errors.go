package kernel

import (
	"errors"
	"fmt"
)

// ErrMissingParent matches any MissingParentError.
var ErrMissingParent = errors.New("missing parent")

// MissingParentError reports a declared parent that is not known.
type MissingParentError struct {
	Child  EventID
	Parent EventID
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("event %s: parent %s does not exist", e.Child, e.Parent)
}

func (e *MissingParentError) Is(target error) bool {
	return target == ErrMissingParent
}
