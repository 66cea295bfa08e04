package usm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrOutOfMemory is the resource-exhaustion cause of an AllocationError.
var ErrOutOfMemory = errors.New("out of USM memory")

// AllocationError is returned by Allocator.AlignedAlloc when a request can't be satisfied.
type AllocationError struct {
	Size, Alignment uintptr
	Kind            Kind
	Err             error
}

// Error implements error.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate %d bytes of %s USM memory (alignment %d): %v",
		e.Size, e.Kind, e.Alignment, e.Err)
}

// Unwrap allows errors.Is(err, ErrOutOfMemory).
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// IsOutOfMemory returns whether err was caused by a resource exhaustion in the allocator.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}
