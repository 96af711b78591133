package vkmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

var (
	// ErrNoSatisfiedMemoryTypes is returned from property-driven allocations when no memory type
	// advertises the requested property flags at all. Retrying will not help: the caller must
	// relax the requested properties.
	ErrNoSatisfiedMemoryTypes = errors.New("no memory type satisfies the requested property flags")
	// ErrNotEnoughSpaceInPool is returned when there were pools that could have held the resource,
	// but none of them had a free range large enough
	ErrNotEnoughSpaceInPool = errors.New("not enough space in memory pool")
	// ErrNoSatisfiedMemoryPools is returned from AllocationExistingOnly allocations when no existing
	// pool is compatible with the resource
	ErrNoSatisfiedMemoryPools = errors.New("no existing memory pool satisfies the allocation")
	// ErrMemoryNotMappable is returned when mapped memory is requested from memory that is not
	// HostVisible
	ErrMemoryNotMappable = errors.New("memory is not host visible and cannot be mapped")
)

// PropertyAllocationError is returned by the property-driven allocation methods
// (AllocateBufferAny, AllocateImageOnly, ConditionalAllocateBuffer, etc.) when they fail.
//
// If no memory type advertised the requested properties, Compatible is false and the error
// unwraps to ErrNoSatisfiedMemoryTypes. Otherwise, Compatible is true and the error unwraps
// to the failure of the last memory type that was tried.
type PropertyAllocationError struct {
	Match      PropertyMatch
	Properties core1_0.MemoryPropertyFlags
	Compatible bool
	Result     common.VkResult
	Err        error
}

func (e *PropertyAllocationError) Error() string {
	if !e.Compatible {
		return fmt.Sprintf("%s(%s): %v", e.Match, e.Properties, e.Err)
	}

	return fmt.Sprintf("%s(%s): a compatible memory type was found, but allocation failed with %s: %v", e.Match, e.Properties, e.Result, e.Err)
}

func (e *PropertyAllocationError) Unwrap() error {
	return e.Err
}
