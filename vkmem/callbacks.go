package vkmem

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
)

// DeviceMemoryCallback observes a single device memory allocation backing a pool. size is the
// full pool size, not the size of any block bound into it.
type DeviceMemoryCallback func(allocator *Allocator, memoryType int, memory core1_0.DeviceMemory, size int, userData any)

// MemoryCallbackOptions is an optional set of callbacks that are called whenever a memory pool
// allocates or frees its device memory. Allocate runs after the driver call succeeds, Free runs
// before the memory is returned to the driver.
type MemoryCallbackOptions struct {
	Allocate DeviceMemoryCallback
	Free     DeviceMemoryCallback
	UserData any
}

// poolMemoryNotifier forwards the device memory accounting events to the caller's options
type poolMemoryNotifier struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (n poolMemoryNotifier) call(callback DeviceMemoryCallback, memoryType int, memory core1_0.DeviceMemory, size int) {
	if callback != nil {
		callback(n.allocator, memoryType, memory, size, n.options.UserData)
	}
}

func (n poolMemoryNotifier) Allocate(memoryType int, memory core1_0.DeviceMemory, size int) {
	n.call(n.options.Allocate, memoryType, memory, size)
}

func (n poolMemoryNotifier) Free(memoryType int, memory core1_0.DeviceMemory, size int) {
	n.call(n.options.Free, memoryType, memory, size)
}

// newPoolMemoryNotifier returns nil when there is nothing to notify, so device memory
// accounting can skip the calls entirely
func newPoolMemoryNotifier(allocator *Allocator, options *MemoryCallbackOptions) vulkan.MemoryCallbacks {
	if options == nil || (options.Allocate == nil && options.Free == nil) {
		return nil
	}

	return poolMemoryNotifier{options: options, allocator: allocator}
}
