package vkmem

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// allocation is the part of a bound resource handle shared between buffers and images
type allocation struct {
	allocator *Allocator
	binding   binding
	// Whether the allocator created the native resource and destroys it on release
	owned    bool
	released bool
}

func (a *allocation) checkLive() {
	if a.released {
		panic("attempted to use a bound resource handle after it was released")
	}
}

func (a *allocation) pool() *MemoryPool {
	return a.allocator.memoryTypes[a.binding.memoryTypeIndex].pool(a.binding.pool)
}

// MemoryTypeIndex returns the index of the memory type the resource is bound in
func (a *allocation) MemoryTypeIndex() int {
	a.checkLive()
	return a.binding.memoryTypeIndex
}

// Offset returns the offset of the resource within its pool's device memory
func (a *allocation) Offset() int {
	a.checkLive()
	return a.binding.block.Offset
}

// Size returns the number of bytes reserved for the resource. It may be larger than the
// resource's memory requirements when it shares a pool with resources of the other tiling.
func (a *allocation) Size() int {
	a.checkLive()
	return a.binding.block.Size
}

// Memory returns the device memory the resource is bound to
func (a *allocation) Memory() core1_0.DeviceMemory {
	a.checkLive()
	return a.pool().Memory()
}

func (a *allocation) IsMapped() bool {
	a.checkLive()
	return a.pool().IsMapped()
}

// MappedData returns a host pointer to the start of the resource's memory, or nil if the
// resource was not allocated with AllocationMapMemory
func (a *allocation) MappedData() unsafe.Pointer {
	a.checkLive()

	mapped := a.pool().MappedData()
	if mapped == nil {
		return nil
	}
	return unsafe.Add(mapped, a.binding.block.Offset)
}

// BoundedBuffer is a buffer bound to memory by an Allocator. It must be passed back to
// Allocator.ReleaseBuffer (or released with Release) exactly once.
type BoundedBuffer struct {
	allocation
	buffer core1_0.Buffer
}

func (b *BoundedBuffer) Buffer() core1_0.Buffer {
	b.checkLive()
	return b.buffer
}

// Release releases the buffer with the allocator's default release policy
func (b *BoundedBuffer) Release() error {
	return b.allocator.ReleaseBuffer(b, b.allocator.releasePolicy)
}

// BoundedImage is an image bound to memory by an Allocator. It must be passed back to
// Allocator.ReleaseImage (or released with Release) exactly once.
type BoundedImage struct {
	allocation
	image core1_0.Image
}

func (i *BoundedImage) Image() core1_0.Image {
	i.checkLive()
	return i.image
}

// Release releases the image with the allocator's default release policy
func (i *BoundedImage) Release() error {
	return i.allocator.ReleaseImage(i, i.allocator.releasePolicy)
}
