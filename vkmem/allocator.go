package vkmem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/memutils"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
)

// Allocator binds buffers and images into pooled device memory. It is not synchronized: calls
// must be serialized by the caller.
type Allocator struct {
	logger           *slog.Logger
	driver           vulkan.Driver
	deviceMemory     *vulkan.DeviceMemoryProperties
	memoryTypes      []*MemoryType
	growthCalculator GrowthCalculator
	releasePolicy    ReleasePolicy

	liveHandles int
}

// AllocationAttempt is one step of a conditional allocation
type AllocationAttempt struct {
	Match      PropertyMatch
	Properties core1_0.MemoryPropertyFlags
	Flags      AllocationFlags
}

func (a *Allocator) MemoryTypeCount() int {
	return len(a.memoryTypes)
}

func (a *Allocator) MemoryType(memoryTypeIndex int) *MemoryType {
	return a.memoryTypes[memoryTypeIndex]
}

// targetMemoryType returns the memory type a targeted allocation is made in, panicking if the
// allocation could never be made there
func (a *Allocator) targetMemoryType(memoryTypeIndex int, flags AllocationFlags) *MemoryType {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.memoryTypes) {
		panic(fmt.Sprintf("attempted to allocate from memory type %d, but there are only %d memory types", memoryTypeIndex, len(a.memoryTypes)))
	}

	memoryType := a.memoryTypes[memoryTypeIndex]
	if flags&AllocationMapMemory != 0 && !memoryType.IsMappable() {
		panic(fmt.Sprintf("attempted to allocate mapped memory from memory type %d, which has properties %s", memoryTypeIndex, memoryType.PropertyFlags()))
	}

	return memoryType
}

// requirements retrieves the resource's memory requirements. Resources that require a dedicated
// allocation are always given their own pool. Resources the driver merely prefers to dedicate get
// one too, unless the caller asked to stay within existing pools.
func (a *Allocator) requirements(r resource, flags AllocationFlags) (core1_0.MemoryRequirements, AllocationFlags, common.VkResult, error) {
	requirements, err := resourceRequirements(a.driver, r)
	if err != nil {
		return core1_0.MemoryRequirements{}, flags, core1_0.VKErrorUnknown, err
	}

	if requirements.RequiresDedicatedAllocation {
		flags |= AllocationSeparatePool
	} else if requirements.PrefersDedicatedAllocation && flags&AllocationExistingOnly == 0 {
		flags |= AllocationSeparatePool
	}

	return requirements.MemoryRequirements, flags, core1_0.VKSuccess, nil
}

func (a *Allocator) bindTargeted(memoryType *MemoryType, r resource, flags AllocationFlags) (binding, common.VkResult, error) {
	requirements, flags, res, err := a.requirements(r, flags)
	if err != nil {
		return binding{}, res, err
	}

	return memoryType.Bind(r, resourceTypeOf(r), requirements, flags, a.growthCalculator)
}

// isExhaustion returns true for failures that another memory type might not have
func isExhaustion(res common.VkResult, err error) bool {
	return res == core1_0.VKErrorOutOfDeviceMemory ||
		res == core1_0.VKErrorOutOfHostMemory ||
		errors.Is(err, ErrNotEnoughSpaceInPool) ||
		errors.Is(err, ErrNoSatisfiedMemoryPools)
}

// bindMatching tries every memory type that matches the requested properties in index order
// and returns the first success. Exhaustion moves on to the next memory type, any other
// failure is returned immediately.
func (a *Allocator) bindMatching(
	r resource,
	requirements core1_0.MemoryRequirements,
	match PropertyMatch,
	properties core1_0.MemoryPropertyFlags,
	flags AllocationFlags,
) (binding, common.VkResult, error) {
	compatible := false
	res := core1_0.VKErrorFeatureNotPresent
	var err error

	for _, memoryType := range a.memoryTypes {
		if !memoryType.IsSatisfy(requirements) || !memoryType.isSatisfyMatch(match, properties) {
			continue
		}
		if flags&AllocationMapMemory != 0 && !memoryType.IsMappable() {
			continue
		}

		compatible = true
		var b binding
		b, res, err = memoryType.Bind(r, resourceTypeOf(r), requirements, flags, a.growthCalculator)
		if err == nil {
			return b, res, nil
		}
		if !isExhaustion(res, err) {
			break
		}
	}

	if !compatible {
		return binding{}, res, &PropertyAllocationError{
			Match:      match,
			Properties: properties,
			Result:     res,
			Err:        ErrNoSatisfiedMemoryTypes,
		}
	}

	return binding{}, res, &PropertyAllocationError{
		Match:      match,
		Properties: properties,
		Compatible: true,
		Result:     res,
		Err:        err,
	}
}

// bindConditional runs through the attempts in order. The next attempt is only tried if the
// previous one found no compatible memory type or ran out of memory.
func (a *Allocator) bindConditional(r resource, attempts []AllocationAttempt) (binding, int, common.VkResult, error) {
	if len(attempts) == 0 {
		panic("attempted a conditional allocation with no attempts")
	}

	requirements, dedicatedFlags, res, err := a.requirements(r, 0)
	if err != nil {
		return binding{}, -1, res, err
	}

	for attemptIndex, attempt := range attempts {
		var b binding
		b, res, err = a.bindMatching(r, requirements, attempt.Match, attempt.Properties, attempt.Flags|dedicatedFlags)
		if err == nil {
			return b, attemptIndex, res, nil
		}

		var propertyErr *PropertyAllocationError
		if errors.As(err, &propertyErr) && propertyErr.Compatible && !isExhaustion(propertyErr.Result, propertyErr.Err) {
			return binding{}, -1, res, err
		}
	}

	return binding{}, -1, res, err
}

func (a *Allocator) newBoundedBuffer(b binding, buffer core1_0.Buffer, owned bool) *BoundedBuffer {
	a.liveHandles++
	return &BoundedBuffer{
		allocation: allocation{allocator: a, binding: b, owned: owned},
		buffer:     buffer,
	}
}

func (a *Allocator) newBoundedImage(b binding, image core1_0.Image, owned bool) *BoundedImage {
	a.liveHandles++
	return &BoundedImage{
		allocation: allocation{allocator: a, binding: b, owned: owned},
		image:      image,
	}
}

// AllocateBuffer creates a buffer and binds it into the requested memory type
func (a *Allocator) AllocateBuffer(memoryTypeIndex int, createInfo core1_0.BufferCreateInfo, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBuffer")

	memoryType := a.targetMemoryType(memoryTypeIndex, flags)

	buffer, res, err := a.driver.CreateBuffer(createInfo)
	if err != nil {
		return nil, res, err
	}

	r := bufferResource{buffer: buffer}
	b, res, err := a.bindTargeted(memoryType, r, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	return a.newBoundedBuffer(b, buffer, true), res, nil
}

// AllocateBufferSize creates a buffer of the requested size and usage and binds it into the
// requested memory type
func (a *Allocator) AllocateBufferSize(memoryTypeIndex int, size int, usage core1_0.BufferUsageFlags, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBufferSize")

	return a.AllocateBuffer(memoryTypeIndex, core1_0.BufferCreateInfo{
		Size:  size,
		Usage: usage,
	}, flags)
}

// BindBuffer binds a buffer created by the caller into the requested memory type. The buffer is
// not destroyed when the handle is released.
func (a *Allocator) BindBuffer(memoryTypeIndex int, buffer core1_0.Buffer, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::BindBuffer")

	if buffer == nil {
		panic("attempted to bind a nil buffer")
	}
	memoryType := a.targetMemoryType(memoryTypeIndex, flags)

	b, res, err := a.bindTargeted(memoryType, bufferResource{buffer: buffer}, flags)
	if err != nil {
		return nil, res, err
	}

	return a.newBoundedBuffer(b, buffer, false), res, nil
}

// AllocateImage creates an image and binds it into the requested memory type
func (a *Allocator) AllocateImage(memoryTypeIndex int, createInfo core1_0.ImageCreateInfo, flags AllocationFlags) (*BoundedImage, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImage")

	memoryType := a.targetMemoryType(memoryTypeIndex, flags)

	image, res, err := a.driver.CreateImage(createInfo)
	if err != nil {
		return nil, res, err
	}

	r := imageResource{image: image, tiling: createInfo.Tiling}
	b, res, err := a.bindTargeted(memoryType, r, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	return a.newBoundedImage(b, image, true), res, nil
}

// BindImage binds an image created by the caller into the requested memory type. The tiling
// the image was created with decides whether it is treated as a linear resource. The image is
// not destroyed when the handle is released.
func (a *Allocator) BindImage(memoryTypeIndex int, image core1_0.Image, tiling core1_0.ImageTiling, flags AllocationFlags) (*BoundedImage, common.VkResult, error) {
	a.logger.Debug("Allocator::BindImage")

	if image == nil {
		panic("attempted to bind a nil image")
	}
	memoryType := a.targetMemoryType(memoryTypeIndex, flags)

	b, res, err := a.bindTargeted(memoryType, imageResource{image: image, tiling: tiling}, flags)
	if err != nil {
		return nil, res, err
	}

	return a.newBoundedImage(b, image, false), res, nil
}

func (a *Allocator) allocateBufferMatching(match PropertyMatch, properties core1_0.MemoryPropertyFlags, createInfo core1_0.BufferCreateInfo, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	buffer, res, err := a.driver.CreateBuffer(createInfo)
	if err != nil {
		return nil, res, err
	}

	r := bufferResource{buffer: buffer}
	requirements, flags, res, err := a.requirements(r, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	b, res, err := a.bindMatching(r, requirements, match, properties, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	return a.newBoundedBuffer(b, buffer, true), res, nil
}

// AllocateBufferAny creates a buffer and binds it into the first memory type that has at least
// one of the requested property flags. Failures are returned as *PropertyAllocationError.
func (a *Allocator) AllocateBufferAny(properties core1_0.MemoryPropertyFlags, createInfo core1_0.BufferCreateInfo, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBufferAny")

	return a.allocateBufferMatching(PropertyMatchAny, properties, createInfo, flags)
}

// AllocateBufferOnly creates a buffer and binds it into the first memory type whose property
// flags are exactly the requested flags. Failures are returned as *PropertyAllocationError.
func (a *Allocator) AllocateBufferOnly(properties core1_0.MemoryPropertyFlags, createInfo core1_0.BufferCreateInfo, flags AllocationFlags) (*BoundedBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBufferOnly")

	return a.allocateBufferMatching(PropertyMatchOnly, properties, createInfo, flags)
}

func (a *Allocator) allocateImageMatching(match PropertyMatch, properties core1_0.MemoryPropertyFlags, createInfo core1_0.ImageCreateInfo, flags AllocationFlags) (*BoundedImage, common.VkResult, error) {
	image, res, err := a.driver.CreateImage(createInfo)
	if err != nil {
		return nil, res, err
	}

	r := imageResource{image: image, tiling: createInfo.Tiling}
	requirements, flags, res, err := a.requirements(r, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	b, res, err := a.bindMatching(r, requirements, match, properties, flags)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, res, err
	}

	return a.newBoundedImage(b, image, true), res, nil
}

// AllocateImageAny creates an image and binds it into the first memory type that has at least
// one of the requested property flags. Failures are returned as *PropertyAllocationError.
func (a *Allocator) AllocateImageAny(properties core1_0.MemoryPropertyFlags, createInfo core1_0.ImageCreateInfo, flags AllocationFlags) (*BoundedImage, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImageAny")

	return a.allocateImageMatching(PropertyMatchAny, properties, createInfo, flags)
}

// AllocateImageOnly creates an image and binds it into the first memory type whose property
// flags are exactly the requested flags. Failures are returned as *PropertyAllocationError.
func (a *Allocator) AllocateImageOnly(properties core1_0.MemoryPropertyFlags, createInfo core1_0.ImageCreateInfo, flags AllocationFlags) (*BoundedImage, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImageOnly")

	return a.allocateImageMatching(PropertyMatchOnly, properties, createInfo, flags)
}

// ConditionalAllocateBuffer creates a buffer and works through the attempts in order, returning
// the first successful binding along with the index of the attempt that made it. A typical
// chain is Only(DeviceLocal), then Any(DeviceLocal), then Any(HostVisible).
//
// An attempt only falls through to the next one if no memory type matched it or the matching
// memory types were out of memory. Any other failure is returned immediately.
func (a *Allocator) ConditionalAllocateBuffer(attempts []AllocationAttempt, createInfo core1_0.BufferCreateInfo) (*BoundedBuffer, int, common.VkResult, error) {
	a.logger.Debug("Allocator::ConditionalAllocateBuffer")

	buffer, res, err := a.driver.CreateBuffer(createInfo)
	if err != nil {
		return nil, -1, res, err
	}

	r := bufferResource{buffer: buffer}
	b, attemptIndex, res, err := a.bindConditional(r, attempts)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, -1, res, err
	}

	return a.newBoundedBuffer(b, buffer, true), attemptIndex, res, nil
}

// ConditionalAllocateImage is ConditionalAllocateBuffer for images
func (a *Allocator) ConditionalAllocateImage(attempts []AllocationAttempt, createInfo core1_0.ImageCreateInfo) (*BoundedImage, int, common.VkResult, error) {
	a.logger.Debug("Allocator::ConditionalAllocateImage")

	image, res, err := a.driver.CreateImage(createInfo)
	if err != nil {
		return nil, -1, res, err
	}

	r := imageResource{image: image, tiling: createInfo.Tiling}
	b, attemptIndex, res, err := a.bindConditional(r, attempts)
	if err != nil {
		destroyResource(a.driver, r)
		return nil, -1, res, err
	}

	return a.newBoundedImage(b, image, true), attemptIndex, res, nil
}

func (a *Allocator) release(handle *allocation, policy ReleasePolicy) error {
	if handle.allocator != a {
		panic("attempted to release a handle that was allocated by a different allocator")
	}
	handle.checkLive()

	memoryType := a.memoryTypes[handle.binding.memoryTypeIndex]
	err := memoryType.releaseBlock(handle.binding)
	if err != nil {
		// The block is still held, so the handle stays live and can be released again
		return err
	}

	handle.released = true
	a.liveHandles--

	if handle.owned {
		destroyResource(a.driver, handle.binding.resource)
	}

	err = memoryType.applyReleasePolicy(handle.binding.pool, policy)
	memutils.DebugValidate(a)
	return err
}

// ReleaseBuffer releases the buffer's memory, and destroys the buffer if it was created by the
// allocator. Releasing a handle twice panics.
func (a *Allocator) ReleaseBuffer(buffer *BoundedBuffer, policy ReleasePolicy) error {
	a.logger.Debug("Allocator::ReleaseBuffer")

	return a.release(&buffer.allocation, policy)
}

// ReleaseImage releases the image's memory, and destroys the image if it was created by the
// allocator. Releasing a handle twice panics.
func (a *Allocator) ReleaseImage(image *BoundedImage, policy ReleasePolicy) error {
	a.logger.Debug("Allocator::ReleaseImage")

	return a.release(&image.allocation, policy)
}

// Trim destroys every empty memory pool and returns how many were destroyed
func (a *Allocator) Trim() (int, error) {
	a.logger.Debug("Allocator::Trim")

	destroyed := 0
	for _, memoryType := range a.memoryTypes {
		count, err := memoryType.Trim()
		destroyed += count
		if err != nil {
			return destroyed, err
		}
	}

	return destroyed, nil
}

// Destroy frees every memory pool. It fails if any resources are still bound, after logging
// each of them.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	if a.liveHandles > 0 {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] allocator destroyed with live handles",
			slog.Int("liveHandles", a.liveHandles))
	}

	var result error
	for _, memoryType := range a.memoryTypes {
		err := memoryType.destroy()
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result
}

// Validate checks every memory type for internal consistency, then checks that the pools and
// blocks they hold add up to the per-heap usage tracked as device memory is allocated and freed
func (a *Allocator) Validate() error {
	var result error
	heaps := make([]memutils.Statistics, a.deviceMemory.MemoryHeapCount())

	for _, memoryType := range a.memoryTypes {
		err := memoryType.Validate()
		if err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "memory type %d", memoryType.Index()))
		}

		memoryType.AddStatistics(&heaps[memoryType.HeapIndex()])
	}

	for heapIndex := range heaps {
		tracked := a.deviceMemory.HeapStatistics(heapIndex)
		if tracked != heaps[heapIndex] {
			result = errors.CombineErrors(result, errors.Newf("heap %d tracks %+v, but its pools hold %+v",
				heapIndex, tracked, heaps[heapIndex]))
		}
	}

	return result
}

// AllocatorStatistics breaks down the allocator's memory use per memory type and per heap
type AllocatorStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics walks every pool and fills stats
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.MemoryTypes = make([]memutils.DetailedStatistics, len(a.memoryTypes))
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, a.deviceMemory.MemoryHeapCount())
	stats.Total.Clear()
	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	for typeIndex, memoryType := range a.memoryTypes {
		typeStats := &stats.MemoryTypes[typeIndex]
		typeStats.Clear()
		memoryType.AddDetailedStatistics(typeStats)

		stats.MemoryHeaps[memoryType.HeapIndex()].AddDetailedStatistics(typeStats)
		stats.Total.AddDetailedStatistics(typeStats)
	}
}

// HeapUsage returns the device memory allocated from a heap (as pools) and handed out of it
// (as blocks), as tracked when allocating and freeing
func (a *Allocator) HeapUsage(heapIndex int) memutils.Statistics {
	return a.deviceMemory.HeapStatistics(heapIndex)
}
