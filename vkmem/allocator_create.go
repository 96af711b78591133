package vkmem

import (
	"log/slog"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// GrowthCalculator sizes new memory pools. DefaultGrowthCalculator{} is used when it is nil.
	GrowthCalculator GrowthCalculator
	// DefaultReleasePolicy is the policy used by BoundedBuffer.Release and BoundedImage.Release
	DefaultReleasePolicy ReleasePolicy

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// and resources created from this allocator
	VulkanCallbacks *driver.AllocationCallbacks

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when Vulkan memory
	// is allocated or freed by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or 0 indicating
	// no limit.
	HeapSizeLimits []int

	// BufferImageGranularity replaces the device's bufferImageGranularity limit when it is
	// non-zero. It must be a power of two.
	BufferImageGranularity int
}

// New creates a new Allocator
//
// logger - The logger that allocator activity is traced to
//
// device - The Device that memory will be allocated into
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device core1_0.Device, physicalDevice core1_0.PhysicalDevice, options CreateOptions) (*Allocator, error) {
	if device == nil {
		panic("attempted to create an allocator with a nil device")
	}
	if physicalDevice == nil {
		panic("attempted to create an allocator with a nil physical device")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	return newAllocator(
		logger,
		vulkan.NewDeviceDriver(device, options.VulkanCallbacks),
		deviceProperties.Limits,
		physicalDevice.MemoryProperties(),
		options,
	)
}

func newAllocator(
	logger *slog.Logger,
	vulkanDriver vulkan.Driver,
	limits *core1_0.PhysicalDeviceLimits,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	options CreateOptions,
) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	allocator := &Allocator{
		logger:           logger,
		driver:           vulkanDriver,
		growthCalculator: options.GrowthCalculator,
		releasePolicy:    options.DefaultReleasePolicy,
	}

	if allocator.growthCalculator == nil {
		allocator.growthCalculator = DefaultGrowthCalculator{}
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		vulkanDriver,
		newPoolMemoryNotifier(allocator, options.MemoryCallbackOptions),
		limits,
		memoryProperties,
		options.HeapSizeLimits,
		options.BufferImageGranularity,
	)
	if err != nil {
		return nil, err
	}

	typeCount := allocator.deviceMemory.MemoryTypeCount()
	allocator.memoryTypes = make([]*MemoryType, 0, typeCount)
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.memoryTypes = append(allocator.memoryTypes, newMemoryType(logger, allocator.deviceMemory, typeIndex))
	}

	return allocator, nil
}
