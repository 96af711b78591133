package vulkan

//go:generate mockgen -source driver.go -destination ./mocks/driver.go -package mocks

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryRequirements is core1_0.MemoryRequirements plus the dedicated allocation hints reported
// by VK_KHR_dedicated_allocation, when it is available
type MemoryRequirements struct {
	core1_0.MemoryRequirements

	RequiresDedicatedAllocation bool
	PrefersDedicatedAllocation  bool
}

// Driver is every native call the allocator makes. Production code uses the implementation
// returned by NewDeviceDriver, tests use mocks.MockDriver.
type Driver interface {
	AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)
	MapMemory(memory core1_0.DeviceMemory, offset, size int) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory core1_0.DeviceMemory)

	CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
	DestroyBuffer(buffer core1_0.Buffer)
	BufferMemoryRequirements(buffer core1_0.Buffer) (MemoryRequirements, error)
	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)

	CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error)
	DestroyImage(image core1_0.Image)
	ImageMemoryRequirements(image core1_0.Image) (MemoryRequirements, error)
	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
}
