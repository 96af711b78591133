package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
)

type deviceDriver struct {
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	extensionData       *ExtensionData
}

var _ Driver = &deviceDriver{}

// NewDeviceDriver returns a Driver that issues its calls against a vkngwrapper Device
func NewDeviceDriver(device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks) Driver {
	return &deviceDriver{
		device:              device,
		allocationCallbacks: allocationCallbacks,
		extensionData:       NewExtensionData(device),
	}
}

func (d *deviceDriver) AllocateMemory(allocateInfo core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	return d.device.AllocateMemory(d.allocationCallbacks, allocateInfo)
}

func (d *deviceDriver) FreeMemory(memory core1_0.DeviceMemory) {
	memory.Free(d.allocationCallbacks)
}

func (d *deviceDriver) MapMemory(memory core1_0.DeviceMemory, offset, size int) (unsafe.Pointer, common.VkResult, error) {
	return memory.Map(offset, size, 0)
}

func (d *deviceDriver) UnmapMemory(memory core1_0.DeviceMemory) {
	memory.Unmap()
}

func (d *deviceDriver) CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return d.device.CreateBuffer(d.allocationCallbacks, createInfo)
}

func (d *deviceDriver) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.allocationCallbacks)
}

func (d *deviceDriver) BufferMemoryRequirements(buffer core1_0.Buffer) (MemoryRequirements, error) {
	if d.extensionData.DedicatedAllocations && d.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err := d.extensionData.GetMemoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{
				Buffer: buffer,
			},
			&memReqs)
		if err != nil {
			return MemoryRequirements{}, err
		}

		return MemoryRequirements{
			MemoryRequirements:          memReqs.MemoryRequirements,
			RequiresDedicatedAllocation: dedicatedReqs.RequiresDedicatedAllocation,
			PrefersDedicatedAllocation:  dedicatedReqs.PrefersDedicatedAllocation,
		}, nil
	}

	return MemoryRequirements{MemoryRequirements: *buffer.MemoryRequirements()}, nil
}

func (d *deviceDriver) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(memory, offset)
}

func (d *deviceDriver) CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return d.device.CreateImage(d.allocationCallbacks, createInfo)
}

func (d *deviceDriver) DestroyImage(image core1_0.Image) {
	image.Destroy(d.allocationCallbacks)
}

func (d *deviceDriver) ImageMemoryRequirements(image core1_0.Image) (MemoryRequirements, error) {
	if d.extensionData.DedicatedAllocations && d.extensionData.GetMemoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err := d.extensionData.GetMemoryRequirements.ImageMemoryRequirements2(
			core1_1.ImageMemoryRequirementsInfo2{
				Image: image,
			},
			&memReqs)
		if err != nil {
			return MemoryRequirements{}, err
		}

		return MemoryRequirements{
			MemoryRequirements:          memReqs.MemoryRequirements,
			RequiresDedicatedAllocation: dedicatedReqs.RequiresDedicatedAllocation,
			PrefersDedicatedAllocation:  dedicatedReqs.PrefersDedicatedAllocation,
		}, nil
	}

	return MemoryRequirements{MemoryRequirements: *image.MemoryRequirements()}, nil
}

func (d *deviceDriver) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return image.BindImageMemory(memory, offset)
}
