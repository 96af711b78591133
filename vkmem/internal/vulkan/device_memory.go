package vulkan

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/memutils"
)

// MemoryCallbacks is notified every time device memory is allocated or freed by DeviceMemoryProperties
type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}

// DeviceMemoryProperties holds the physical device's memory type table and limits, and keeps
// per-heap accounting of the device memory allocated through it. It is not synchronized.
type DeviceMemoryProperties struct {
	// Real allocations made from device memory (PoolCount/PoolBytes) and the blocks handed out of
	// them (BlockCount/BlockBytes), per heap
	heapUsage [common.MaxMemoryHeaps]memutils.Statistics

	memoryCount            int
	maxMemoryCount         int
	bufferImageGranularity int
	nonCoherentAtomSize    int
	heapLimits             []int

	driver           Driver
	memoryCallbacks  MemoryCallbacks
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

// NewDeviceMemoryProperties validates the device limits and heap size limits and builds a
// DeviceMemoryProperties. granularityOverride replaces the device's bufferImageGranularity
// when it is non-zero.
func NewDeviceMemoryProperties(
	driver Driver,
	memoryCallbacks MemoryCallbacks,
	limits *core1_0.PhysicalDeviceLimits,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	heapSizeLimits []int,
	granularityOverride int,
) (*DeviceMemoryProperties, error) {
	if driver == nil {
		return nil, errors.New("attempted to create device memory properties with a nil driver")
	}
	if limits == nil || memoryProperties == nil {
		return nil, errors.New("attempted to create device memory properties without device limits or memory properties")
	}

	granularity := limits.BufferImageGranularity
	if granularityOverride != 0 {
		granularity = granularityOverride
	}
	if granularity < 1 {
		granularity = 1
	}

	err := memutils.CheckPow2(granularity, "bufferImageGranularity")
	if err != nil {
		return nil, err
	}

	nonCoherentAtomSize := limits.NonCoherentAtomSize
	if nonCoherentAtomSize < 1 {
		nonCoherentAtomSize = 1
	}
	err = memutils.CheckPow2(nonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("physical device reports %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.Newf("vkmem.CreateOptions.HeapSizeLimits was provided with %d entries, but the physical device has %d memory heaps", heapLimitCount, heapCount)
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the physical device has %d memory heaps", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	return &DeviceMemoryProperties{
		maxMemoryCount:         limits.MaxMemoryAllocationCount,
		bufferImageGranularity: granularity,
		nonCoherentAtomSize:    nonCoherentAtomSize,
		heapLimits:             heapSizeLimits,

		driver:           driver,
		memoryCallbacks:  memoryCallbacks,
		memoryProperties: memoryProperties,
	}, nil
}

func (m *DeviceMemoryProperties) Driver() Driver {
	return m.driver
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

// MemoryHeapSize returns the usable size of a heap: the size the device reports, or the heap
// size limit when one was provided and is smaller
func (m *DeviceMemoryProperties) MemoryHeapSize(heapIndex int) int {
	heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
	limit := m.heapLimit(heapIndex)
	if limit > 0 && limit < heapSize {
		return limit
	}
	return heapSize
}

func (m *DeviceMemoryProperties) heapLimit(heapIndex int) int {
	if len(m.heapLimits) == 0 {
		return 0
	}
	return m.heapLimits[heapIndex]
}

func (m *DeviceMemoryProperties) BufferImageGranularity() uint {
	return uint(m.bufferImageGranularity)
}

// MemoryTypeMinimumAlignment is the alignment every block in the memory type must respect:
// nonCoherentAtomSize for host-visible, non-coherent memory and 1 otherwise
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		return uint(m.nonCoherentAtomSize)
	}

	return 1
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// AllocationCount returns the number of live device memory allocations
func (m *DeviceMemoryProperties) AllocationCount() int {
	return m.memoryCount
}

// AllocateVulkanMemory allocates device memory from the requested memory type. The device's
// maxMemoryAllocationCount and any heap size limit are enforced before the driver is called.
func (m *DeviceMemoryProperties) AllocateVulkanMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	if m.maxMemoryCount > 0 && m.memoryCount+1 > m.maxMemoryCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if m.heapLimit(heapIndex) > 0 && m.heapUsage[heapIndex].PoolBytes+size > m.MemoryHeapSize(heapIndex) {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory, res, err := m.driver.AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	m.memoryCount++
	m.heapUsage[heapIndex].PoolCount++
	m.heapUsage[heapIndex].PoolBytes += size

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return memory, res, nil
}

func (m *DeviceMemoryProperties) FreeVulkanMemory(memoryTypeIndex int, size int, memory core1_0.DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory, size)
	}

	m.driver.FreeMemory(memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.heapUsage[heapIndex].PoolCount--
	m.heapUsage[heapIndex].PoolBytes -= size
	m.memoryCount--

	if m.heapUsage[heapIndex].PoolBytes < 0 || m.heapUsage[heapIndex].PoolCount < 0 {
		panic(fmt.Sprintf("device memory accounting for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) AddBlock(heapIndex int, size int) {
	m.heapUsage[heapIndex].BlockCount++
	m.heapUsage[heapIndex].BlockBytes += size
}

func (m *DeviceMemoryProperties) RemoveBlock(heapIndex int, size int) {
	m.heapUsage[heapIndex].BlockCount--
	m.heapUsage[heapIndex].BlockBytes -= size

	if m.heapUsage[heapIndex].BlockBytes < 0 || m.heapUsage[heapIndex].BlockCount < 0 {
		panic(fmt.Sprintf("block accounting for heapIndex %d went negative", heapIndex))
	}
}

// HeapStatistics returns the accounting for a single heap
func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int) memutils.Statistics {
	return m.heapUsage[heapIndex]
}
