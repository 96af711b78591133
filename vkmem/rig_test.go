package vkmem

import (
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan/mocks"
	"go.uber.org/mock/gomock"
)

type fakeMemory struct {
	core1_0.DeviceMemory
	id int
}

type fakeBuffer struct {
	core1_0.Buffer
	id int
}

type fakeImage struct {
	core1_0.Image
	id int
}

const (
	kb = 1024
	mb = 1024 * kb
)

type rigSetup struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap
	Limits      core1_0.PhysicalDeviceLimits
	Options     CreateOptions
}

type testRig struct {
	t         *testing.T
	driver    *mocks.MockDriver
	allocator *Allocator
	nextID    int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func deviceLocalSetup(heapSize int) rigSetup {
	return rigSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: heapSize, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	}
}

func hostVisibleSetup(heapSize int) rigSetup {
	return rigSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: heapSize},
		},
	}
}

func newTestRig(t *testing.T, setup rigSetup) *testRig {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)

	limits := setup.Limits
	if limits.BufferImageGranularity == 0 {
		limits.BufferImageGranularity = 1
	}
	if limits.NonCoherentAtomSize == 0 {
		limits.NonCoherentAtomSize = 1
	}

	allocator, err := newAllocator(testLogger(), driver, &limits, &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}, setup.Options)
	require.NoError(t, err)

	return &testRig{t: t, driver: driver, allocator: allocator}
}

func (r *testRig) id() int {
	r.nextID++
	return r.nextID
}

func (r *testRig) newMemory() *fakeMemory {
	return &fakeMemory{id: r.id()}
}

func (r *testRig) newBuffer() *fakeBuffer {
	return &fakeBuffer{id: r.id()}
}

func (r *testRig) newImage() *fakeImage {
	return &fakeImage{id: r.id()}
}

func requirements(size, alignment int, typeBits uint32) vulkan.MemoryRequirements {
	return vulkan.MemoryRequirements{
		MemoryRequirements: core1_0.MemoryRequirements{
			Size:           size,
			Alignment:      alignment,
			MemoryTypeBits: typeBits,
		},
	}
}

// expectAllocate expects a single device memory allocation
func (r *testRig) expectAllocate(memoryTypeIndex, size int) *fakeMemory {
	memory := r.newMemory()
	r.driver.EXPECT().AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}).Return(memory, core1_0.VKSuccess, nil)
	return memory
}

func (r *testRig) expectAllocateFailure(memoryTypeIndex, size int, res common.VkResult) {
	r.driver.EXPECT().AllocateMemory(core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	}).Return(nil, res, res.ToError())
}

func (r *testRig) expectMap(memory *fakeMemory, size int) unsafe.Pointer {
	backing := make([]byte, size)
	pointer := unsafe.Pointer(&backing[0])
	r.driver.EXPECT().MapMemory(memory, 0, size).Return(pointer, core1_0.VKSuccess, nil)
	return pointer
}

// expectCreateBuffer expects the allocator to create a buffer and query its requirements
func (r *testRig) expectCreateBuffer(reqs vulkan.MemoryRequirements) *fakeBuffer {
	buffer := r.newBuffer()
	r.driver.EXPECT().CreateBuffer(gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	r.driver.EXPECT().BufferMemoryRequirements(buffer).Return(reqs, nil)
	return buffer
}

func (r *testRig) expectCreateImage(reqs vulkan.MemoryRequirements) *fakeImage {
	image := r.newImage()
	r.driver.EXPECT().CreateImage(gomock.Any()).Return(image, core1_0.VKSuccess, nil)
	r.driver.EXPECT().ImageMemoryRequirements(image).Return(reqs, nil)
	return image
}

func (r *testRig) expectBindBuffer(buffer *fakeBuffer, memory *fakeMemory, offset int) {
	r.driver.EXPECT().BindBufferMemory(buffer, memory, offset).Return(core1_0.VKSuccess, nil)
}

func (r *testRig) expectBindImage(image *fakeImage, memory *fakeMemory, offset int) {
	r.driver.EXPECT().BindImageMemory(image, memory, offset).Return(core1_0.VKSuccess, nil)
}

// permissive lets every driver call succeed any number of times
func (r *testRig) permissive(reqs vulkan.MemoryRequirements) {
	r.driver.EXPECT().AllocateMemory(gomock.Any()).DoAndReturn(
		func(core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
			return r.newMemory(), core1_0.VKSuccess, nil
		}).AnyTimes()
	r.driver.EXPECT().FreeMemory(gomock.Any()).AnyTimes()
	r.driver.EXPECT().MapMemory(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(core1_0.DeviceMemory, int, int) (unsafe.Pointer, common.VkResult, error) {
			backing := make([]byte, 1)
			return unsafe.Pointer(&backing[0]), core1_0.VKSuccess, nil
		}).AnyTimes()
	r.driver.EXPECT().UnmapMemory(gomock.Any()).AnyTimes()
	r.driver.EXPECT().CreateBuffer(gomock.Any()).DoAndReturn(
		func(core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
			return r.newBuffer(), core1_0.VKSuccess, nil
		}).AnyTimes()
	r.driver.EXPECT().DestroyBuffer(gomock.Any()).AnyTimes()
	r.driver.EXPECT().BufferMemoryRequirements(gomock.Any()).Return(reqs, nil).AnyTimes()
	r.driver.EXPECT().BindBufferMemory(gomock.Any(), gomock.Any(), gomock.Any()).Return(core1_0.VKSuccess, nil).AnyTimes()
}

func (r *testRig) pools(memoryTypeIndex int) []*MemoryPool {
	return r.allocator.MemoryType(memoryTypeIndex).Pools()
}
