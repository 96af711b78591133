package vkmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
)

func TestMemoryTypeSatisfy(t *testing.T) {
	memoryType := &MemoryType{
		index:         2,
		propertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
	}

	testCases := map[string]struct {
		Flags core1_0.MemoryPropertyFlags
		Any   bool
		Only  bool
	}{
		"Empty":    {Flags: 0, Any: true, Only: true},
		"Exact":    {Flags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible, Any: true, Only: true},
		"Subset":   {Flags: core1_0.MemoryPropertyDeviceLocal, Any: true, Only: false},
		"Overlap":  {Flags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached, Any: true, Only: false},
		"Disjoint": {Flags: core1_0.MemoryPropertyHostCached, Any: false, Only: false},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Any, memoryType.IsSatisfyAny(testCase.Flags))
			require.Equal(t, testCase.Only, memoryType.IsSatisfyOnly(testCase.Flags))
		})
	}

	require.True(t, memoryType.IsSatisfy(core1_0.MemoryRequirements{MemoryTypeBits: 0b100}))
	require.False(t, memoryType.IsSatisfy(core1_0.MemoryRequirements{MemoryTypeBits: 0b011}))
}

func TestMemoryTypeBindContractViolations(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)
	r := bufferResource{buffer: rig.newBuffer()}
	growth := DefaultGrowthCalculator{}

	testCases := map[string]struct {
		Requirements core1_0.MemoryRequirements
		ResourceType ResourceType
		Flags        AllocationFlags
	}{
		"Zero Size":           {Requirements: core1_0.MemoryRequirements{Size: 0, Alignment: 1, MemoryTypeBits: 1}, ResourceType: ResourceTypeLinear},
		"Alignment Not Pow2":  {Requirements: core1_0.MemoryRequirements{Size: 10, Alignment: 3, MemoryTypeBits: 1}, ResourceType: ResourceTypeLinear},
		"Type Bit Mismatch":   {Requirements: core1_0.MemoryRequirements{Size: 10, Alignment: 1, MemoryTypeBits: 2}, ResourceType: ResourceTypeLinear},
		"Map Not Mappable":    {Requirements: core1_0.MemoryRequirements{Size: 10, Alignment: 1, MemoryTypeBits: 1}, ResourceType: ResourceTypeLinear, Flags: AllocationMapMemory},
		"Mixed Resource Type": {Requirements: core1_0.MemoryRequirements{Size: 10, Alignment: 1, MemoryTypeBits: 1}, ResourceType: ResourceTypeMixed},
		"Separate And Existing": {
			Requirements: core1_0.MemoryRequirements{Size: 10, Alignment: 1, MemoryTypeBits: 1},
			ResourceType: ResourceTypeLinear,
			Flags:        AllocationSeparatePool | AllocationExistingOnly,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Panics(t, func() {
				_, _, _ = memoryType.Bind(r, testCase.ResourceType, testCase.Requirements, testCase.Flags, growth)
			})
			require.Equal(t, 0, memoryType.PoolCount())
		})
	}
}

func TestMemoryTypeRequestLargerThanHeap(t *testing.T) {
	testCases := map[string]struct {
		Setup rigSetup
		Flags AllocationFlags
	}{
		"Device Local Separate": {Setup: deviceLocalSetup(mb), Flags: AllocationSeparatePool},
		"Device Local Default":  {Setup: deviceLocalSetup(mb)},
		"Host Separate":         {Setup: hostVisibleSetup(mb), Flags: AllocationSeparatePool},
		"Host Whole Pool":       {Setup: hostVisibleSetup(mb), Flags: AllocationBindWholePool},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			rig := newTestRig(t, testCase.Setup)
			memoryType := rig.allocator.MemoryType(0)

			_, res, err := memoryType.Bind(bufferResource{buffer: rig.newBuffer()}, ResourceTypeLinear,
				core1_0.MemoryRequirements{Size: 2 * mb, Alignment: 1, MemoryTypeBits: 1},
				testCase.Flags, DefaultGrowthCalculator{})
			require.Error(t, err)

			if memoryType.IsDeviceLocal() {
				require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
			} else {
				require.Equal(t, core1_0.VKErrorOutOfHostMemory, res)
			}
			require.Equal(t, 0, memoryType.PoolCount())
		})
	}
}

func TestMemoryTypeGrowthRetries(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)
	buffer := rig.newBuffer()

	var memory *fakeMemory
	gomock.InOrder(
		rig.driver.EXPECT().AllocateMemory(core1_0.MemoryAllocateInfo{AllocationSize: 32768, MemoryTypeIndex: 0}).
			Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()),
		rig.driver.EXPECT().AllocateMemory(core1_0.MemoryAllocateInfo{AllocationSize: 24576, MemoryTypeIndex: 0}).
			DoAndReturn(func(core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
				memory = rig.newMemory()
				return memory, core1_0.VKSuccess, nil
			}),
	)
	rig.driver.EXPECT().BindBufferMemory(buffer, gomock.Any(), 0).Return(core1_0.VKSuccess, nil)

	b, _, err := memoryType.Bind(bufferResource{buffer: buffer}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 10000, Alignment: 16, MemoryTypeBits: 1},
		0, DefaultGrowthCalculator{})
	require.NoError(t, err)
	require.Equal(t, 1, memoryType.PoolCount())
	require.Equal(t, 24576, memoryType.pool(b.pool).Size())
	require.Equal(t, memory, memoryType.pool(b.pool).Memory())
}

func TestMemoryTypeGrowthStagnationAborts(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)

	calls := 0
	stuck := GrowthCalculatorFunc(func(previousFailedSize, requestedSize int, memoryType *MemoryType) int {
		calls++
		return 4096
	})

	rig.expectAllocateFailure(0, 4096, core1_0.VKErrorOutOfDeviceMemory)

	_, res, err := memoryType.Bind(bufferResource{buffer: rig.newBuffer()}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1},
		0, stuck)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 2, calls)
	require.Equal(t, 0, memoryType.PoolCount())
}

func TestMemoryTypeGrowthGiveUp(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)

	giveUp := GrowthCalculatorFunc(func(previousFailedSize, requestedSize int, memoryType *MemoryType) int {
		return 0
	})

	_, res, err := memoryType.Bind(bufferResource{buffer: rig.newBuffer()}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1},
		0, giveUp)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 0, memoryType.PoolCount())
}

func TestMemoryTypeFreshPoolBindFailure(t *testing.T) {
	testCases := map[string]struct {
		Resource func(rig *testRig) resource
	}{
		"Buffer": {
			Resource: func(rig *testRig) resource {
				buffer := rig.newBuffer()
				rig.driver.EXPECT().BindBufferMemory(buffer, gomock.Any(), 0).Return(core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())
				return bufferResource{buffer: buffer}
			},
		},
		"Image": {
			Resource: func(rig *testRig) resource {
				image := rig.newImage()
				rig.driver.EXPECT().BindImageMemory(image, gomock.Any(), 0).Return(core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())
				return imageResource{image: image}
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			rig := newTestRig(t, deviceLocalSetup(mb))
			memoryType := rig.allocator.MemoryType(0)

			// Not retried: exactly one pool is allocated and freed again
			memory := rig.expectAllocate(0, 32768)
			rig.driver.EXPECT().FreeMemory(memory)

			r := testCase.Resource(rig)
			_, res, err := memoryType.Bind(r, resourceTypeOf(r),
				core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1},
				0, DefaultGrowthCalculator{})
			require.Error(t, err)
			require.Equal(t, core1_0.VKErrorUnknown, res)
			require.Equal(t, 0, memoryType.PoolCount())
			require.Equal(t, 0, rig.allocator.deviceMemory.AllocationCount())
		})
	}
}

func TestMemoryTypeExistingPoolBindFailureAbortsSearch(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)
	reqs := core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1}

	memory := rig.expectAllocate(0, 32768)
	first := rig.newBuffer()
	rig.expectBindBuffer(first, memory, 0)
	_, _, err := memoryType.Bind(bufferResource{buffer: first}, ResourceTypeLinear, reqs, 0, DefaultGrowthCalculator{})
	require.NoError(t, err)

	// The native failure is returned, and no new pool is created to retry in
	second := rig.newBuffer()
	rig.driver.EXPECT().BindBufferMemory(second, memory, 1000).Return(core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError())
	_, res, err := memoryType.Bind(bufferResource{buffer: second}, ResourceTypeLinear, reqs, 0, DefaultGrowthCalculator{})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
	require.Equal(t, 1, memoryType.PoolCount())
	require.Equal(t, 1, memoryType.Pools()[0].BlockCount())
}

func TestMemoryTypeExistingOnly(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)

	_, _, err := memoryType.Bind(bufferResource{buffer: rig.newBuffer()}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1},
		AllocationExistingOnly, DefaultGrowthCalculator{})
	require.ErrorIs(t, err, ErrNoSatisfiedMemoryPools)

	memory := rig.expectAllocate(0, 32768)
	buffer := rig.newBuffer()
	rig.expectBindBuffer(buffer, memory, 0)
	_, _, err = memoryType.Bind(bufferResource{buffer: buffer}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 30000, Alignment: 1, MemoryTypeBits: 1},
		0, DefaultGrowthCalculator{})
	require.NoError(t, err)

	_, _, err = memoryType.Bind(bufferResource{buffer: rig.newBuffer()}, ResourceTypeLinear,
		core1_0.MemoryRequirements{Size: 5000, Alignment: 1, MemoryTypeBits: 1},
		AllocationExistingOnly, DefaultGrowthCalculator{})
	require.ErrorIs(t, err, ErrNotEnoughSpaceInPool)
	require.False(t, errors.Is(err, ErrNoSatisfiedMemoryPools))
	require.Equal(t, 1, memoryType.PoolCount())
}

func TestMemoryTypeSearchOrder(t *testing.T) {
	testCases := map[string]struct {
		ResourceType ResourceType
		Flags        AllocationFlags
		Expected     []ResourceType
	}{
		"Linear": {
			ResourceType: ResourceTypeLinear,
			Expected:     []ResourceType{ResourceTypeNone, ResourceTypeLinear},
		},
		"NonLinear Mixed": {
			ResourceType: ResourceTypeNonLinear,
			Flags:        AllocationAllowMixed,
			Expected:     []ResourceType{ResourceTypeNone, ResourceTypeNonLinear, ResourceTypeMixed, ResourceTypeLinear},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Expected, searchOrder(testCase.ResourceType, testCase.Flags))
		})
	}
}

func TestMemoryTypePrefersEmptyPools(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)
	reqs := core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1}

	firstMemory := rig.expectAllocate(0, 32768)
	firstBuffer := rig.newBuffer()
	rig.expectBindBuffer(firstBuffer, firstMemory, 0)
	first, _, err := memoryType.Bind(bufferResource{buffer: firstBuffer}, ResourceTypeLinear, reqs, 0, DefaultGrowthCalculator{})
	require.NoError(t, err)

	secondMemory := rig.expectAllocate(0, 32768)
	secondBuffer := rig.newBuffer()
	rig.expectBindBuffer(secondBuffer, secondMemory, 0)
	_, _, err = memoryType.Bind(bufferResource{buffer: secondBuffer}, ResourceTypeLinear, reqs, AllocationSeparatePool, DefaultGrowthCalculator{})
	require.NoError(t, err)

	// Empty the first pool and keep it. A linear buffer goes to it rather than
	// anywhere else.
	require.NoError(t, memoryType.Release(first, ReleaseKeep))
	require.Equal(t, 2, memoryType.PoolCount())

	thirdBuffer := rig.newBuffer()
	rig.expectBindBuffer(thirdBuffer, firstMemory, 0)
	third, _, err := memoryType.Bind(bufferResource{buffer: thirdBuffer}, ResourceTypeLinear, reqs, 0, DefaultGrowthCalculator{})
	require.NoError(t, err)
	require.Equal(t, first.pool, third.pool)
}

func TestMemoryTypeTrim(t *testing.T) {
	rig := newTestRig(t, deviceLocalSetup(mb))
	memoryType := rig.allocator.MemoryType(0)
	reqs := core1_0.MemoryRequirements{Size: 1000, Alignment: 1, MemoryTypeBits: 1}

	keptMemory := rig.expectAllocate(0, 32768)
	keptBuffer := rig.newBuffer()
	rig.expectBindBuffer(keptBuffer, keptMemory, 0)
	_, _, err := memoryType.Bind(bufferResource{buffer: keptBuffer}, ResourceTypeLinear, reqs, 0, DefaultGrowthCalculator{})
	require.NoError(t, err)

	emptiedMemory := rig.expectAllocate(0, 32768)
	emptiedBuffer := rig.newBuffer()
	rig.expectBindBuffer(emptiedBuffer, emptiedMemory, 0)
	emptied, _, err := memoryType.Bind(bufferResource{buffer: emptiedBuffer}, ResourceTypeLinear, reqs, AllocationSeparatePool, DefaultGrowthCalculator{})
	require.NoError(t, err)
	require.NoError(t, memoryType.Release(emptied, ReleaseKeep))

	rig.driver.EXPECT().FreeMemory(emptiedMemory)
	destroyed, err := memoryType.Trim()
	require.NoError(t, err)
	require.Equal(t, 1, destroyed)
	require.Equal(t, 1, memoryType.PoolCount())
	require.Equal(t, keptMemory, memoryType.Pools()[0].Memory())
}
