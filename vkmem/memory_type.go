package vkmem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/memutils"
	"github.com/vkngwrapper/mempool/memutils/freechain"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
	"golang.org/x/exp/slices"
)

// binding is everything needed to release a block bound by MemoryType.Bind
type binding struct {
	resource        resource
	memoryTypeIndex int
	pool            poolRef
	block           freechain.Block
}

// MemoryType is one of the physical device's memory types, along with every pool that has
// been allocated from it
type MemoryType struct {
	logger       *slog.Logger
	deviceMemory *vulkan.DeviceMemoryProperties

	index         int
	propertyFlags core1_0.MemoryPropertyFlags
	heapIndex     int
	heapSize      int
	mappable      bool
	deviceLocal   bool
	granularity   uint

	nextPoolID int
	pools      poolArena
	// Pools in creation order, which is the order they are searched in
	order []poolRef
}

func newMemoryType(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, index int) *MemoryType {
	properties := deviceMemory.MemoryTypeProperties(index)

	return &MemoryType{
		logger:       logger,
		deviceMemory: deviceMemory,

		index:         index,
		propertyFlags: properties.PropertyFlags,
		heapIndex:     properties.HeapIndex,
		heapSize:      deviceMemory.MemoryHeapSize(properties.HeapIndex),
		mappable:      properties.PropertyFlags&core1_0.MemoryPropertyHostVisible != 0,
		deviceLocal:   properties.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0,
		granularity:   deviceMemory.BufferImageGranularity(),
	}
}

func (t *MemoryType) Index() int { return t.index }

func (t *MemoryType) PropertyFlags() core1_0.MemoryPropertyFlags { return t.propertyFlags }

func (t *MemoryType) HeapIndex() int { return t.heapIndex }

// HeapSize is the size of the memory type's heap, after any heap size limit is applied
func (t *MemoryType) HeapSize() int { return t.heapSize }

func (t *MemoryType) IsMappable() bool { return t.mappable }

func (t *MemoryType) IsDeviceLocal() bool { return t.deviceLocal }

func (t *MemoryType) PoolCount() int { return t.pools.len() }

// IsSatisfy returns true if the memory requirements allow resources to be bound to this type
func (t *MemoryType) IsSatisfy(requirements core1_0.MemoryRequirements) bool {
	return requirements.MemoryTypeBits&(1<<uint(t.index)) != 0
}

// IsSatisfyAny returns true if this type has at least one of the provided property flags, or if
// no flags are provided
func (t *MemoryType) IsSatisfyAny(flags core1_0.MemoryPropertyFlags) bool {
	return flags == 0 || t.propertyFlags&flags != 0
}

// IsSatisfyOnly returns true if this type has exactly the provided property flags, or if no flags
// are provided
func (t *MemoryType) IsSatisfyOnly(flags core1_0.MemoryPropertyFlags) bool {
	return flags == 0 || t.propertyFlags == flags
}

func (t *MemoryType) isSatisfyMatch(match PropertyMatch, flags core1_0.MemoryPropertyFlags) bool {
	if match == PropertyMatchOnly {
		return t.IsSatisfyOnly(flags)
	}
	return t.IsSatisfyAny(flags)
}

func (t *MemoryType) outOfMemory() common.VkResult {
	if t.deviceLocal {
		return core1_0.VKErrorOutOfDeviceMemory
	}
	return core1_0.VKErrorOutOfHostMemory
}

// Pools returns the live pools in the order they are searched
func (t *MemoryType) Pools() []*MemoryPool {
	pools := make([]*MemoryPool, 0, len(t.order))
	for _, ref := range t.order {
		pools = append(pools, t.pools.get(ref))
	}
	return pools
}

// Bind places a resource in one of this type's pools, creating a pool when the flags allow and
// no existing pool can hold it.
//
// Invalid requirements and flags this type cannot honor are contract violations and panic.
func (t *MemoryType) Bind(
	r resource,
	resourceType ResourceType,
	requirements core1_0.MemoryRequirements,
	flags AllocationFlags,
	growth GrowthCalculator,
) (binding, common.VkResult, error) {
	t.logger.Debug("MemoryType::Bind")

	if requirements.Size <= 0 {
		panic(fmt.Sprintf("attempted to bind a resource with non-positive size %d", requirements.Size))
	}
	err := memutils.CheckPow2(requirements.Alignment, "requirements.Alignment")
	if err != nil {
		panic(err)
	}
	if !t.IsSatisfy(requirements) {
		panic(fmt.Sprintf("attempted to bind a resource with memory type bits %b to memory type %d", requirements.MemoryTypeBits, t.index))
	}
	if flags&AllocationMapMemory != 0 && !t.mappable {
		panic(fmt.Sprintf("attempted to bind mapped memory from memory type %d, which has properties %s", t.index, t.propertyFlags))
	}
	if resourceType != ResourceTypeLinear && resourceType != ResourceTypeNonLinear {
		panic(fmt.Sprintf("attempted to bind a resource with resource type %s", resourceType))
	}
	if growth == nil {
		panic("attempted to bind a resource without a growth calculator")
	}

	if flags&AllocationBindWholePool != 0 {
		flags |= AllocationSeparatePool
		growth = exactGrowthCalculator{}
	}
	if flags&AllocationSeparatePool != 0 && flags&AllocationExistingOnly != 0 {
		panic("AllocationSeparatePool and AllocationExistingOnly cannot be specified together")
	}

	if requirements.Size > t.heapSize {
		res := t.outOfMemory()
		return binding{}, res, errors.Wrapf(res.ToError(), "requested %d bytes from memory type %d, but its heap is only %d bytes", requirements.Size, t.index, t.heapSize)
	}

	if flags&AllocationSeparatePool != 0 {
		return t.bindNewPool(r, resourceType, requirements, flags, growth)
	}

	b, res, err := t.bindExisting(r, resourceType, requirements, flags)
	if err == nil || flags&AllocationExistingOnly != 0 {
		return b, res, err
	}
	if !errors.Is(err, ErrNotEnoughSpaceInPool) && !errors.Is(err, ErrNoSatisfiedMemoryPools) {
		return b, res, err
	}

	return t.bindNewPool(r, resourceType, requirements, flags, growth)
}

// searchOrder lists the pool tags that are searched for a resource, in order
func searchOrder(resourceType ResourceType, flags AllocationFlags) []ResourceType {
	if flags&AllocationAllowMixed == 0 {
		return []ResourceType{ResourceTypeNone, resourceType}
	}

	return []ResourceType{ResourceTypeNone, resourceType, ResourceTypeMixed, resourceType.opposite()}
}

func (t *MemoryType) bindExisting(
	r resource,
	resourceType ResourceType,
	requirements core1_0.MemoryRequirements,
	flags AllocationFlags,
) (binding, common.VkResult, error) {
	candidates := 0

	for _, tag := range searchOrder(resourceType, flags) {
		for _, ref := range t.order {
			pool := t.pools.get(ref)
			if pool.separate || pool.resourceType != tag {
				continue
			}
			if flags&AllocationMapMemory != 0 && !pool.IsMapped() {
				continue
			}

			candidates++
			block, res, err := pool.bind(r, requirements, resourceType)
			if err == nil {
				t.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing pool", slog.Int("pool.id", pool.id))
				return binding{resource: r, memoryTypeIndex: t.index, pool: ref, block: block}, res, nil
			}
			if !errors.Is(err, ErrNotEnoughSpaceInPool) {
				return binding{}, res, err
			}
		}
	}

	if candidates > 0 {
		return binding{}, t.outOfMemory(), errors.Wrapf(ErrNotEnoughSpaceInPool, "none of %d candidate pools in memory type %d had room for %d bytes", candidates, t.index, requirements.Size)
	}

	return binding{}, t.outOfMemory(), errors.Wrapf(ErrNoSatisfiedMemoryPools, "memory type %d", t.index)
}

func (t *MemoryType) bindNewPool(
	r resource,
	resourceType ResourceType,
	requirements core1_0.MemoryRequirements,
	flags AllocationFlags,
	growth GrowthCalculator,
) (binding, common.VkResult, error) {
	mapMemory := flags&AllocationMapMemory != 0
	separate := flags&AllocationSeparatePool != 0

	res := t.outOfMemory()
	err := errors.Wrapf(res.ToError(), "growth calculator declined to size a pool for %d bytes", requirements.Size)

	size := growth.NextPoolSize(0, requirements.Size, t)
	for size >= requirements.Size {
		var ref poolRef
		var pool *MemoryPool
		ref, pool, res, err = t.createPool(size, mapMemory, separate)
		if err == nil {
			var block freechain.Block
			block, res, err = pool.bind(r, requirements, resourceType)
			if err != nil {
				if errors.Is(err, ErrNotEnoughSpaceInPool) {
					panic(fmt.Sprintf("a fresh pool of %d bytes could not fit a resource of %d bytes: %+v", size, requirements.Size, err))
				}

				destroyErr := t.destroyPool(ref)
				if destroyErr != nil {
					panic(fmt.Sprintf("failed to destroy a fresh pool after a failed bind: %+v", destroyErr))
				}
				return binding{}, res, err
			}

			t.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new pool", slog.Int("pool.id", pool.id), slog.Int("size", size))
			return binding{resource: r, memoryTypeIndex: t.index, pool: ref, block: block}, res, nil
		}

		if res != core1_0.VKErrorOutOfDeviceMemory && res != core1_0.VKErrorOutOfHostMemory {
			return binding{}, res, err
		}

		failedSize := size
		size = growth.NextPoolSize(failedSize, requirements.Size, t)
		if size >= failedSize {
			return binding{}, res, errors.Wrapf(err, "growth calculator returned %d bytes after failing to allocate %d bytes", size, failedSize)
		}
	}

	return binding{}, res, err
}

func (t *MemoryType) createPool(size int, mapMemory bool, separate bool) (poolRef, *MemoryPool, common.VkResult, error) {
	pool := newMemoryPool(t.logger, t.deviceMemory, t.nextPoolID)
	res, err := pool.recreate(size, t.index, mapMemory, t.granularity)
	if err != nil {
		return poolRef{}, nil, res, err
	}

	t.nextPoolID++
	pool.separate = separate
	ref := t.pools.insert(pool)
	t.order = append(t.order, ref)

	return ref, pool, res, nil
}

func (t *MemoryType) destroyPool(ref poolRef) error {
	pool := t.pools.get(ref)
	if pool == nil {
		panic(fmt.Sprintf("attempted to destroy %s, which does not exist in memory type %d", ref, t.index))
	}

	err := pool.destroy()
	if err != nil {
		return err
	}

	t.pools.remove(ref)
	index := slices.Index(t.order, ref)
	t.order = slices.Delete(t.order, index, index+1)
	return nil
}

// Release returns a bound block to its pool. With ReleaseFree, the pool is destroyed if it is
// left empty.
func (t *MemoryType) Release(b binding, policy ReleasePolicy) error {
	t.logger.Debug("MemoryType::Release")

	err := t.releaseBlock(b)
	if err != nil {
		return err
	}

	return t.applyReleasePolicy(b.pool, policy)
}

// releaseBlock returns the block to its pool and leaves the pool in place
func (t *MemoryType) releaseBlock(b binding) error {
	pool := t.pools.get(b.pool)
	if pool == nil {
		panic(fmt.Sprintf("attempted to release a block from %s, which no longer exists", b.pool))
	}

	return pool.release(b.block)
}

func (t *MemoryType) applyReleasePolicy(ref poolRef, policy ReleasePolicy) error {
	var err error
	if policy == ReleaseFree && t.pool(ref).IsEmpty() {
		err = t.destroyPool(ref)
	}

	memutils.DebugValidate(t)
	return err
}

// pool returns the pool a binding was made in
func (t *MemoryType) pool(ref poolRef) *MemoryPool {
	pool := t.pools.get(ref)
	if pool == nil {
		panic(fmt.Sprintf("%s no longer exists in memory type %d", ref, t.index))
	}
	return pool
}

// Trim destroys every empty pool and returns how many were destroyed
func (t *MemoryType) Trim() (int, error) {
	t.logger.Debug("MemoryType::Trim")

	destroyed := 0
	for _, ref := range slices.Clone(t.order) {
		if !t.pools.get(ref).IsEmpty() {
			continue
		}

		err := t.destroyPool(ref)
		if err != nil {
			return destroyed, err
		}
		destroyed++
	}

	return destroyed, nil
}

// destroy destroys every pool, logging and skipping pools that still hold blocks
func (t *MemoryType) destroy() error {
	var result error
	for _, ref := range slices.Clone(t.order) {
		err := t.destroyPool(ref)
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result
}

// Validate checks every pool and that the creation-order list agrees with the arena
func (t *MemoryType) Validate() error {
	if len(t.order) != t.pools.len() {
		return errors.Newf("memory type %d lists %d pools but holds %d", t.index, len(t.order), t.pools.len())
	}

	return memutils.ValidateEach(t.Pools())
}

// AddStatistics adds the memory type's pool and block totals to stats
func (t *MemoryType) AddStatistics(stats *memutils.Statistics) {
	for _, ref := range t.order {
		pool := t.pools.get(ref)
		stats.PoolCount++
		stats.PoolBytes += pool.size
		stats.BlockCount += pool.blocks.Count()
		stats.BlockBytes += pool.chain.LiveSize()
	}
}

func (t *MemoryType) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, ref := range t.order {
		t.pools.get(ref).addDetailedStatistics(stats)
	}
}
