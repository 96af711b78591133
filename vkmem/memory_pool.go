package vkmem

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/mempool/memutils"
	"github.com/vkngwrapper/mempool/memutils/freechain"
	"github.com/vkngwrapper/mempool/vkmem/internal/vulkan"
	"golang.org/x/exp/slices"
)

type poolBlock struct {
	size         int
	resourceType ResourceType
}

// MemoryPool is a single device memory allocation that resources are sub-allocated from.
type MemoryPool struct {
	id              int
	logger          *slog.Logger
	deviceMemory    *vulkan.DeviceMemoryProperties
	memoryTypeIndex int
	heapIndex       int

	memory       core1_0.DeviceMemory
	size         int
	mapped       unsafe.Pointer
	chain        *freechain.Sized
	resourceType ResourceType
	granularity  uint
	minAlignment uint
	separate     bool

	// Live blocks keyed by offset
	blocks *swiss.Map[int, poolBlock]
}

func newMemoryPool(logger *slog.Logger, deviceMemory *vulkan.DeviceMemoryProperties, id int) *MemoryPool {
	return &MemoryPool{
		id:              id,
		logger:          logger,
		deviceMemory:    deviceMemory,
		memoryTypeIndex: -1,
		blocks:          swiss.NewMap[int, poolBlock](8),
	}
}

// recreate allocates fresh device memory for the pool, freeing any memory it held before.
// The pool must be empty.
func (p *MemoryPool) recreate(size int, memoryTypeIndex int, mapMemory bool, granularity uint) (common.VkResult, error) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to create a memory pool with non-positive size %d", size))
	}
	memutils.DebugCheckPow2(granularity, "granularity")

	if p.memory != nil {
		err := p.destroy()
		if err != nil {
			return core1_0.VKErrorUnknown, errors.Wrap(err, "could not recreate memory pool")
		}
	}

	memoryType := p.deviceMemory.MemoryTypeProperties(memoryTypeIndex)
	if mapMemory && memoryType.PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return core1_0.VKErrorMemoryMapFailed, errors.Wrapf(ErrMemoryNotMappable, "memory type %d has properties %s", memoryTypeIndex, memoryType.PropertyFlags)
	}

	memory, res, err := p.deviceMemory.AllocateVulkanMemory(memoryTypeIndex, size)
	if err != nil {
		return res, err
	}

	var mapped unsafe.Pointer
	if mapMemory {
		mapped, res, err = p.deviceMemory.Driver().MapMemory(memory, 0, size)
		if err != nil {
			p.deviceMemory.FreeVulkanMemory(memoryTypeIndex, size, memory)
			return res, err
		}
	}

	p.memory = memory
	p.size = size
	p.mapped = mapped
	p.memoryTypeIndex = memoryTypeIndex
	p.heapIndex = memoryType.HeapIndex
	p.granularity = granularity
	p.minAlignment = p.deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex)
	p.chain = freechain.NewSized(size)
	p.resourceType = ResourceTypeNone
	p.blocks = swiss.NewMap[int, poolBlock](8)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created memory pool",
		slog.Int("pool.id", p.id),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size),
		slog.Bool("mapped", mapMemory),
	)

	return core1_0.VKSuccess, nil
}

// bindAlignment returns the size and alignment a resource will occupy in this pool
func (p *MemoryPool) bindAlignment(requirements core1_0.MemoryRequirements, resourceType ResourceType) (int, uint) {
	size := requirements.Size
	alignment := memutils.MaxAlignment(uint(requirements.Alignment), p.minAlignment)

	// A pool that only holds one kind of resource has no granularity conflicts with resources
	// of that kind
	if p.resourceType != ResourceTypeNone && p.resourceType != resourceType {
		alignment = memutils.MaxAlignment(alignment, p.granularity)
		size = memutils.AlignUp(size, p.granularity)
	}

	return size, alignment
}

// bind finds room for the resource, binds it natively and then commits the block. If there is
// no room, ErrNotEnoughSpaceInPool is returned. If the native bind fails, the pool is unchanged
// and the native error is returned.
func (p *MemoryPool) bind(r resource, requirements core1_0.MemoryRequirements, resourceType ResourceType) (freechain.Block, common.VkResult, error) {
	if p.memory == nil {
		panic("attempted to bind a resource to a memory pool with no device memory")
	}

	size, alignment := p.bindAlignment(requirements, resourceType)

	request, found := p.chain.Find(size, alignment)
	if !found {
		return freechain.Block{}, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrNotEnoughSpaceInPool, "pool %d could not fit %d bytes at alignment %d", p.id, size, alignment)
	}

	res, err := bindResource(p.deviceMemory.Driver(), r, p.memory, request.Offset)
	if err != nil {
		// The request is dropped uncommitted, so the chain is exactly as it was
		return freechain.Block{}, res, err
	}

	block, err := p.chain.Commit(request)
	if err != nil {
		panic(fmt.Sprintf("failed to commit a fresh request in pool %d: %+v", p.id, err))
	}

	p.blocks.Put(block.Offset, poolBlock{size: block.Size, resourceType: resourceType})
	p.deviceMemory.AddBlock(p.heapIndex, block.Size)

	if p.resourceType == ResourceTypeNone {
		p.resourceType = resourceType
	} else if p.resourceType != resourceType {
		p.resourceType = ResourceTypeMixed
	}

	memutils.DebugValidate(p)

	return block, res, nil
}

// release returns a block to the pool. The pool's tag is reset when the last block is released.
func (p *MemoryPool) release(block freechain.Block) error {
	live, ok := p.blocks.Get(block.Offset)
	if !ok || live.size != block.Size {
		return errors.Newf("attempted to release block %s, which is not live in pool %d", block, p.id)
	}

	err := p.chain.Release(block)
	if err != nil {
		return err
	}

	p.blocks.Delete(block.Offset)
	p.deviceMemory.RemoveBlock(p.heapIndex, block.Size)

	if p.chain.IsEmpty() {
		p.resourceType = ResourceTypeNone
	}

	memutils.DebugValidate(p)

	return nil
}

// destroy unmaps and frees the pool's device memory. It fails if any block is still live.
func (p *MemoryPool) destroy() error {
	if p.memory == nil {
		panic("attempting to destroy a memory pool, but it did not have a backing vulkan memory handle")
	}

	if !p.IsEmpty() {
		p.visitBlocks(func(offset int, block poolBlock) {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased block",
				slog.Int("pool.id", p.id),
				slog.Int("offset", offset),
				slog.Int("size", block.size),
				slog.String("resourceType", block.resourceType.String()),
			)
		})

		return errors.Newf("some blocks were not released before the destruction of memory pool %d", p.id)
	}

	if p.mapped != nil {
		p.deviceMemory.Driver().UnmapMemory(p.memory)
	}
	p.deviceMemory.FreeVulkanMemory(p.memoryTypeIndex, p.size, p.memory)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Destroyed memory pool",
		slog.Int("pool.id", p.id),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
	)

	p.memory = nil
	p.mapped = nil
	p.chain = nil
	p.resourceType = ResourceTypeNone
	return nil
}

// visitBlocks calls visit for every live block in offset order
func (p *MemoryPool) visitBlocks(visit func(offset int, block poolBlock)) {
	offsets := make([]int, 0, p.blocks.Count())
	p.blocks.Iter(func(offset int, _ poolBlock) bool {
		offsets = append(offsets, offset)
		return false
	})
	slices.Sort(offsets)

	for _, offset := range offsets {
		block, _ := p.blocks.Get(offset)
		visit(offset, block)
	}
}

func (p *MemoryPool) ID() int { return p.id }

func (p *MemoryPool) Size() int { return p.size }

func (p *MemoryPool) Memory() core1_0.DeviceMemory { return p.memory }

func (p *MemoryPool) MemoryTypeIndex() int { return p.memoryTypeIndex }

func (p *MemoryPool) IsMapped() bool { return p.mapped != nil }

// MappedData returns the host pointer to the start of the pool's memory, or nil if it is not mapped
func (p *MemoryPool) MappedData() unsafe.Pointer { return p.mapped }

func (p *MemoryPool) ResourceType() ResourceType { return p.resourceType }

// IsSeparate returns true if the pool was created by AllocationSeparatePool and is not shared
func (p *MemoryPool) IsSeparate() bool { return p.separate }

func (p *MemoryPool) IsEmpty() bool {
	return p.chain == nil || p.chain.IsEmpty()
}

func (p *MemoryPool) SumFreeSize() int {
	if p.chain == nil {
		return 0
	}
	return p.chain.SumFreeSize()
}

func (p *MemoryPool) BlockCount() int {
	return p.blocks.Count()
}

func (p *MemoryPool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddPool(p.size)

	p.blocks.Iter(func(_ int, block poolBlock) bool {
		stats.AddBlock(block.size)
		return false
	})
	p.chain.AddDetailedStatistics(stats)
}

func (p *MemoryPool) Validate() error {
	if p.memory == nil {
		return errors.New("no valid memory for this memory pool")
	}
	if p.chain.Size() != p.size {
		return errors.Newf("memory pool has size %d but its free chain has size %d", p.size, p.chain.Size())
	}
	if p.blocks.Count() != p.chain.LiveCount() {
		return errors.Newf("memory pool tracks %d live blocks but its free chain has %d", p.blocks.Count(), p.chain.LiveCount())
	}
	if (p.resourceType == ResourceTypeNone) != p.chain.IsEmpty() {
		return errors.Newf("memory pool has resource type %s but holds %d blocks", p.resourceType, p.blocks.Count())
	}

	var err error
	p.blocks.Iter(func(offset int, block poolBlock) bool {
		if offset < 0 || offset+block.size > p.size {
			err = errors.Newf("block at offset %d with size %d lies outside the pool", offset, block.size)
			return true
		}
		if p.resourceType != ResourceTypeMixed && block.resourceType != p.resourceType {
			err = errors.Newf("block at offset %d has resource type %s, but the pool is tagged %s", offset, block.resourceType, p.resourceType)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	return p.chain.Validate()
}
