package vkmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/mempool/memutils"
	"github.com/vkngwrapper/mempool/memutils/freechain"
)

// VirtualBlockCreateInfo is used to create a VirtualBlock
type VirtualBlockCreateInfo struct {
	// Size is the capacity of the block in bytes. If it is 0, the block is growable: it starts
	// empty and extends its capacity whenever an allocation does not fit.
	Size int
	// MaxSize bounds the capacity of a growable block. 0 means unbounded. It is ignored for
	// blocks with a fixed Size.
	MaxSize int
}

type VirtualAllocationCreateInfo struct {
	Size int
	// Alignment must be a power of two. 0 is treated as 1.
	Alignment uint

	UserData any
}

// VirtualAllocation is a range handed out by VirtualBlock.Allocate
type VirtualAllocation struct {
	Offset int
	Size   int

	UserData any
}

// VirtualBlock sub-allocates an abstract address range with no device memory behind it. It
// can be used to manage ranges of memory the caller allocated itself, or any other resource
// addressed by offset.
type VirtualBlock struct {
	chain       freechain.Chain
	allocations *swiss.Map[int, VirtualAllocation]
}

func NewVirtualBlock(createInfo VirtualBlockCreateInfo) (*VirtualBlock, error) {
	if createInfo.Size < 0 || createInfo.MaxSize < 0 {
		return nil, errors.Newf("attempted to create a virtual block with negative size %d or max size %d", createInfo.Size, createInfo.MaxSize)
	}

	block := &VirtualBlock{
		allocations: swiss.NewMap[int, VirtualAllocation](16),
	}

	if createInfo.Size > 0 {
		block.chain = freechain.NewSized(createInfo.Size)
	} else {
		block.chain = freechain.NewGrowable(0, createInfo.MaxSize)
	}

	return block, nil
}

// Size returns the current capacity of the block
func (b *VirtualBlock) Size() int {
	return b.chain.Size()
}

func (b *VirtualBlock) IsEmpty() bool {
	return b.chain.IsEmpty()
}

// Allocate reserves an aligned range. ErrNotEnoughSpaceInPool is returned if the block cannot
// hold it.
func (b *VirtualBlock) Allocate(createInfo VirtualAllocationCreateInfo) (VirtualAllocation, error) {
	if createInfo.Size <= 0 {
		panic(fmt.Sprintf("attempted to allocate a virtual allocation with non-positive size %d", createInfo.Size))
	}

	alignment := createInfo.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "createInfo.Alignment")
	if err != nil {
		panic(err)
	}

	request, found := b.chain.Find(createInfo.Size, alignment)
	if !found {
		return VirtualAllocation{}, errors.Wrapf(ErrNotEnoughSpaceInPool, "virtual block could not fit %d bytes at alignment %d", createInfo.Size, alignment)
	}

	block, err := b.chain.Commit(request)
	if err != nil {
		return VirtualAllocation{}, err
	}

	allocation := VirtualAllocation{
		Offset:   block.Offset,
		Size:     block.Size,
		UserData: createInfo.UserData,
	}
	b.allocations.Put(allocation.Offset, allocation)

	memutils.DebugValidate(b)
	return allocation, nil
}

// Free returns an allocation to the block
func (b *VirtualBlock) Free(allocation VirtualAllocation) error {
	live, ok := b.allocations.Get(allocation.Offset)
	if !ok || live.Size != allocation.Size {
		return errors.Newf("attempted to free virtual allocation at offset %d with size %d, which is not live", allocation.Offset, allocation.Size)
	}

	err := b.chain.Release(freechain.Block{Offset: allocation.Offset, Size: allocation.Size})
	if err != nil {
		return err
	}

	b.allocations.Delete(allocation.Offset)

	memutils.DebugValidate(b)
	return nil
}

// AllocationAt returns the live allocation at an offset
func (b *VirtualBlock) AllocationAt(offset int) (VirtualAllocation, bool) {
	return b.allocations.Get(offset)
}

// Clear frees every allocation at once
func (b *VirtualBlock) Clear() {
	b.chain.Clear()
	b.allocations = swiss.NewMap[int, VirtualAllocation](16)
}

func (b *VirtualBlock) Statistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	stats.PoolCount = 1
	stats.PoolBytes = b.chain.Size()

	b.allocations.Iter(func(_ int, allocation VirtualAllocation) bool {
		stats.AddBlock(allocation.Size)
		return false
	})
	b.chain.AddDetailedStatistics(stats)
}

func (b *VirtualBlock) Validate() error {
	if b.allocations.Count() != b.chain.LiveCount() {
		return errors.Newf("virtual block tracks %d allocations but its free chain has %d", b.allocations.Count(), b.chain.LiveCount())
	}

	return b.chain.Validate()
}
