// Package freechain tracks free ranges of an integer address space and hands out aligned
// sub-ranges from them.
//
// Allocation is split into two phases. Find locates a free range able to hold a request
// without changing anything, and Commit performs the split. Consumers that need to call
// into a driver between the two (to bind a resource at the chosen offset, for instance)
// can simply drop the Request if that call fails, and the chain is left exactly as it was.
package freechain

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/vkngwrapper/mempool/memutils"
)

const freeTreeDegree = 16

// Block is a range of the address space, either free or handed out to a consumer
type Block struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the block
func (b Block) End() int {
	return b.Offset + b.Size
}

func (b Block) String() string {
	return fmt.Sprintf("[%d, %d)", b.Offset, b.End())
}

func blockLess(left, right Block) bool {
	return left.Offset < right.Offset
}

// Request is returned from Chain.Find and describes where an allocation would be placed. It
// is only valid until the next Commit or Release on the chain that produced it.
type Request struct {
	// Offset is the aligned offset the allocation will be placed at
	Offset int
	// Size is the size in bytes of the allocation
	Size int
	// Alignment is the alignment that was requested from Find
	Alignment uint

	gap       Block
	capacity  int
	extension int
}

// Remainder returns the number of free bytes that will be left in front of the allocation
// because of alignment
func (r Request) Remainder() int {
	return r.Offset - r.gap.Offset
}

// Extension returns the number of bytes a growable chain will add to its capacity to fit
// this request. It is always 0 for requests from a sized chain.
func (r Request) Extension() int {
	return r.extension
}

// Chain is an interval free list over the address space [0, Size())
type Chain interface {
	memutils.Validatable

	// Size returns the current capacity of the chain in bytes
	Size() int
	// Find locates a free range able to hold size bytes at the provided power-of-two alignment.
	// It returns false if no range is able to.
	Find(size int, alignment uint) (Request, bool)
	// Commit carves the allocation described by a Request out of the free list
	Commit(request Request) (Block, error)
	// Release returns a committed block to the free list, merging it with adjacent free ranges
	Release(block Block) error

	SumFreeSize() int
	LiveSize() int
	LiveCount() int
	FreeRangeCount() int
	IsEmpty() bool
	// VisitFreeRanges calls visit for each free range in address order until it returns false
	VisitFreeRanges(visit func(block Block) bool)
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// Clear forgets all live blocks and restores a single free range covering the chain
	Clear()
}

type chain struct {
	size      int
	free      *btree.BTreeG[Block]
	freeBytes int
	liveBytes int
	liveCount int
}

func (c *chain) init(size int) {
	if size < 0 {
		panic(fmt.Sprintf("attempted to create a free block chain with negative size %d", size))
	}

	c.size = size
	c.free = btree.NewG[Block](freeTreeDegree, blockLess)
	c.liveBytes = 0
	c.liveCount = 0
	c.freeBytes = size
	if size > 0 {
		c.free.ReplaceOrInsert(Block{Offset: 0, Size: size})
	}
}

func (c *chain) Size() int           { return c.size }
func (c *chain) SumFreeSize() int    { return c.freeBytes }
func (c *chain) LiveSize() int       { return c.liveBytes }
func (c *chain) LiveCount() int      { return c.liveCount }
func (c *chain) FreeRangeCount() int { return c.free.Len() }
func (c *chain) IsEmpty() bool       { return c.liveCount == 0 }

func (c *chain) Clear() {
	c.init(c.size)
}

func (c *chain) VisitFreeRanges(visit func(block Block) bool) {
	c.free.Ascend(btree.ItemIteratorG[Block](visit))
}

func (c *chain) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	c.free.Ascend(func(block Block) bool {
		stats.AddFreeRange(block.Size)
		return true
	})
}

func checkRequestParameters(size int, alignment uint) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to find a free range for a non-positive size %d", size))
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		panic(err)
	}
}

func (c *chain) find(size int, alignment uint) (Request, bool) {
	var request Request
	var found bool

	c.free.Ascend(func(gap Block) bool {
		offset := memutils.AlignUp(gap.Offset, alignment)
		if offset+size > gap.End() {
			return true
		}

		request = Request{
			Offset:    offset,
			Size:      size,
			Alignment: alignment,
			gap:       gap,
			capacity:  c.size,
		}
		found = true
		return false
	})

	return request, found
}

func (c *chain) checkRequest(request Request) error {
	if request.Size <= 0 {
		return errors.Newf("attempted to commit a request with non-positive size %d", request.Size)
	}
	if request.capacity != c.size {
		return errors.Newf("attempted to commit a request made against capacity %d, but the chain now has capacity %d", request.capacity, c.size)
	}

	gap, ok := c.free.Get(request.gap)
	if !ok || gap != request.gap {
		return errors.Newf("attempted to commit a request for free range %s, which is no longer free", request.gap)
	}
	if request.Offset < gap.Offset || request.Offset+request.Size > gap.End() {
		return errors.Newf("request at offset %d with size %d does not fit in free range %s", request.Offset, request.Size, gap)
	}

	return nil
}

func (c *chain) split(request Request) Block {
	gap := request.gap
	c.free.Delete(gap)

	leading := request.Offset - gap.Offset
	if leading > 0 {
		c.free.ReplaceOrInsert(Block{Offset: gap.Offset, Size: leading})
	}

	end := request.Offset + request.Size
	trailing := gap.End() - end
	if trailing > 0 {
		c.free.ReplaceOrInsert(Block{Offset: end, Size: trailing})
	}

	c.freeBytes -= request.Size
	c.liveBytes += request.Size
	c.liveCount++

	return Block{Offset: request.Offset, Size: request.Size}
}

func (c *chain) Release(block Block) error {
	if block.Size <= 0 {
		return errors.Newf("attempted to release block %s with non-positive size", block)
	}
	if block.Offset < 0 || block.End() > c.size {
		return errors.Newf("attempted to release block %s outside of the chain's range [0, %d)", block, c.size)
	}
	if c.liveCount == 0 || c.liveBytes < block.Size {
		return errors.Newf("attempted to release block %s, but only %d bytes in %d blocks are live", block, c.liveBytes, c.liveCount)
	}

	var left, right Block
	var hasLeft, hasRight bool
	c.free.DescendLessOrEqual(block, func(item Block) bool {
		left = item
		hasLeft = true
		return false
	})
	c.free.AscendGreaterOrEqual(block, func(item Block) bool {
		right = item
		hasRight = true
		return false
	})

	if hasLeft && left.End() > block.Offset {
		return errors.Newf("attempted to release block %s, which overlaps free range %s", block, left)
	}
	if hasRight && right.Offset < block.End() {
		return errors.Newf("attempted to release block %s, which overlaps free range %s", block, right)
	}

	merged := block
	if hasLeft && left.End() == block.Offset {
		c.free.Delete(left)
		merged = Block{Offset: left.Offset, Size: left.Size + merged.Size}
	}
	if hasRight && right.Offset == block.End() {
		c.free.Delete(right)
		merged.Size += right.Size
	}
	c.free.ReplaceOrInsert(merged)

	c.freeBytes += block.Size
	c.liveBytes -= block.Size
	c.liveCount--

	return nil
}

func (c *chain) Validate() error {
	if c.freeBytes+c.liveBytes != c.size {
		return errors.Newf("free bytes %d and live bytes %d do not add up to the chain size %d", c.freeBytes, c.liveBytes, c.size)
	}
	if (c.liveCount == 0) != (c.liveBytes == 0) {
		return errors.Newf("chain has %d live blocks but %d live bytes", c.liveCount, c.liveBytes)
	}

	var err error
	sumFree := 0
	previousEnd := -1
	c.free.Ascend(func(block Block) bool {
		if block.Size <= 0 {
			err = errors.Newf("free range %s has a non-positive size", block)
			return false
		}
		if block.Offset < 0 || block.End() > c.size {
			err = errors.Newf("free range %s lies outside the chain's range [0, %d)", block, c.size)
			return false
		}
		if block.Offset <= previousEnd {
			err = errors.Newf("free range %s overlaps or touches the previous free range ending at %d", block, previousEnd)
			return false
		}

		sumFree += block.Size
		previousEnd = block.End()
		return true
	})
	if err != nil {
		return err
	}

	if sumFree != c.freeBytes {
		return errors.Newf("free ranges add up to %d bytes, but the chain is tracking %d free bytes", sumFree, c.freeBytes)
	}

	return nil
}
