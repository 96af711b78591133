package memutils

import "math"

// Statistics totals the allocator's use of device memory at two levels. A pool is one
// vkAllocateMemory allocation: PoolCount of them are held, PoolBytes in total. A block is the
// range of a pool that one buffer or image is bound to: BlockCount resources are bound,
// covering BlockBytes. Granularity padding counts toward BlockBytes, alignment gaps do not.
type Statistics struct {
	PoolCount  int
	BlockCount int
	PoolBytes  int
	BlockBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// FreeBytes is the device memory held in pools but not bound to any resource
func (s Statistics) FreeBytes() int {
	return s.PoolBytes - s.BlockBytes
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.BlockCount += other.BlockCount
	s.PoolBytes += other.PoolBytes
	s.BlockBytes += other.BlockBytes
}

// DetailedStatistics adds the shape of the pools to Statistics. FreeRangeCount counts the
// unbound gaps between blocks, so a fragmented pool has many small ranges where a compact one
// has a single trailing range. The size bounds describe individual blocks and free ranges. They
// are only meaningful once at least one has been added: Clear sets each minimum to math.MaxInt
// and each maximum to 0 so that merging empty statistics never moves them.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	BlockSizeMin     int
	BlockSizeMax     int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		BlockSizeMin:     math.MaxInt,
		FreeRangeSizeMin: math.MaxInt,
	}
}

// AddPool counts one pool of the given size. Its blocks and free ranges are added separately.
func (s *DetailedStatistics) AddPool(size int) {
	s.PoolCount++
	s.PoolBytes += size
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeRangeSizeMin = min(s.FreeRangeSizeMin, size)
	s.FreeRangeSizeMax = max(s.FreeRangeSizeMax, size)
}

func (s *DetailedStatistics) AddBlock(size int) {
	s.BlockCount++
	s.BlockBytes += size
	s.BlockSizeMin = min(s.BlockSizeMin, size)
	s.BlockSizeMax = max(s.BlockSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.BlockSizeMin = min(s.BlockSizeMin, other.BlockSizeMin)
	s.BlockSizeMax = max(s.BlockSizeMax, other.BlockSizeMax)
	s.FreeRangeSizeMin = min(s.FreeRangeSizeMin, other.FreeRangeSizeMin)
	s.FreeRangeSizeMax = max(s.FreeRangeSizeMax, other.FreeRangeSizeMax)
}
