package vkmem

import (
	"github.com/vkngwrapper/mempool/memutils"
)

// GrowthCalculator decides the size of new memory pools.
//
// NextPoolSize is first called with a previousFailedSize of 0. If allocating device memory of the
// returned size fails for lack of memory, it is called again with the size that failed. The
// returned size must be strictly smaller than previousFailedSize on every retry; return 0 (or any
// size smaller than requestedSize) to give up. A calculator that does not shrink is treated as
// giving up.
type GrowthCalculator interface {
	NextPoolSize(previousFailedSize, requestedSize int, memoryType *MemoryType) int
}

// GrowthCalculatorFunc adapts an ordinary function to GrowthCalculator
type GrowthCalculatorFunc func(previousFailedSize, requestedSize int, memoryType *MemoryType) int

func (f GrowthCalculatorFunc) NextPoolSize(previousFailedSize, requestedSize int, memoryType *MemoryType) int {
	return f(previousFailedSize, requestedSize, memoryType)
}

const (
	defaultHeapDivisor       int  = 32
	defaultRounding          uint = 32
	defaultShrinkNumerator   int  = 3
	defaultShrinkDenominator int  = 4
)

// DefaultGrowthCalculator sizes the first pool at HeapSize/HeapDivisor (raised to fit the request)
// and rounds it up to Rounding. Each retry shrinks the previous size by
// ShrinkNumerator/ShrinkDenominator until it would drop below the request, then the request
// rounded up to Rounding is tried, then the exact request. Zero fields take their defaults:
// 32, 32, 3 and 4.
type DefaultGrowthCalculator struct {
	HeapDivisor       int
	Rounding          uint
	ShrinkNumerator   int
	ShrinkDenominator int
}

func (c DefaultGrowthCalculator) withDefaults() DefaultGrowthCalculator {
	if c.HeapDivisor <= 0 {
		c.HeapDivisor = defaultHeapDivisor
	}
	if c.Rounding == 0 {
		c.Rounding = defaultRounding
	}
	if c.ShrinkNumerator <= 0 || c.ShrinkDenominator <= 0 || c.ShrinkNumerator >= c.ShrinkDenominator {
		c.ShrinkNumerator = defaultShrinkNumerator
		c.ShrinkDenominator = defaultShrinkDenominator
	}

	err := memutils.CheckPow2(c.Rounding, "DefaultGrowthCalculator.Rounding")
	if err != nil {
		panic(err)
	}

	return c
}

func (c DefaultGrowthCalculator) NextPoolSize(previousFailedSize, requestedSize int, memoryType *MemoryType) int {
	c = c.withDefaults()
	heapSize := memoryType.HeapSize()
	rounded := memutils.AlignUp(requestedSize, c.Rounding)

	if previousFailedSize == 0 {
		size := heapSize / c.HeapDivisor
		if size < requestedSize {
			size = requestedSize
		}
		size = memutils.AlignUp(size, c.Rounding)
		if size > heapSize {
			size = heapSize
		}
		return size
	}

	if previousFailedSize > rounded {
		shrunk := memutils.AlignUp(previousFailedSize*c.ShrinkNumerator/c.ShrinkDenominator, c.Rounding)
		if shrunk >= rounded && shrunk < previousFailedSize {
			return shrunk
		}
		return rounded
	}

	if previousFailedSize > requestedSize {
		return requestedSize
	}

	return 0
}

// exactGrowthCalculator sizes pools exactly to the request and never retries
type exactGrowthCalculator struct{}

func (exactGrowthCalculator) NextPoolSize(previousFailedSize, requestedSize int, memoryType *MemoryType) int {
	if previousFailedSize == 0 {
		return requestedSize
	}
	return 0
}
