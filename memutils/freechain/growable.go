package freechain

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/mempool/memutils"
)

// Growable is a Chain that extends its trailing edge when no free range can hold a
// request. A MaxSize of 0 allows it to grow without bound.
type Growable struct {
	chain
	maxSize int
}

var _ Chain = &Growable{}

// NewGrowable creates a chain with initialSize free bytes that may grow up to maxSize bytes.
// If maxSize is 0, the chain may grow without limit.
func NewGrowable(initialSize, maxSize int) *Growable {
	if maxSize > 0 && initialSize > maxSize {
		panic("attempted to create a growable chain whose initial size is larger than its maximum size")
	}

	c := &Growable{maxSize: maxSize}
	c.init(initialSize)
	return c
}

// MaxSize returns the largest capacity the chain may grow to, or 0 if it is unbounded
func (c *Growable) MaxSize() int {
	return c.maxSize
}

func (c *Growable) Find(size int, alignment uint) (Request, bool) {
	checkRequestParameters(size, alignment)

	request, found := c.find(size, alignment)
	if found {
		return request, true
	}

	// Extend from the trailing free range if there is one, otherwise from the current edge
	gap := Block{Offset: c.size}
	last, hasLast := c.free.Max()
	if hasLast && last.End() == c.size {
		gap = last
	}

	offset := memutils.AlignUp(gap.Offset, alignment)
	newSize := offset + size
	if c.maxSize > 0 && newSize > c.maxSize {
		return Request{}, false
	}

	return Request{
		Offset:    offset,
		Size:      size,
		Alignment: alignment,
		gap:       gap,
		capacity:  c.size,
		extension: newSize - c.size,
	}, true
}

func (c *Growable) Commit(request Request) (Block, error) {
	if request.extension == 0 {
		err := c.checkRequest(request)
		if err != nil {
			return Block{}, err
		}

		return c.split(request), nil
	}

	if request.capacity != c.size {
		return Block{}, errors.Newf("attempted to commit a request made against capacity %d, but the chain now has capacity %d", request.capacity, c.size)
	}
	if request.gap.Size > 0 {
		gap, ok := c.free.Get(request.gap)
		if !ok || gap != request.gap {
			return Block{}, errors.Newf("attempted to commit a request for free range %s, which is no longer free", request.gap)
		}
	}
	if request.gap.End() != c.size {
		return Block{}, errors.Newf("attempted to grow from free range %s, which does not end at the chain's edge %d", request.gap, c.size)
	}

	grown := Block{Offset: request.gap.Offset, Size: request.gap.Size + request.extension}
	if request.gap.Size > 0 {
		c.free.Delete(request.gap)
	}
	c.free.ReplaceOrInsert(grown)
	c.size += request.extension
	c.freeBytes += request.extension

	request.gap = grown
	request.capacity = c.size
	return c.split(request), nil
}
