package freechain_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/mempool/memutils/freechain"
)

func TestGrowableStartsEmpty(t *testing.T) {
	c := freechain.NewGrowable(0, 0)
	require.Equal(t, 0, c.Size())
	require.Equal(t, 0, c.FreeRangeCount())

	request, found := c.Find(100, 16)
	require.True(t, found)
	require.Equal(t, 0, request.Offset)
	require.Equal(t, 100, request.Extension())

	// Finding doesn't grow the chain
	require.Equal(t, 0, c.Size())

	block, err := c.Commit(request)
	require.NoError(t, err)
	require.Equal(t, freechain.Block{Offset: 0, Size: 100}, block)
	require.Equal(t, 100, c.Size())
	require.Equal(t, 0, c.SumFreeSize())
	require.NoError(t, c.Validate())
}

func TestGrowableUsesGapsBeforeGrowing(t *testing.T) {
	c := freechain.NewGrowable(1000, 0)

	first := acquire(t, c, 400, 1)
	acquire(t, c, 400, 1)
	require.NoError(t, c.Release(first))

	request, found := c.Find(300, 1)
	require.True(t, found)
	require.Equal(t, 0, request.Extension())
	require.Equal(t, 0, request.Offset)
}

func TestGrowableExtendsTrailingRange(t *testing.T) {
	c := freechain.NewGrowable(1000, 0)
	acquire(t, c, 900, 1)

	// The trailing free range [900, 1000) is reused, aligned up to 128
	request, found := c.Find(200, 128)
	require.True(t, found)
	require.Equal(t, 1024, request.Offset)
	require.Equal(t, 224, request.Extension())

	block, err := c.Commit(request)
	require.NoError(t, err)
	require.Equal(t, freechain.Block{Offset: 1024, Size: 200}, block)
	require.Equal(t, 1224, c.Size())
	require.Equal(t, []freechain.Block{{Offset: 900, Size: 124}}, freeLayout(c))
	require.NoError(t, c.Validate())
}

func TestGrowableRespectsMaxSize(t *testing.T) {
	c := freechain.NewGrowable(100, 1000)
	acquire(t, c, 100, 1)
	acquire(t, c, 800, 1)

	_, found := c.Find(101, 1)
	require.False(t, found)

	block := acquire(t, c, 100, 1)
	require.Equal(t, 1000, block.End())
	require.Equal(t, 1000, c.Size())
}

func TestGrowableStaleGrowthRejected(t *testing.T) {
	c := freechain.NewGrowable(0, 0)

	request, found := c.Find(100, 1)
	require.True(t, found)
	other, found := c.Find(50, 1)
	require.True(t, found)

	_, err := c.Commit(request)
	require.NoError(t, err)

	_, err = c.Commit(other)
	require.Error(t, err)
	require.Equal(t, 100, c.Size())
	require.NoError(t, c.Validate())
}

func TestGrowableRandomInterleavings(t *testing.T) {
	random := rand.New(rand.NewSource(99))
	c := freechain.NewGrowable(256, 1<<24)
	var live []freechain.Block

	for i := 0; i < 1000; i++ {
		if len(live) > 0 && random.Intn(3) == 0 {
			index := random.Intn(len(live))
			require.NoError(t, c.Release(live[index]))
			live = append(live[:index], live[index+1:]...)
		} else {
			size := random.Intn(512) + 1
			alignment := uint(1) << random.Intn(7)
			request, found := c.Find(size, alignment)
			require.True(t, found)
			block, err := c.Commit(request)
			require.NoError(t, err)
			live = append(live, block)
		}

		requireConserved(t, c, live)
	}

	requireNoOverlap(t, live)
}

func TestGrowablePanicsWhenInitialExceedsMax(t *testing.T) {
	require.Panics(t, func() {
		freechain.NewGrowable(200, 100)
	})
}
