package memutils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var pool DetailedStatistics
	pool.Clear()
	require.Equal(t, math.MaxInt, pool.BlockSizeMin)
	require.Equal(t, math.MaxInt, pool.FreeRangeSizeMin)

	pool.AddPool(4096)
	pool.AddBlock(1000)
	pool.AddBlock(256)
	pool.AddFreeRange(8)
	pool.AddFreeRange(2832)

	require.Equal(t, Statistics{PoolCount: 1, BlockCount: 2, PoolBytes: 4096, BlockBytes: 1256}, pool.Statistics)
	require.Equal(t, 2840, pool.FreeBytes())
	require.Equal(t, 2, pool.FreeRangeCount)
	require.Equal(t, 256, pool.BlockSizeMin)
	require.Equal(t, 1000, pool.BlockSizeMax)
	require.Equal(t, 8, pool.FreeRangeSizeMin)
	require.Equal(t, 2832, pool.FreeRangeSizeMax)
}

func TestDetailedStatisticsMergeEmpty(t *testing.T) {
	testCases := map[string]struct {
		Fill func(stats *DetailedStatistics)
	}{
		"Empty": {
			Fill: func(stats *DetailedStatistics) {},
		},
		"EmptyPool": {
			Fill: func(stats *DetailedStatistics) {
				stats.AddPool(1024)
				stats.AddFreeRange(1024)
			},
		},
		"Populated": {
			Fill: func(stats *DetailedStatistics) {
				stats.AddPool(1024)
				stats.AddBlock(512)
				stats.AddFreeRange(512)
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			var stats, empty DetailedStatistics
			stats.Clear()
			empty.Clear()
			testCase.Fill(&stats)
			expected := stats

			// Merging statistics with nothing in them never moves the bounds
			stats.AddDetailedStatistics(&empty)
			require.Equal(t, expected, stats)

			var total DetailedStatistics
			total.Clear()
			total.AddDetailedStatistics(&stats)
			require.Equal(t, expected, total)
		})
	}
}

func TestStatisticsFreeBytes(t *testing.T) {
	var total Statistics
	total.AddStatistics(&Statistics{PoolCount: 1, BlockCount: 3, PoolBytes: 32768, BlockBytes: 3000})
	total.AddStatistics(&Statistics{PoolCount: 1, BlockCount: 1, PoolBytes: 1000, BlockBytes: 1000})

	require.Equal(t, Statistics{PoolCount: 2, BlockCount: 4, PoolBytes: 33768, BlockBytes: 4000}, total)
	require.Equal(t, 29768, total.FreeBytes())

	total.Clear()
	require.Zero(t, total)
}
