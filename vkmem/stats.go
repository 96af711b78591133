package vkmem

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/mempool/memutils"
)

func writeStatistics(json *jwriter.ObjectState, stats *memutils.Statistics) {
	json.Name("PoolCount").Int(stats.PoolCount)
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("PoolBytes").Int(stats.PoolBytes)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("FreeBytes").Int(stats.FreeBytes())
}

func writeDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	writeStatistics(json, &stats.Statistics)
	json.Name("FreeRangeCount").Int(stats.FreeRangeCount)

	if stats.BlockCount > 1 {
		sizes := json.Name("BlockSize").Object()
		sizes.Name("Min").Int(stats.BlockSizeMin)
		sizes.Name("Max").Int(stats.BlockSizeMax)
		sizes.End()
	}

	if stats.FreeRangeCount > 1 {
		sizes := json.Name("FreeRangeSize").Object()
		sizes.Name("Min").Int(stats.FreeRangeSizeMin)
		sizes.Name("Max").Int(stats.FreeRangeSizeMax)
		sizes.End()
	}
}

func (p *MemoryPool) writeJSON(json *jwriter.ObjectState) {
	json.Name("Size").Int(p.size)
	json.Name("ResourceType").String(p.resourceType.String())
	json.Name("Mapped").Bool(p.IsMapped())
	json.Name("Separate").Bool(p.separate)
	json.Name("UnusedBytes").Int(p.chain.SumFreeSize())

	blocks := json.Name("Blocks").Array()
	p.visitBlocks(func(offset int, block poolBlock) {
		obj := blocks.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(block.size)
		obj.Name("ResourceType").String(block.resourceType.String())
		obj.End()
	})
	blocks.End()
}

func (t *MemoryType) writeJSON(json *jwriter.ObjectState, detailed bool) {
	json.Name("Flags").String(t.propertyFlags.String())

	var stats memutils.DetailedStatistics
	stats.Clear()
	t.AddDetailedStatistics(&stats)

	statsObj := json.Name("Stats").Object()
	writeDetailedStatistics(&statsObj, &stats)
	statsObj.End()

	if !detailed {
		return
	}

	pools := json.Name("Pools").Object()
	for _, ref := range t.order {
		pool := t.pools.get(ref)

		poolObj := pools.Name(strconv.Itoa(pool.id)).Object()
		pool.writeJSON(&poolObj)
		poolObj.End()
	}
	pools.End()
}

// BuildStatsString returns a JSON document describing every heap, memory type and pool. With
// detailed set, every pool's live blocks are listed as well.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	total := obj.Name("Total").Object()
	writeDetailedStatistics(&total, &stats.Total)
	total.End()

	heaps := obj.Name("MemoryHeaps").Object()
	for heapIndex := range stats.MemoryHeaps {
		heap := heaps.Name("Heap " + strconv.Itoa(heapIndex)).Object()
		heap.Name("Size").Int(a.deviceMemory.MemoryHeapSize(heapIndex))

		heapStats := heap.Name("Stats").Object()
		writeDetailedStatistics(&heapStats, &stats.MemoryHeaps[heapIndex])
		heapStats.End()

		types := heap.Name("MemoryTypes").Object()
		for _, memoryType := range a.memoryTypes {
			if memoryType.HeapIndex() != heapIndex {
				continue
			}

			typeObj := types.Name("Type " + strconv.Itoa(memoryType.Index())).Object()
			memoryType.writeJSON(&typeObj, detailed)
			typeObj.End()
		}
		types.End()

		heap.End()
	}
	heaps.End()

	obj.End()
	return string(writer.Bytes())
}
