package vkmem

import "fmt"

// poolRef is a stable reference to a pool in a poolArena. A reference outlives the pool it
// refers to safely: once the pool is removed, its slot's generation moves on and the stale
// reference no longer resolves.
type poolRef struct {
	index      int
	generation uint32
}

func (r poolRef) String() string {
	return fmt.Sprintf("pool(%d#%d)", r.index, r.generation)
}

type poolSlot struct {
	pool       *MemoryPool
	generation uint32
}

type poolArena struct {
	slots     []poolSlot
	freeSlots []int
	count     int
}

func (a *poolArena) insert(pool *MemoryPool) poolRef {
	var index int
	if len(a.freeSlots) > 0 {
		index = a.freeSlots[len(a.freeSlots)-1]
		a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]
	} else {
		index = len(a.slots)
		a.slots = append(a.slots, poolSlot{})
	}

	a.slots[index].pool = pool
	a.count++

	return poolRef{index: index, generation: a.slots[index].generation}
}

// get returns the pool a reference points to, or nil if the pool has been removed
func (a *poolArena) get(ref poolRef) *MemoryPool {
	if ref.index < 0 || ref.index >= len(a.slots) {
		return nil
	}

	slot := a.slots[ref.index]
	if slot.generation != ref.generation {
		return nil
	}

	return slot.pool
}

func (a *poolArena) remove(ref poolRef) {
	if a.get(ref) == nil {
		panic(fmt.Sprintf("attempted to remove %s, which is not in the arena", ref))
	}

	a.slots[ref.index].pool = nil
	a.slots[ref.index].generation++
	a.freeSlots = append(a.freeSlots, ref.index)
	a.count--
}

func (a *poolArena) len() int {
	return a.count
}
