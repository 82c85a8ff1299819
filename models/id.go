package models

import (
	"slices"
	"sync"
)

// SequentialIDGenerator hands out ids starting at 1. Released ids are handed
// out again, lowest first, before any new id.
type SequentialIDGenerator struct {
	mutex    sync.Mutex
	last     uint32
	released []uint32
}

func (g *SequentialIDGenerator) New() uint32 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if len(g.released) != 0 {
		id := g.released[0]
		g.released = g.released[1:]
		return id
	}

	g.last++
	return g.last
}

// Reuse releases the given id. Ids that were never handed out or that are
// already released are ignored.
func (g *SequentialIDGenerator) Reuse(id uint32) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if id == 0 || id > g.last {
		return
	}

	i, found := slices.BinarySearch(g.released, id)
	if !found {
		g.released = slices.Insert(g.released, i, id)
	}
}
