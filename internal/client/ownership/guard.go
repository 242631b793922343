// Package ownership serializes work on individual local records.
//
// The queue processor and the sync coordinator both write local records.
// Each takes the record's key before touching it, so a delta apply never
// interleaves with a reconciliation of the same id.
package ownership

import (
	"slices"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Guard is a keyed mutex. The zero value is ready to use.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Guard {
	return &Guard{}
}

// Lock acquires every key and returns the function releasing them. Keys are
// taken in sorted order so two callers locking overlapping sets cannot
// deadlock. Duplicates are ignored.
func (g *Guard) Lock(keys ...string) (unlock func()) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*entry, 0, len(keys))
	for _, k := range keys {
		e := g.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				g.release(keys[i])
			}
		})
	}
}

func (g *Guard) acquire(key string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks == nil {
		g.locks = make(map[string]*entry)
	}
	e, ok := g.locks[key]
	if !ok {
		e = &entry{}
		g.locks[key] = e
	}
	e.refs++
	return e
}

func (g *Guard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(g.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
