package outbox

import (
	"cmp"
	"slices"
)

// sequencedCache holds events ordered by sequence, bounded to capacity.
// When it overflows the largest sequence is evicted; that event is the one
// furthest from the cursor and is recovered later by paging.
type sequencedCache[P any] struct {
	items    []*PersistentEvent[P]
	capacity int
}

func newSequencedCache[P any](capacity int) *sequencedCache[P] {
	if capacity < 1 {
		capacity = 1
	}
	return &sequencedCache[P]{
		items:    make([]*PersistentEvent[P], 0, capacity+1),
		capacity: capacity,
	}
}

func (c *sequencedCache[P]) search(seq EventSequence) (int, bool) {
	return slices.BinarySearchFunc(c.items, seq, func(e *PersistentEvent[P], target EventSequence) int {
		return cmp.Compare(e.Sequence, target)
	})
}

// insert adds e unless its sequence is already cached. The first copy wins.
func (c *sequencedCache[P]) insert(e *PersistentEvent[P]) bool {
	i, found := c.search(e.Sequence)
	if found {
		return false
	}
	c.items = slices.Insert(c.items, i, e)
	if len(c.items) > c.capacity {
		c.items = c.items[:len(c.items)-1]
	}
	return true
}

func (c *sequencedCache[P]) first() (*PersistentEvent[P], bool) {
	if len(c.items) == 0 {
		return nil, false
	}
	return c.items[0], true
}

func (c *sequencedCache[P]) popFirst() *PersistentEvent[P] {
	e := c.items[0]
	c.items[0] = nil
	c.items = c.items[1:]
	return e
}

func (c *sequencedCache[P]) len() int {
	return len(c.items)
}
