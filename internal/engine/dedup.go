package engine

import (
	"container/list"

	"github.com/google/uuid"
)

// intentLRU deduplicates intent ids across JetStream redeliveries. Bounded
// so an adversary replaying old envelopes cannot grow memory without limit.
// Not thread-safe; callers hold the engine mutex.
type intentLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	order    *list.List
}

func newIntentLRU(capacity int) *intentLRU {
	if capacity <= 0 {
		capacity = 1 << 16
	}
	return &intentLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		order:    list.New(),
	}
}

// seen reports whether the id was recorded, promoting it on a hit.
func (l *intentLRU) seen(id uuid.UUID) bool {
	if elem, ok := l.cache[id]; ok {
		l.order.MoveToFront(elem)
		return true
	}
	return false
}

// record inserts the id, evicting the oldest entry at capacity.
func (l *intentLRU) record(id uuid.UUID) {
	if elem, ok := l.cache[id]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[id] = l.order.PushFront(id)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(uuid.UUID))
	}
}

func (l *intentLRU) size() int {
	return l.order.Len()
}
