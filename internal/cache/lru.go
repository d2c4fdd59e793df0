package cache

import (
	"container/list"
	"fmt"
	"image"
	"time"

	"github.com/objectfs/imagecore/pkg/errors"
)

// memoryEntry is one decoded image held in memory.
type memoryEntry struct {
	key         string
	img         image.Image
	size        int64
	compression CompressionLevel
	storedAt    time.Time
	accessedAt  time.Time
	expiresAt   time.Time
	pinned      bool
	persisted   bool
	element     *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryTier is a byte-budgeted LRU. It is not safe for concurrent use;
// TieredCache serialises access.
type memoryTier struct {
	budget int64
	used   int64
	items  map[string]*memoryEntry
	order  *list.List // front is most recently used
}

func newMemoryTier(budget int64) *memoryTier {
	return &memoryTier{
		budget: budget,
		items:  make(map[string]*memoryEntry),
		order:  list.New(),
	}
}

// get returns the entry and marks it most recently used.
func (t *memoryTier) get(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := t.items[key]
	if !ok {
		return nil, false
	}
	e.accessedAt = now
	t.order.MoveToFront(e.element)
	return e, true
}

// peek returns the entry without touching recency.
func (t *memoryTier) peek(key string) (*memoryEntry, bool) {
	e, ok := t.items[key]
	return e, ok
}

// put inserts e, replacing any entry under the same key, then evicts least
// recently used entries other than e until usage fits the budget.
func (t *memoryTier) put(e *memoryEntry) ([]*memoryEntry, error) {
	if e.size > t.budget {
		return nil, errors.NewError(errors.ErrCodeCapacityExceeded,
			fmt.Sprintf("image of %d bytes exceeds memory budget of %d bytes", e.size, t.budget)).
			WithComponent("cache").WithOperation("store").
			WithDetail("key", e.key)
	}

	if old, ok := t.items[e.key]; ok {
		if old.pinned {
			e.pinned = true
		}
		t.unlink(old)
	}

	e.element = t.order.PushFront(e)
	t.items[e.key] = e
	t.used += e.size

	return t.trimTo(t.budget, e.key), nil
}

func (t *memoryTier) remove(key string) (*memoryEntry, bool) {
	e, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.unlink(e)
	return e, true
}

func (t *memoryTier) unlink(e *memoryEntry) {
	t.order.Remove(e.element)
	delete(t.items, e.key)
	t.used -= e.size
}

// trimTo evicts until used <= target: unpinned entries oldest first, then
// pinned ones. The entry under protect is never evicted.
func (t *memoryTier) trimTo(target int64, protect string) []*memoryEntry {
	if target < 0 {
		target = 0
	}
	var evicted []*memoryEntry
	for _, pinnedPass := range []bool{false, true} {
		for el := t.order.Back(); el != nil && t.used > target; {
			prev := el.Prev()
			e := el.Value.(*memoryEntry)
			if e.pinned == pinnedPass && e.key != protect {
				t.unlink(e)
				evicted = append(evicted, e)
			}
			el = prev
		}
	}
	return evicted
}

// evictUnpinned removes every unpinned entry.
func (t *memoryTier) evictUnpinned() []*memoryEntry {
	var evicted []*memoryEntry
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*memoryEntry); !e.pinned {
			t.unlink(e)
			evicted = append(evicted, e)
		}
		el = prev
	}
	return evicted
}

// removeExpired drops entries past their expiry.
func (t *memoryTier) removeExpired(now time.Time) []*memoryEntry {
	var expired []*memoryEntry
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*memoryEntry); e.expired(now) {
			t.unlink(e)
			expired = append(expired, e)
		}
		el = prev
	}
	return expired
}

func (t *memoryTier) clear() int {
	n := len(t.items)
	t.items = make(map[string]*memoryEntry)
	t.order.Init()
	t.used = 0
	return n
}

// setBudget changes the budget and evicts down to it.
func (t *memoryTier) setBudget(budget int64) []*memoryEntry {
	t.budget = budget
	return t.trimTo(budget, "")
}

func (t *memoryTier) len() int {
	return len(t.items)
}

// keys returns keys from most to least recently used.
func (t *memoryTier) keys() []string {
	out := make([]string, 0, len(t.items))
	for el := t.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*memoryEntry).key)
	}
	return out
}
