package cache

import (
	"container/list"
	"sort"
	"time"
)

type secondaryEntry struct {
	key         string
	size        int64
	compression CompressionLevel
	storedAt    time.Time
	accessedAt  time.Time
	element     *list.Element
}

// secondaryIndex tracks what the secondary store holds, ordered by last
// access, so the store can be trimmed to a budget without listing it.
type secondaryIndex struct {
	budget int64
	used   int64
	items  map[string]*secondaryEntry
	order  *list.List
}

func newSecondaryIndex(budget int64) *secondaryIndex {
	return &secondaryIndex{
		budget: budget,
		items:  make(map[string]*secondaryEntry),
		order:  list.New(),
	}
}

// load seeds the index from a store listing, newest at the front.
func (s *secondaryIndex) load(objects []StoredObject) {
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ModTime.Before(objects[j].ModTime)
	})
	for _, obj := range objects {
		s.add(obj.Key, obj.Size, CompressionNone, obj.ModTime)
	}
}

// add records a write and returns the keys that must be deleted to fit the
// budget. The key just written is never among them.
func (s *secondaryIndex) add(key string, size int64, level CompressionLevel, now time.Time) []string {
	if old, ok := s.items[key]; ok {
		s.unlink(old)
	}
	e := &secondaryEntry{
		key:         key,
		size:        size,
		compression: level,
		storedAt:    now,
		accessedAt:  now,
	}
	e.element = s.order.PushFront(e)
	s.items[key] = e
	s.used += size
	return s.trim(key)
}

func (s *secondaryIndex) touch(key string, now time.Time) (*secondaryEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e.accessedAt = now
	s.order.MoveToFront(e.element)
	return e, true
}

func (s *secondaryIndex) get(key string) (*secondaryEntry, bool) {
	e, ok := s.items[key]
	return e, ok
}

func (s *secondaryIndex) remove(key string) bool {
	e, ok := s.items[key]
	if ok {
		s.unlink(e)
	}
	return ok
}

func (s *secondaryIndex) unlink(e *secondaryEntry) {
	s.order.Remove(e.element)
	delete(s.items, e.key)
	s.used -= e.size
}

func (s *secondaryIndex) trim(protect string) []string {
	var victims []string
	for el := s.order.Back(); el != nil && s.used > s.budget; {
		prev := el.Prev()
		if e := el.Value.(*secondaryEntry); e.key != protect {
			s.unlink(e)
			victims = append(victims, e.key)
		}
		el = prev
	}
	return victims
}

func (s *secondaryIndex) setBudget(budget int64) []string {
	s.budget = budget
	return s.trim("")
}

// expired removes entries stored before cutoff.
func (s *secondaryIndex) expired(cutoff time.Time) []string {
	var keys []string
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*secondaryEntry); e.storedAt.Before(cutoff) {
			s.unlink(e)
			keys = append(keys, e.key)
		}
		el = prev
	}
	return keys
}

func (s *secondaryIndex) clear() int {
	n := len(s.items)
	s.items = make(map[string]*secondaryEntry)
	s.order.Init()
	s.used = 0
	return n
}

func (s *secondaryIndex) len() int {
	return len(s.items)
}
