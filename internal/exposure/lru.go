package exposure

import (
	"container/list"
	"sync"
)

// LRUStore is a fixed-capacity Store that evicts the least recently used
// fingerprint once full.
type LRUStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

type lruItem struct {
	key   string
	value string
}

// NewLRUStore panics if capacity is not positive.
func NewLRUStore(capacity int) *LRUStore {
	if capacity <= 0 {
		panic("exposure: LRU capacity must be > 0")
	}
	return &LRUStore{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (s *LRUStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if !ok {
		return "", false
	}
	s.order.MoveToFront(el)
	return el.Value.(*lruItem).value, true
}

func (s *LRUStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		el.Value.(*lruItem).value = value
		s.order.MoveToFront(el)
		return
	}

	s.index[key] = s.order.PushFront(&lruItem{key: key, value: value})
	s.evictLocked()
}

// SetIfAbsent stores value only when key is not already present and reports
// whether it did.
func (s *LRUStore) SetIfAbsent(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = s.order.PushFront(&lruItem{key: key, value: value})
	s.evictLocked()
	return true
}

func (s *LRUStore) evictLocked() {
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(*lruItem).key)
	}
}

func (s *LRUStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order.Init()
	s.index = make(map[string]*list.Element, s.capacity)
}

func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Entries returns a copy of every stored fingerprint.
func (s *LRUStore) Entries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.index))
	for key, el := range s.index {
		out[key] = el.Value.(*lruItem).value
	}
	return out
}
