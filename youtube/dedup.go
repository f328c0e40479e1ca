package youtube

import (
	"container/list"
	"sync"
)

// seenSet is a bounded LRU membership set over message ids. Capacity keeps
// the duplicate window cheap; anything older than the last N ids may be
// processed again, which the store's source-id dedupe then absorbs.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	members  map[string]*list.Element
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenSet{
		capacity: capacity,
		order:    list.New(),
		members:  make(map[string]*list.Element),
	}
}

// Seen records the id and reports whether it was already present.
func (s *seenSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.members[id]; ok {
		s.order.MoveToFront(e)
		return true
	}
	s.members[id] = s.order.PushFront(id)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.members, oldest.Value.(string))
	}
	return false
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
