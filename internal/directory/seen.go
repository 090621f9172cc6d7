package directory

import "container/list"

const defaultSeenCacheSize = 1024

// seenSet remembers the most recent message ids applied to the directory so
// a message delivered twice is counted once. Oldest ids are evicted first.
// Callers hold the directory lock.
type seenSet struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCacheSize
	}
	return &seenSet{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if elem, ok := s.entries[id]; ok {
		s.order.MoveToFront(elem)
		return false
	}
	s.entries[id] = s.order.PushFront(id)

	for s.order.Len() > s.capacity {
		last := s.order.Back()
		if last == nil {
			break
		}
		s.order.Remove(last)
		delete(s.entries, last.Value.(string))
	}
	return true
}

func (s *seenSet) len() int {
	return s.order.Len()
}
