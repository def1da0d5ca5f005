package warren

import "sync"

// stringSet is a small concurrency-safe set used to make reply-queue and
// batch-ack registration idempotent.
type stringSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newStringSet() *stringSet {
	return &stringSet{set: make(map[string]struct{})}
}

// add returns true if the key was not already present.
func (s *stringSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[key]; ok {
		return false
	}
	s.set[key] = struct{}{}
	return true
}

func (s *stringSet) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.set, key)
}

func (s *stringSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = make(map[string]struct{})
}
