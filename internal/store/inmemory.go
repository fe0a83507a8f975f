package store

import (
	"sort"
	"sync"
)

// InMemory implements Store without touching disk, for unit tests in other
// packages (the offline operation log's tests use it in place of the
// on-disk DiskStore).
type InMemory struct {
	mu sync.Mutex
	m  map[Key]Value
}

func (s *InMemory) Get(k Key) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *InMemory) Put(k Key, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[Key]Value)
	}
	s.m[k] = v
	return nil
}

func (s *InMemory) Delete(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[k]; !ok {
		return ErrNotFound
	}
	delete(s.m, k)
	return nil
}

func (s *InMemory) Contains(k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[k]
	return ok, nil
}

func (s *InMemory) ForEach(cb func(Key) error) error {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err := cb(k); err != nil {
			return err
		}
	}
	return nil
}
