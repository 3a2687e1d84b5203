package kvstore

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Record
	closed     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: map[string]map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, partition, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	rec, ok := s.partitions[partition][key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetAll(_ context.Context, partition string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	records := make([]Record, 0, len(s.partitions[partition]))
	for _, rec := range s.partitions[partition] {
		records = append(records, cloneRecord(rec))
	}
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) Put(_ context.Context, partition string, rec Record) error {
	if err := validatePut(partition, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		p = map[string]Record{}
		s.partitions[partition] = p
	}
	p[rec.Key] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.partitions[partition], key)
	return nil
}

func (s *MemoryStore) Count(_ context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.partitions[partition]), nil
}

func (s *MemoryStore) ByIndex(_ context.Context, partition, index, value string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var records []Record
	for _, rec := range s.partitions[partition] {
		if v, ok := rec.Indexes[index]; ok && v == value {
			records = append(records, cloneRecord(rec))
		}
	}
	sortRecords(records)
	return records, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
