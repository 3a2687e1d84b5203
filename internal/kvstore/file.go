package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps every partition in one JSON snapshot file. Writes rewrite
// the snapshot through a temp file and rename. An exclusive lock on
// <path>.lock keeps a second process from writing the same file.
type FileStore struct {
	path       string
	mu         sync.RWMutex
	partitions map[string]map[string]Record
	lock       *os.File
	closed     bool
}

type fileStoreState struct {
	Partitions map[string]map[string]Record `json:"partitions"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lock, err := lockFile(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	s := &FileStore{
		path:       path,
		partitions: map[string]map[string]Record{},
		lock:       lock,
	}
	if err := s.load(); err != nil {
		unlockFile(lock)
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, partition, key string) (Record, error) {
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

func (s *FileStore) GetAll(_ context.Context, partition string) ([]Record, error) {
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

func (s *FileStore) Put(_ context.Context, partition string, rec Record) error {
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
	prev, existed := p[rec.Key]
	p[rec.Key] = cloneRecord(rec)
	if err := s.saveLocked(); err != nil {
		if existed {
			p[rec.Key] = prev
		} else {
			delete(p, rec.Key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.partitions[partition][key]
	if !ok {
		return nil
	}
	delete(s.partitions[partition], key)
	if err := s.saveLocked(); err != nil {
		s.partitions[partition][key] = prev
		return err
	}
	return nil
}

func (s *FileStore) Count(_ context.Context, partition string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.partitions[partition]), nil
}

func (s *FileStore) ByIndex(_ context.Context, partition, index, value string) ([]Record, error) {
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

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	unlockFile(s.lock)
	return nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for name, records := range snapshot.Partitions {
		p := make(map[string]Record, len(records))
		for key, rec := range records {
			rec.Key = key
			p[key] = rec
		}
		s.partitions[name] = p
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.Marshal(fileStoreState{Partitions: s.partitions})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
