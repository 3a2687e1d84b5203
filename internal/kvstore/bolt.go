package kvstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore maps each partition to a bbolt bucket. Bucket values are the
// JSON-encoded Record so indexes travel with the value.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, partition, key string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return s.decode(key, raw, &rec)
	})
	return rec, err
}

func (s *BoltStore) GetAll(_ context.Context, partition string) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := s.decode(string(k), v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BoltStore) Put(_ context.Context, partition string, rec Record) error {
	if err := validatePut(partition, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key), data)
	})
}

func (s *BoltStore) Delete(_ context.Context, partition, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Count(_ context.Context, partition string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

func (s *BoltStore) ByIndex(ctx context.Context, partition, index, value string) ([]Record, error) {
	all, err := s.GetAll(ctx, partition)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, rec := range all {
		if v, ok := rec.Indexes[index]; ok && v == value {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// decode copies out of bbolt-owned memory; the slice is only valid inside
// the transaction.
func (s *BoltStore) decode(key string, raw []byte, rec *Record) error {
	if err := json.Unmarshal(raw, rec); err != nil {
		return err
	}
	rec.Key = key
	*rec = cloneRecord(*rec)
	return nil
}
