// Package kvstore defines the generic partitioned key-value capability the
// sync engine persists to, plus the backends it ships with.
//
// A partition is a named collection of records (the operation queue, one
// partition per mirrored entity type). Every record value is a JSON document
// and may carry a set of string index values that ByIndex matches on.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

type Record struct {
	Key     string            `json:"key"`
	Value   json.RawMessage   `json:"value"`
	Indexes map[string]string `json:"indexes,omitempty"`
}

type KeyValueStore interface {
	Get(ctx context.Context, partition, key string) (Record, error)
	GetAll(ctx context.Context, partition string) ([]Record, error)
	Put(ctx context.Context, partition string, rec Record) error
	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, partition, key string) error
	Count(ctx context.Context, partition string) (int, error)
	ByIndex(ctx context.Context, partition, index, value string) ([]Record, error)
	Close() error
}

func validatePut(partition string, rec Record) error {
	if strings.TrimSpace(partition) == "" || strings.TrimSpace(rec.Key) == "" {
		return ErrInvalidInput
	}
	if len(rec.Value) == 0 || !json.Valid(rec.Value) {
		return ErrInvalidInput
	}
	return nil
}

func cloneRecord(rec Record) Record {
	out := Record{
		Key:   rec.Key,
		Value: append(json.RawMessage(nil), rec.Value...),
	}
	if len(rec.Indexes) > 0 {
		out.Indexes = make(map[string]string, len(rec.Indexes))
		for k, v := range rec.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
}
