package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "relaysync_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, partition, key string) (Record, error) {
	if err := s.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key, value, indexes FROM %s WHERE partition = $1 AND key = $2", postgresQuoteIdentifier(s.tableName))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, partition, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) GetAll(ctx context.Context, partition string) ([]Record, error) {
	query := fmt.Sprintf("SELECT key, value, indexes FROM %s WHERE partition = $1 ORDER BY key ASC", postgresQuoteIdentifier(s.tableName))
	return s.queryRecords(ctx, query, partition)
}

func (s *PostgresStore) Put(ctx context.Context, partition string, rec Record) error {
	if err := validatePut(partition, rec); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	indexes, err := json.Marshal(rec.Indexes)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (partition, key, value, indexes, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (partition, key)
		DO UPDATE SET value = EXCLUDED.value, indexes = EXCLUDED.indexes, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, partition, rec.Key, string(rec.Value), string(indexes))
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, partition, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE partition = $1 AND key = $2", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, partition, key)
	return err
}

func (s *PostgresStore) Count(ctx context.Context, partition string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE partition = $1", postgresQuoteIdentifier(s.tableName))
	var count int
	if err := s.db.QueryRowContext(ctx, query, partition).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) ByIndex(ctx context.Context, partition, index, value string) ([]Record, error) {
	query := fmt.Sprintf("SELECT key, value, indexes FROM %s WHERE partition = $1 AND indexes->>$2 = $3 ORDER BY key ASC", postgresQuoteIdentifier(s.tableName))
	return s.queryRecords(ctx, query, partition, index, value)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec     Record
		value   string
		indexes sql.NullString
	)
	if err := row.Scan(&rec.Key, &value, &indexes); err != nil {
		return Record{}, err
	}
	rec.Value = json.RawMessage(value)
	if indexes.Valid && indexes.String != "" && indexes.String != "null" {
		if err := json.Unmarshal([]byte(indexes.String), &rec.Indexes); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				partition TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				indexes JSONB,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (partition, key)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
