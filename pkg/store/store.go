// Package store is the client's small local key-value store, backed by PebbleDB.
// It holds the device identity and the push worker state between runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

var ErrNotFound = errors.New("store: key not found")

type DB struct {
	db *pebble.DB
}

func Open(dir string) (*DB, error) {
	if dir == "" {
		return nil, errors.New("store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

func (s *DB) Get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	// pebble owns val until closer is closed
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *DB) Put(key string, val []byte) error {
	return s.db.Set([]byte(key), val, pebble.Sync)
}

func (s *DB) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *DB) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *DB) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(key, raw)
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
