// Package store holds the byte-blob stores that back the access point ledgers
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/wifiscore/pkg/logx"
)

// Bucket names for the bbolt database
const (
	LedgerBucket   = "ledgers"
	MetadataBucket = "metadata"

	schemaKey     = "schema_version"
	schemaVersion = "1"
)

// Dispatcher runs a read completion. The daemon posts completions onto its
// event loop; nil completes inline. With a dispatcher, BoltStore reads the
// database on a goroutine of its own so the loop never waits on the disk.
type Dispatcher func(fn func())

// Stats describes the store contents
type Stats struct {
	Keys  int `json:"keys"`
	Bytes int `json:"bytes"`
}

// BoltStore is a blob store kept in a bbolt file
type BoltStore struct {
	db       *bolt.DB
	path     string
	dispatch Dispatcher
	reads    sync.WaitGroup
	logger   *logx.Logger
}

// OpenBoltStore opens or creates the database at path
func OpenBoltStore(path string, dispatch Dispatcher, logger *logx.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = logx.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	s := &BoltStore{db: db, path: path, dispatch: dispatch, logger: logger}
	if err := s.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store buckets: %w", err)
	}

	st, _ := s.Stats()
	logger.Info("ledger store opened", "path", path, "keys", st.Keys)
	return s, nil
}

func (s *BoltStore) initializeBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(LedgerBucket)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", LedgerBucket, err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(MetadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", MetadataBucket, err)
		}
		switch v := meta.Get([]byte(schemaKey)); {
		case v == nil:
			return meta.Put([]byte(schemaKey), []byte(schemaVersion))
		case string(v) != schemaVersion:
			return fmt.Errorf("unsupported schema version %q", v)
		}
		return nil
	})
}

// Read looks the key up and completes through done. A missing key completes
// with a nil value and a nil error.
func (s *BoltStore) Read(key string, done func(value []byte, err error)) {
	if s.dispatch == nil {
		value, err := s.get(key)
		done(value, err)
		return
	}
	s.reads.Add(1)
	go func() {
		defer s.reads.Done()
		value, err := s.get(key)
		s.dispatch(func() { done(value, err) })
	}()
}

func (s *BoltStore) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(LedgerBucket)).Get([]byte(key)); v != nil {
			// bbolt memory is only valid inside the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Write stores value under key
func (s *BoltStore) Write(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(LedgerBucket)).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// WriteBatch stores every entry in a single transaction, so a flush costs one
// sync however many ledgers changed. Nothing is stored when it fails.
func (s *BoltStore) WriteBatch(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	keys := sortedKeys(entries)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(LedgerBucket))
		for _, k := range keys {
			if err := b.Put([]byte(k), entries[k]); err != nil {
				return fmt.Errorf("failed to write %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d ledgers: %w", len(entries), err)
	}
	return nil
}

// Delete removes key
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(LedgerBucket)).Delete([]byte(key))
	})
}

// Keys returns every stored key in order
func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(LedgerBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Stats counts the stored ledgers
func (s *BoltStore) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(LedgerBucket)).ForEach(func(_, v []byte) error {
			st.Keys++
			st.Bytes += len(v)
			return nil
		})
	})
	return st, err
}

// Clear drops every ledger
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(LedgerBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(LedgerBucket))
		return err
	})
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close waits for reads in flight and closes the database
func (s *BoltStore) Close() error {
	s.reads.Wait()
	return s.db.Close()
}

// MemoryStore is a blob store held in a map
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	dispatch Dispatcher
}

// NewMemoryStore creates an empty store
func NewMemoryStore(dispatch Dispatcher) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), dispatch: dispatch}
}

func (s *MemoryStore) Read(key string, done func(value []byte, err error)) {
	s.mu.RLock()
	var value []byte
	if v, ok := s.data[key]; ok {
		value = append([]byte(nil), v...)
	}
	s.mu.RUnlock()
	complete(s.dispatch, func() { done(value, nil) })
}

func (s *MemoryStore) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// WriteBatch stores every entry under one lock
func (s *MemoryStore) WriteBatch(entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

// Delete removes key
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns every stored key in order
func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats counts the stored ledgers
func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Keys: len(s.data)}
	for _, v := range s.data {
		st.Bytes += len(v)
	}
	return st, nil
}

// Clear drops every ledger
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func sortedKeys(entries map[string][]byte) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func complete(dispatch Dispatcher, fn func()) {
	if dispatch == nil {
		fn()
		return
	}
	dispatch(fn)
}
