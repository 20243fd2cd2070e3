package localstore

import (
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// ErrStopIteration ends an IteratePrefix walk early without reporting an
// error to the caller.
var ErrStopIteration = errors.New("localstore: stop iteration")

// Store is the durable local cache: an embedded key-value store that survives
// process restarts. It offers last-write-wins per key and nothing stronger;
// the in-memory layers above it stay authoritative for the running process.
type Store struct {
	db  *badger.DB
	log *logger.Logger
}

func Open(path string, baseLog *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("localstore: path required")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("localstore: create directory %s: %w", path, err)
	}
	storeLog := baseLog.With("component", "LocalStore")
	opts := badger.DefaultOptions(path).
		WithLogger(&badgerLogger{log: storeLog}).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: open badger at %s: %w", path, err)
	}
	return &Store{db: db, log: storeLog}, nil
}

// OpenInMemory opens a store with no disk persistence. Used in tests.
func OpenInMemory(baseLog *logger.Logger) (*Store, error) {
	storeLog := baseLog.With("component", "LocalStore")
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(&badgerLogger{log: storeLog})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: open in-memory badger: %w", err)
	}
	return &Store{db: db, log: storeLog}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *Store) Set(key string, val []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// SetAll writes a group of keys in one transaction.
func (s *Store) SetAll(kvs map[string][]byte) error {
	if len(kvs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range kvs {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteAll removes a group of keys in one transaction.
func (s *Store) DeleteAll(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// IteratePrefix visits every key with the given prefix in lexicographic
// order. The callback's value slice is only valid for the duration of the
// call; fn returning an error stops the iteration, and ErrStopIteration
// stops it cleanly.
func (s *Store) IteratePrefix(prefix string, fn func(key string, val []byte) error) error {
	err := s.iteratePrefix(prefix, fn)
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

func (s *Store) iteratePrefix(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// badgerLogger adapts badger's logging to the shared logger.
type badgerLogger struct {
	log *logger.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.log.Error(fmt.Sprintf(format, args...))
}
func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.log.Warn(fmt.Sprintf(format, args...))
}
func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.log.Debug(fmt.Sprintf(format, args...))
}
func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.log.Debug(fmt.Sprintf(format, args...))
}
