package kvstore

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// namespaceSeparator terminates every sub-store prefix so that "drives"
// and "drives-old" never share keys.
const namespaceSeparator = '/'

// BadgerStore is a Store backed by an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
	owner  bool
}

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// Logger receives badger's internal messages. Nil silences them.
	Logger *zap.Logger
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("badger directory is required")
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerStore{db: db, owner: true}, nil
}

// Close closes the underlying database. Only the root store owns the
// database; closing a sub-store is a no-op.
func (s *BadgerStore) Close() error {
	if !s.owner {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) key(k []byte) []byte {
	full := make([]byte, 0, len(s.prefix)+len(k))
	full = append(full, s.prefix...)
	return append(full, k...)
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) Put(key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Scan(fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(s.prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)[len(s.prefix):]
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read %q: %w", key, err)
			}
			if err := fn(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Sub(name string) Store {
	prefix := make([]byte, 0, len(s.prefix)+len(name)+1)
	prefix = append(prefix, s.prefix...)
	prefix = append(prefix, name...)
	prefix = append(prefix, namespaceSeparator)
	return &BadgerStore{db: s.db, prefix: prefix}
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
