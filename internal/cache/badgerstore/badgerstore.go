// Package badgerstore implements cache.Store on an embedded BadgerDB, so
// breaker state survives restarts of a single-node deployment.
//
// Counters are stored as base-10 ASCII. Expiry uses Badger's native TTL,
// which has one-second resolution; expiries are rounded up to the next
// whole second.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/alecgard/warden/internal/cache"
)

// maxConflictRetries bounds how often Increment retries a transaction that
// lost a write-write race.
const maxConflictRetries = 64

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64
}

// InMemoryConfig returns a configuration suitable for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a cache.Store backed by BadgerDB.
type Store struct {
	db             *badger.DB
	gcInterval     time.Duration
	gcDiscardRatio float64
}

var _ cache.Store = (*Store)(nil)

// Open opens (creating if needed) a Badger database for the store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent counter store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating counter store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: slog.Default().With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &Store{db: db, gcInterval: cfg.GCInterval, gcDiscardRatio: ratio}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encode(v int64) []byte {
	return strconv.AppendInt(nil, v, 10)
}

func decode(b []byte) (int64, error) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, cache.ErrNotInteger
	}
	return v, nil
}

// expiresAt converts a ttl into Badger's unix-seconds expiry, rounding up.
func expiresAt(ttl time.Duration) uint64 {
	if ttl <= 0 {
		return 0
	}
	at := time.Now().Add(ttl)
	secs := at.Unix()
	if at.Nanosecond() > 0 {
		secs++
	}
	return uint64(secs)
}

func (s *Store) Read(_ context.Context, key string) (int64, bool, error) {
	var (
		value int64
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := decode(val)
			if err != nil {
				return err
			}
			value, found = v, true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("reading counter %s: %w", key, err)
	}
	return value, found, nil
}

func (s *Store) Write(_ context.Context, key string, value int64, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), encode(value))
		e.ExpiresAt = expiresAt(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("writing counter %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting counter %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking counter %s: %w", key, err)
	}
	return found, nil
}

// Increment adds by to key inside a read-write transaction. Conflicting
// concurrent commits are retried; the expiry recorded at creation is carried
// over on every rewrite.
func (s *Store) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	var result int64
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			var (
				current int64
				expiry  uint64
			)
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				expiry = expiresAt(ttl)
			case err != nil:
				return err
			default:
				expiry = item.ExpiresAt()
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if current, err = decode(val); err != nil {
					return err
				}
			}

			result = current + by
			e := badger.NewEntry([]byte(key), encode(result))
			e.ExpiresAt = expiry
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("incrementing counter %s: %w", key, err)
		}
		return result, nil
	}
	return 0, fmt.Errorf("incrementing counter %s: %w", key, badger.ErrConflict)
}

// Start runs value log GC on the configured interval until ctx is cancelled.
// It returns immediately when GC is disabled.
func (s *Store) Start(ctx context.Context) {
	if s.gcInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runGC()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) runGC() {
	err := s.db.RunValueLogGC(s.gcDiscardRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		slog.Warn("counter store value log gc failed", "error", err)
	}
}
