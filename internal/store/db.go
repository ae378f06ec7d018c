package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is the durable message store for one profile. It is constructed once
// and shared by reference; the database is opened lazily by Init.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	init singleflight.Group

	mu sync.RWMutex
	db *sql.DB

	// beforeUse runs between Init and fetching the handle; tests use it to
	// race Close.
	beforeUse func()
}

// ErrHandleLost is returned when the database is closed under an operation
// on every attempt.
var ErrHandleLost = errors.New("store: database closed during operation")

// New returns a store for the SQLite file at path. Nothing is opened yet.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Init opens the database and applies the schema. Concurrent callers share a
// single initialization; once ready, further calls return immediately. A
// failed Init is retried by the next caller.
func (s *Store) Init(ctx context.Context) error {
	if s.handle() != nil {
		return nil
	}
	_, err, _ := s.init.Do("init", func() (any, error) {
		if s.handle() != nil {
			return nil, nil
		}
		db, err := s.open(ctx)
		if errors.Is(err, errSchemaBusy) {
			s.logger.Warn("schema busy, reopening store", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			db, err = s.open(ctx)
		}
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.db = db
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	result, err := migrateDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		s.logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	s.logger.Info("store initialized", zap.String("path", s.path), zap.Uint("schema", result.Version))
	return db, nil
}

func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// invalidate drops db if it is still the current handle.
func (s *Store) invalidate(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == db {
		_ = s.db.Close()
		s.db = nil
	}
}

// do runs fn against a ready handle. If fn fails because the handle went
// stale (schema changed under us, connection closed), the handle is dropped,
// the store re-initialized and fn retried once.
func (s *Store) do(ctx context.Context, fn func(db *sql.DB) error) error {
	const attempts = 2
	for attempt := 1; ; attempt++ {
		if err := s.Init(ctx); err != nil {
			return err
		}
		if s.beforeUse != nil {
			s.beforeUse()
		}
		db := s.handle()
		if db == nil {
			if attempt == attempts {
				return ErrHandleLost
			}
			continue
		}
		err := fn(db)
		if err == nil || attempt == attempts || !isStale(err) {
			return err
		}
		s.logger.Warn("stale store handle, reinitializing", zap.Error(err))
		s.invalidate(db)
	}
}

// Close closes the database. The store can be re-initialized afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func isStale(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrSchema
	}
	return err.Error() == "sql: database is closed"
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
