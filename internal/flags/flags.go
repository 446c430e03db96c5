// Package flags persists small operator-controlled switches in the
// system_flags table with an in-process read-through cache. The database
// row is authoritative; the cache only bounds read traffic.
package flags

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/database"
	"github.com/hustlexp/backend/internal/hxerr"
)

// Well-known flag names.
const (
	MoneyPaused        = "money_paused"         // kill switch for provider-side money movement
	CorrectionSafeMode = "correction_safe_mode" // latched SafeMode for the advisory engine
)

const cacheTTL = 5 * time.Second

type cached struct {
	value   string
	fetched time.Time
}

// Store reads and writes system flags.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	cache  map[string]cached
	logger *log.Logger
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		cache:  make(map[string]cached),
		logger: log.New(log.Writer(), "[FLAGS] ", log.LstdFlags),
	}
}

// Get returns the flag value, "" when unset. Served from cache within the
// TTL window.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if c, ok := s.cache[name]; ok && time.Since(c.fetched) < cacheTTL {
		s.mu.Unlock()
		return c.value, nil
	}
	s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_flags WHERE name = $1`, name).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return "", hxerr.FromPg(err)
	}

	s.mu.Lock()
	s.cache[name] = cached{value: value, fetched: time.Now()}
	s.mu.Unlock()
	return value, nil
}

// Enabled reports whether a flag is set to "on".
func (s *Store) Enabled(ctx context.Context, name string) (bool, error) {
	v, err := s.Get(ctx, name)
	return v == "on", err
}

// Set upserts a flag and invalidates the local cache. Other processes
// converge within the cache TTL.
func (s *Store) Set(ctx context.Context, q database.Querier, name, value, updatedBy string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO system_flags (name, value, updated_by, updated_at)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = now()`,
		name, value, updatedBy)
	if err != nil {
		return hxerr.FromPg(err)
	}

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	s.logger.Printf("flag %s set to %q by %s", name, value, updatedBy)
	return nil
}
