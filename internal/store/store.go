// Package store holds the sqlx repositories of tenants, channels,
// conversations and the append-only message log.
package store

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
)

// Store groups the repositories that share one database handle.
type Store struct {
	db      *sqlx.DB
	tenants *cache.Cache
	now     func() time.Time
}

// New creates a Store. Tenant lookups are cached for tenantTTL; a zero TTL
// selects one minute.
func New(db *sqlx.DB, tenantTTL time.Duration) *Store {
	if tenantTTL <= 0 {
		tenantTTL = time.Minute
	}
	return &Store{
		db:      db,
		tenants: cache.New(tenantTTL, 2*tenantTTL),
		now:     time.Now,
	}
}

// DB exposes the handle for components that keep their own tables.
func (s *Store) DB() *sqlx.DB { return s.db }
