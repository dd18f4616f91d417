// Package lock provides per-conversation mutual exclusion and the reply guard
// that keeps the bot from answering twice or echoing itself.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a lock is honoured before it counts as abandoned.
const DefaultTTL = 30 * time.Second

// Locker grants at most one holder per key. A holder older than ttl is
// considered gone and the key can be taken over.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// SQLLocker keeps locks in the conversation_locks table. Acquire is a single
// conditional upsert, so it is safe across processes sharing the database.
type SQLLocker struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLLocker(db *sqlx.DB) *SQLLocker {
	return &SQLLocker{db: db, now: time.Now}
}

func (l *SQLLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO conversation_locks (conversation_id, acquired_at) VALUES (?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET acquired_at = excluded.acquired_at
		 WHERE conversation_locks.acquired_at < ?`),
		key, now, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *SQLLocker) Release(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx, l.db.Rebind(`DELETE FROM conversation_locks WHERE conversation_id = ?`), key); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// MemoryLocker is a Locker for single-process deployments.
type MemoryLocker struct {
	c *cache.Cache
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{c: cache.New(DefaultTTL, time.Minute)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Add fails while an unexpired entry exists.
	return l.c.Add(key, struct{}{}, ttl) == nil, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.c.Delete(key)
	return nil
}

// ConversationKey is the lock key of a conversation.
func ConversationKey(conversationID int64) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}
