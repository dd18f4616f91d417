// Package dbtest opens migrated throwaway databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/db"
)

// OpenSQLite returns a migrated sqlite database in the test's temp dir.
func OpenSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SeedTenant inserts a tenant row and returns its id.
func SeedTenant(t *testing.T, conn *sqlx.DB, memberID, domain string) int64 {
	t.Helper()
	var id int64
	err := conn.QueryRowx(conn.Rebind(
		`INSERT INTO tenants (member_id, domain, created_at) VALUES (?, ?, CURRENT_TIMESTAMP) RETURNING id`),
		memberID, domain).Scan(&id)
	require.NoError(t, err)
	return id
}
