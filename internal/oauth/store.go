package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

// CredentialStore persists integration credentials. Each method touches a
// single row.
type CredentialStore interface {
	Get(ctx context.Context, tenantID int64) (*models.IntegrationCredential, error)
	Save(ctx context.Context, cred *models.IntegrationCredential) error
	SaveRefreshed(ctx context.Context, cred *models.IntegrationCredential) error
	MarkRefreshFailed(ctx context.Context, tenantID int64, message string, at time.Time) error
}

// SQLCredentialStore is the sqlx-backed CredentialStore.
type SQLCredentialStore struct {
	db *sqlx.DB
}

func NewSQLCredentialStore(db *sqlx.DB) *SQLCredentialStore {
	return &SQLCredentialStore{db: db}
}

const credentialColumns = `tenant_id, access_token, refresh_token, expires_at, client_endpoint, server_endpoint,
	client_id, client_secret, refresh_failed, refresh_error, refresh_failed_at, updated_at`

func (s *SQLCredentialStore) Get(ctx context.Context, tenantID int64) (*models.IntegrationCredential, error) {
	var cred models.IntegrationCredential
	err := s.db.GetContext(ctx, &cred, s.db.Rebind(
		`SELECT `+credentialColumns+` FROM integration_credentials WHERE tenant_id = ?`), tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("credential", "no credential for tenant %d", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential of tenant %d: %w", tenantID, err)
	}
	return &cred, nil
}

// Save inserts or replaces the credential granted at install time.
func (s *SQLCredentialStore) Save(ctx context.Context, cred *models.IntegrationCredential) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO integration_credentials (`+credentialColumns+`)
		 VALUES (:tenant_id, :access_token, :refresh_token, :expires_at, :client_endpoint, :server_endpoint,
		         :client_id, :client_secret, :refresh_failed, :refresh_error, :refresh_failed_at, :updated_at)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   client_endpoint = excluded.client_endpoint,
		   server_endpoint = excluded.server_endpoint,
		   client_id = excluded.client_id,
		   client_secret = excluded.client_secret,
		   refresh_failed = excluded.refresh_failed,
		   refresh_error = excluded.refresh_error,
		   refresh_failed_at = excluded.refresh_failed_at,
		   updated_at = excluded.updated_at`, cred)
	if err != nil {
		return fmt.Errorf("save credential of tenant %d: %w", cred.TenantID, err)
	}
	return nil
}

// SaveRefreshed writes a successful refresh and clears the failure flag.
func (s *SQLCredentialStore) SaveRefreshed(ctx context.Context, cred *models.IntegrationCredential) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE integration_credentials
		 SET access_token = ?, refresh_token = ?, expires_at = ?, client_endpoint = ?, server_endpoint = ?,
		     refresh_failed = ?, refresh_error = '', refresh_failed_at = NULL, updated_at = ?
		 WHERE tenant_id = ?`),
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.ClientEndpoint, cred.ServerEndpoint,
		false, cred.UpdatedAt, cred.TenantID)
	if err != nil {
		return fmt.Errorf("save refreshed credential of tenant %d: %w", cred.TenantID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("credential", "no credential for tenant %d", cred.TenantID)
	}
	return nil
}

func (s *SQLCredentialStore) MarkRefreshFailed(ctx context.Context, tenantID int64, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE integration_credentials
		 SET refresh_failed = ?, refresh_error = ?, refresh_failed_at = ?, updated_at = ?
		 WHERE tenant_id = ?`),
		true, message, at, at, tenantID)
	if err != nil {
		return fmt.Errorf("mark refresh failure of tenant %d: %w", tenantID, err)
	}
	return nil
}
