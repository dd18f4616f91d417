// Package oauth keeps per-tenant Bitrix24 access tokens fresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

// DefaultBuffer is how long before expiry a token is refreshed.
const DefaultBuffer = 5 * time.Minute

// TokenSet is the result of a refresh-token grant.
type TokenSet struct {
	AccessToken    string
	RefreshToken   string // empty when the provider kept the old one
	ExpiresIn      time.Duration
	ClientEndpoint string
	ServerEndpoint string
}

// Refresher performs the refresh-token grant against the provider.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.IntegrationCredential) (*TokenSet, error)
}

// Manager hands out access tokens, refreshing them shortly before they
// expire. It holds no lock: concurrent refreshes of one tenant are tolerated
// because the provider honours the most recent refresh token.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	buffer    time.Duration
	now       func() time.Time
}

// NewManager creates a Manager. A non-positive buffer selects DefaultBuffer.
func NewManager(store CredentialStore, refresher Refresher, buffer time.Duration) (*Manager, error) {
	if store == nil || refresher == nil {
		return nil, fmt.Errorf("token manager requires a credential store and a refresher")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Manager{store: store, refresher: refresher, buffer: buffer, now: time.Now}, nil
}

// Fresh reports whether the cached access token can be used without refreshing.
func (m *Manager) Fresh(cred *models.IntegrationCredential) bool {
	return cred.AccessToken != "" && cred.ExpiresAt != nil && m.now().Add(m.buffer).Before(*cred.ExpiresAt)
}

// GetValidToken returns a usable access token for cred. A fresh token is
// returned without any network call. Otherwise one refresh is attempted; if it
// fails the failure is recorded and the last known token is returned anyway
// so the caller's request surfaces the provider's verdict.
func (m *Manager) GetValidToken(ctx context.Context, cred *models.IntegrationCredential) (string, error) {
	if m.Fresh(cred) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return m.lastKnown(cred, errors.New("no refresh token"))
	}
	if err := m.refresh(ctx, cred); err != nil {
		return m.lastKnown(cred, err)
	}
	return cred.AccessToken, nil
}

// ForceRefresh refreshes regardless of expiry. Callers use it once after the
// provider rejected a token; a failed refresh is returned as an auth error.
func (m *Manager) ForceRefresh(ctx context.Context, cred *models.IntegrationCredential) (string, error) {
	if cred.RefreshToken == "" {
		return "", apperr.Auth("token refresh", "tenant %d has no refresh token", cred.TenantID)
	}
	if err := m.refresh(ctx, cred); err != nil {
		return "", apperr.Auth("token refresh", "tenant %d: %v", cred.TenantID, err)
	}
	return cred.AccessToken, nil
}

func (m *Manager) lastKnown(cred *models.IntegrationCredential, cause error) (string, error) {
	if cred.AccessToken == "" {
		return "", apperr.Auth("token", "tenant %d has no usable access token: %v", cred.TenantID, cause)
	}
	return cred.AccessToken, nil
}

// refresh performs one grant and updates cred in place on success.
func (m *Manager) refresh(ctx context.Context, cred *models.IntegrationCredential) error {
	set, err := m.refresher.Refresh(ctx, cred)
	if err == nil && set.AccessToken == "" {
		err = errors.New("refresh response carried no access token")
	}
	if err != nil {
		at := m.now().UTC()
		log.Warn().Err(err).Int64("tenantID", cred.TenantID).Msg("Token refresh failed, keeping last known token")
		if markErr := m.store.MarkRefreshFailed(ctx, cred.TenantID, err.Error(), at); markErr != nil {
			log.Error().Err(markErr).Int64("tenantID", cred.TenantID).Msg("Failed to record token refresh failure")
		}
		cred.RefreshFailed = true
		cred.RefreshError = err.Error()
		cred.RefreshFailedAt = &at
		return err
	}

	now := m.now().UTC()
	updated := *cred
	updated.AccessToken = set.AccessToken
	if set.RefreshToken != "" {
		updated.RefreshToken = set.RefreshToken
	}
	expires := now.Add(set.ExpiresIn)
	updated.ExpiresAt = &expires
	if set.ClientEndpoint != "" {
		updated.ClientEndpoint = set.ClientEndpoint
	}
	if set.ServerEndpoint != "" {
		updated.ServerEndpoint = set.ServerEndpoint
	}
	updated.RefreshFailed = false
	updated.RefreshError = ""
	updated.RefreshFailedAt = nil
	updated.UpdatedAt = now

	if err := m.store.SaveRefreshed(ctx, &updated); err != nil {
		// The provider already rotated the refresh token; use the new access
		// token for this call even though it could not be stored.
		log.Error().Err(err).Int64("tenantID", cred.TenantID).Msg("Failed to persist refreshed token")
	}
	*cred = updated
	log.Info().Int64("tenantID", cred.TenantID).Time("expiresAt", expires).Msg("Access token refreshed")
	return nil
}
