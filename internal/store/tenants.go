package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

const tenantColumns = `id, member_id, domain, connector_id, bot_enabled, bot_id, welcome_message, persona_id,
	handler_url, migrated_at, application_token, created_at`

// Tenant finds a tenant by member id, falling back to the portal domain.
func (s *Store) Tenant(ctx context.Context, memberID, domain string) (*models.Tenant, error) {
	memberID, domain = strings.TrimSpace(memberID), normalizeDomain(domain)
	if memberID != "" {
		t, err := s.cachedTenant(ctx, "member:"+memberID, `member_id = ?`, memberID)
		if err != nil || t != nil {
			return t, err
		}
	}
	if domain != "" {
		t, err := s.cachedTenant(ctx, "domain:"+domain, `domain = ?`, domain)
		if err != nil || t != nil {
			return t, err
		}
	}
	return nil, apperr.NotFound("tenant", "no tenant for member %q domain %q", memberID, domain)
}

// TenantByID loads a tenant without the cache.
func (s *Store) TenantByID(ctx context.Context, id int64) (*models.Tenant, error) {
	t, err := s.queryTenant(ctx, `id = ?`, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound("tenant", "tenant %d", id)
	}
	return t, nil
}

// Tenants lists every installed portal.
func (s *Store) Tenants(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := s.db.SelectContext(ctx, &tenants, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

func (s *Store) cachedTenant(ctx context.Context, key, where string, arg any) (*models.Tenant, error) {
	if v, ok := s.tenants.Get(key); ok {
		t := v.(models.Tenant)
		return &t, nil
	}
	t, err := s.queryTenant(ctx, where, arg)
	if err != nil || t == nil {
		return nil, err
	}
	s.tenants.SetDefault(key, *t)
	return t, nil
}

func (s *Store) queryTenant(ctx context.Context, where string, arg any) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT `+tenantColumns+` FROM tenants WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// SaveTenant inserts a tenant or updates the one with the same member id,
// and returns its id.
func (s *Store) SaveTenant(ctx context.Context, t *models.Tenant) (int64, error) {
	t.Domain = normalizeDomain(t.Domain)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO tenants (member_id, domain, connector_id, bot_enabled, bot_id, welcome_message, persona_id, handler_url,
		   application_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (member_id) DO UPDATE SET
		   domain = excluded.domain,
		   connector_id = excluded.connector_id,
		   bot_enabled = excluded.bot_enabled,
		   bot_id = excluded.bot_id,
		   welcome_message = excluded.welcome_message,
		   persona_id = excluded.persona_id,
		   handler_url = excluded.handler_url,
		   application_token = excluded.application_token
		 RETURNING id`),
		t.MemberID, t.Domain, t.ConnectorID, t.BotEnabled, t.BotID, t.WelcomeMessage, t.PersonaID, t.HandlerURL,
		t.ApplicationToken, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return 0, fmt.Errorf("save tenant %s: %w", t.MemberID, err)
	}
	s.forgetTenant(t)
	log.Info().Int64("tenantID", t.ID).Str("memberID", t.MemberID).Str("domain", t.Domain).Msg("Tenant saved")
	return t.ID, nil
}

// MarkMigrated records a completed webhook migration to handlerURL.
func (s *Store) MarkMigrated(ctx context.Context, t *models.Tenant, handlerURL string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tenants SET handler_url = ?, migrated_at = ? WHERE id = ?`), handlerURL, at, t.ID)
	if err != nil {
		return fmt.Errorf("mark tenant %d migrated: %w", t.ID, err)
	}
	s.forgetTenant(t)
	return nil
}

// SetConnector stores the connector id the tenant registered.
func (s *Store) SetConnector(ctx context.Context, t *models.Tenant, connectorID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tenants SET connector_id = ? WHERE id = ?`), connectorID, t.ID)
	if err != nil {
		return fmt.Errorf("set connector of tenant %d: %w", t.ID, err)
	}
	s.forgetTenant(t)
	return nil
}

// SetApplicationToken replaces the application token events are checked
// against. An empty token makes the next install register a new one.
func (s *Store) SetApplicationToken(ctx context.Context, t *models.Tenant, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tenants SET application_token = ? WHERE id = ?`), token, t.ID)
	if err != nil {
		return fmt.Errorf("set application token of tenant %d: %w", t.ID, err)
	}
	s.forgetTenant(t)
	return nil
}

func (s *Store) forgetTenant(t *models.Tenant) {
	s.tenants.Delete("member:" + t.MemberID)
	s.tenants.Delete("domain:" + t.Domain)
}

// Persona loads a persona; a nil id yields nil without error.
func (s *Store) Persona(ctx context.Context, id *int64) (*models.Persona, error) {
	if id == nil {
		return nil, nil
	}
	var p models.Persona
	err := s.db.GetContext(ctx, &p, s.db.Rebind(
		`SELECT id, name, system_prompt, welcome_message FROM personas WHERE id = ?`), *id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %d: %w", *id, err)
	}
	return &p, nil
}

// SavePersona inserts a persona and returns its id.
func (s *Store) SavePersona(ctx context.Context, p *models.Persona) (int64, error) {
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO personas (name, system_prompt, welcome_message) VALUES (?, ?, ?) RETURNING id`),
		p.Name, p.SystemPrompt, p.WelcomeMessage).Scan(&p.ID)
	if err != nil {
		return 0, fmt.Errorf("save persona %s: %w", p.Name, err)
	}
	return p.ID, nil
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}
