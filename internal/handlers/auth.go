package handlers

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strconv"
	"time"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

const eventAppInstall = "ONAPPINSTALL"

// TenantDirectory finds and records installed portals.
type TenantDirectory interface {
	Tenant(ctx context.Context, memberID, domain string) (*models.Tenant, error)
	SaveTenant(ctx context.Context, t *models.Tenant) (int64, error)
}

// Credentials stores the OAuth grant received at install.
type Credentials interface {
	Get(ctx context.Context, tenantID int64) (*models.IntegrationCredential, error)
	Save(ctx context.Context, cred *models.IntegrationCredential) error
}

// PortalVerifier checks a user token handed to a placement against the portal.
type PortalVerifier interface {
	AppInfo(ctx context.Context, endpoint, token string) (*bitrix.AppInfo, error)
}

func tokensEqual(got, want string) bool {
	return got != "" && want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authenticateEvent resolves the tenant of an event webhook and checks its
// auth[application_token]. Unknown tenants and mismatches are auth errors.
func (s *Server) authenticateEvent(ctx context.Context, form url.Values) (*models.Tenant, error) {
	ref := tenantRef(form)
	if ref.MemberID == "" && ref.Domain == "" {
		return nil, apperr.Auth("bitrix intake", "event carries no portal identity")
	}
	t, err := s.tenants.Tenant(ctx, ref.MemberID, ref.Domain)
	if apperr.IsNotFound(err) {
		return nil, apperr.Auth("bitrix intake", "unknown portal")
	}
	if err != nil {
		return nil, err
	}
	if !tokensEqual(field(form, "auth", "application_token"), t.ApplicationToken) {
		return nil, apperr.Auth("bitrix intake", "application token mismatch")
	}
	return t, nil
}

// authenticatePlacement checks the AUTH_ID a placement was opened with by
// calling the tenant's own portal endpoint.
func (s *Server) authenticatePlacement(ctx context.Context, form url.Values) (*models.Tenant, error) {
	ref := tenantRef(form)
	authID := field(form, "AUTH_ID")
	if authID == "" || (ref.MemberID == "" && ref.Domain == "") {
		return nil, apperr.Auth("bitrix placement", "placement carries no auth")
	}
	t, err := s.tenants.Tenant(ctx, ref.MemberID, ref.Domain)
	if apperr.IsNotFound(err) {
		return nil, apperr.Auth("bitrix placement", "unknown portal")
	}
	if err != nil {
		return nil, err
	}
	cred, err := s.creds.Get(ctx, t.ID)
	if apperr.IsNotFound(err) {
		return nil, apperr.Auth("bitrix placement", "portal has no credentials")
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.portal.AppInfo(ctx, cred.ClientEndpoint, authID); err != nil {
		return nil, err
	}
	return t, nil
}

// install registers the portal of an ONAPPINSTALL event. The first install
// records the application token; later installs must present the same one.
func (s *Server) install(ctx context.Context, form url.Values) (*models.Tenant, error) {
	ref := tenantRef(form)
	token := field(form, "auth", "application_token")
	if ref.MemberID == "" || token == "" {
		return nil, apperr.Validation("bitrix install", "member_id and application_token are required")
	}

	t, err := s.tenants.Tenant(ctx, ref.MemberID, "")
	switch {
	case apperr.IsNotFound(err):
		t = &models.Tenant{MemberID: ref.MemberID}
	case err != nil:
		return nil, err
	case t.ApplicationToken != "" && !tokensEqual(token, t.ApplicationToken):
		return nil, apperr.Auth("bitrix install", "portal %s is registered with another application token", ref.MemberID)
	}
	if ref.Domain != "" {
		t.Domain = ref.Domain
	}
	t.ApplicationToken = token
	if _, err := s.tenants.SaveTenant(ctx, t); err != nil {
		return nil, err
	}

	if access := field(form, "auth", "access_token"); access != "" {
		cred := &models.IntegrationCredential{
			TenantID:       t.ID,
			AccessToken:    access,
			RefreshToken:   field(form, "auth", "refresh_token"),
			ClientEndpoint: field(form, "auth", "client_endpoint"),
			ServerEndpoint: field(form, "auth", "server_endpoint"),
			UpdatedAt:      time.Now().UTC(),
		}
		if secs, err := strconv.ParseInt(field(form, "auth", "expires_in"), 10, 64); err == nil && secs > 0 {
			at := cred.UpdatedAt.Add(time.Duration(secs) * time.Second)
			cred.ExpiresAt = &at
		}
		if err := s.creds.Save(ctx, cred); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// refOf is the tenant reference queued for an authenticated tenant.
func refOf(t *models.Tenant) queue.TenantRef {
	return queue.TenantRef{MemberID: t.MemberID, Domain: t.Domain}
}
