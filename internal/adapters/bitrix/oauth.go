package bitrix

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/oauth"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// TokenRefresher exchanges refresh tokens at the Bitrix OAuth server.
// It implements oauth.Refresher.
type TokenRefresher struct {
	httpClient   *resty.Client
	serverURL    string
	clientID     string
	clientSecret string
}

// NewTokenRefresher creates a refresher. clientID and clientSecret are the
// application's; a credential carrying its own pair overrides them.
func NewTokenRefresher(serverURL, clientID, clientSecret string, opts httputil.Options) *TokenRefresher {
	opts.BaseURL = ""
	return &TokenRefresher{
		httpClient:   httputil.NewRestyClient(opts),
		serverURL:    strings.TrimSuffix(serverURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

func (r *TokenRefresher) Refresh(ctx context.Context, cred *models.IntegrationCredential) (*oauth.TokenSet, error) {
	clientID, clientSecret := r.clientID, r.clientSecret
	if cred.ClientID != "" {
		clientID, clientSecret = cred.ClientID, cred.ClientSecret
	}

	var body tokenResponse
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     clientID,
			"client_secret": clientSecret,
			"refresh_token": cred.RefreshToken,
		}).
		SetResult(&body).
		SetError(&body).
		Get(r.serverURL + "/oauth/token/")
	if err != nil {
		return nil, apperr.Transient("oauth refresh", "request failed: %v", err)
	}
	if body.Error != "" {
		return nil, classify("oauth refresh", resp.StatusCode(), body.Error, body.ErrorDescription)
	}
	if resp.IsError() {
		return nil, apperr.FromStatus("oauth refresh", resp.StatusCode(), resp.String())
	}

	log.Debug().Int64("tenantID", cred.TenantID).Int64("expiresIn", body.ExpiresIn).Msg("Bitrix OAuth: refresh grant accepted")
	return &oauth.TokenSet{
		AccessToken:    body.AccessToken,
		RefreshToken:   body.RefreshToken,
		ExpiresIn:      time.Duration(body.ExpiresIn) * time.Second,
		ClientEndpoint: body.ClientEndpoint,
		ServerEndpoint: body.ServerEndpoint,
	}, nil
}
