// Package services holds the queue event handlers that relay messages
// between Bitrix24 and WhatsApp.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/adapters/completion"
	"wuzapi-bitrix-integration/internal/adapters/wuzapi"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/identity"
	"wuzapi-bitrix-integration/internal/lock"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/oauth"
	"wuzapi-bitrix-integration/internal/queue"
	"wuzapi-bitrix-integration/internal/store"
)

// BitrixAPI is the subset of the Bitrix24 REST client the handlers use.
type BitrixAPI interface {
	SendBotMessage(ctx context.Context, endpoint, token string, msg bitrix.BotMessage) (int64, error)
	SendDeliveryStatus(ctx context.Context, endpoint, token, connector, line string, statuses []bitrix.DeliveryStatus) error
	ActivateConnector(ctx context.Context, endpoint, token, connector, line string, active bool) error
	SetConnectorData(ctx context.Context, endpoint, token, connector, line string, data bitrix.ConnectorData) error
	RegisterConnector(ctx context.Context, endpoint, token string, reg bitrix.ConnectorRegistration) error
	BoundEvents(ctx context.Context, endpoint, token string) ([]bitrix.EventBinding, error)
	BindEvent(ctx context.Context, endpoint, token, event, handler string) error
	UnbindEvent(ctx context.Context, endpoint, token, event, handler string) error
	Placements(ctx context.Context, endpoint, token string) ([]bitrix.PlacementBinding, error)
	BindPlacement(ctx context.Context, endpoint, token string, p bitrix.PlacementBinding) error
	UnbindPlacement(ctx context.Context, endpoint, token, placement, handler string) error
}

// ChannelSender sends WhatsApp text messages.
type ChannelSender interface {
	SendText(ctx context.Context, token string, msg wuzapi.TextMessage) (*wuzapi.SendResult, error)
}

// Completer produces the bot's reply.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// TokenSource hands out Bitrix access tokens.
type TokenSource interface {
	Fresh(cred *models.IntegrationCredential) bool
	GetValidToken(ctx context.Context, cred *models.IntegrationCredential) (string, error)
	ForceRefresh(ctx context.Context, cred *models.IntegrationCredential) (string, error)
}

// Options are the deployment settings the handlers need.
type Options struct {
	ConnectorID    string // used when a tenant has not registered its own
	ConnectorName  string
	HandlerURL     string // public URL Bitrix calls back
	LockTTL        time.Duration
	HistoryLimit   int
	DefaultWelcome string
}

// Service implements the event handlers.
type Service struct {
	store     *store.Store
	contacts  *identity.Resolver
	creds     oauth.CredentialStore
	tokens    TokenSource
	bitrix    BitrixAPI
	channel   ChannelSender
	completer Completer
	locker    lock.Locker
	guard     *lock.ReplyGuard
	opts      Options
	now       func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store       *store.Store
	Contacts    *identity.Resolver
	Credentials oauth.CredentialStore
	Tokens      TokenSource
	Bitrix      BitrixAPI
	Channel     ChannelSender
	Completer   Completer
	Locker      lock.Locker
	Guard       *lock.ReplyGuard
}

// NewService creates a Service. Completer may be nil, in which case bot
// messages are skipped.
func NewService(d Deps, opts Options) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("services: store cannot be nil")
	case d.Contacts == nil:
		return nil, fmt.Errorf("services: identity resolver cannot be nil")
	case d.Credentials == nil || d.Tokens == nil:
		return nil, fmt.Errorf("services: credential store and token source are required")
	case d.Bitrix == nil:
		return nil, fmt.Errorf("services: bitrix client cannot be nil")
	case d.Locker == nil:
		return nil, fmt.Errorf("services: locker cannot be nil")
	}
	if d.Guard == nil {
		d.Guard = lock.NewReplyGuard(d.Store, lock.DefaultDebounce)
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.DefaultWelcome == "" {
		opts.DefaultWelcome = "Hello! How can I help you today?"
	}
	if opts.ConnectorID == "" {
		opts.ConnectorID = "wuzapi_whatsapp"
	}
	return &Service{
		store:     d.Store,
		contacts:  d.Contacts,
		creds:     d.Credentials,
		tokens:    d.Tokens,
		bitrix:    d.Bitrix,
		channel:   d.Channel,
		completer: d.Completer,
		locker:    d.Locker,
		guard:     d.Guard,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Register routes every event type to its handler.
func (s *Service) Register(d *queue.Dispatcher) {
	d.Register(queue.EventOperatorMessage, queue.Typed(s.OperatorRelay))
	d.Register(queue.EventBotMessage, queue.Typed(s.BotRelay))
	d.Register(queue.EventSessionStart, queue.Typed(s.SessionStart))
	d.Register(queue.EventSettingsPlacement, queue.Typed(s.SettingsPlacement))
	d.Register(queue.EventAdminRebind, queue.Typed(s.adminRebindEvent))
}

// BotInstanceID is the pseudo channel instance of a tenant's chat bot
// contacts.
func BotInstanceID(memberID string) string {
	return "bitrix-bot:" + memberID
}

// portal bundles a tenant with its credential and the token state of one
// handler invocation.
type portal struct {
	s         *Service
	tenant    *models.Tenant
	cred      *models.IntegrationCredential
	endpoint  string
	token     string
	refreshed bool
}

// openPortal resolves the tenant's credential and a usable token.
func (s *Service) openPortal(ctx context.Context, tenant *models.Tenant) (*portal, error) {
	cred, err := s.creds.Get(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	attempted := !s.tokens.Fresh(cred) && cred.RefreshToken != ""
	token, err := s.tokens.GetValidToken(ctx, cred)
	if err != nil {
		return nil, err
	}
	endpoint := cred.ClientEndpoint
	if endpoint == "" {
		endpoint = "https://" + tenant.Domain + "/rest/"
	}
	return &portal{s: s, tenant: tenant, cred: cred, endpoint: endpoint, token: token, refreshed: attempted}, nil
}

// call runs fn with the current token. On an auth error the token is
// refreshed once per invocation and fn retried.
func (p *portal) call(ctx context.Context, fn func(endpoint, token string) error) error {
	err := fn(p.endpoint, p.token)
	if !apperr.IsAuth(err) || p.refreshed {
		return err
	}
	p.refreshed = true
	log.Warn().Err(err).Int64("tenantID", p.tenant.ID).Msg("Bitrix rejected token, refreshing once")
	fresh, rerr := p.s.tokens.ForceRefresh(ctx, p.cred)
	if rerr != nil {
		return err
	}
	p.token = fresh
	if p.cred.ClientEndpoint != "" {
		p.endpoint = p.cred.ClientEndpoint
	}
	return fn(p.endpoint, p.token)
}

func (s *Service) connectorID(t *models.Tenant) string {
	if t.ConnectorID != "" {
		return t.ConnectorID
	}
	return s.opts.ConnectorID
}

func (s *Service) handlerURL(t *models.Tenant) string {
	if t.HandlerURL != "" {
		return t.HandlerURL
	}
	return s.opts.HandlerURL
}

func externalID(prefix, id string) string {
	if strings.TrimSpace(id) == "" {
		return ""
	}
	return prefix + ":" + id
}
