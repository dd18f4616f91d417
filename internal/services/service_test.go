package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/adapters/completion"
	"wuzapi-bitrix-integration/internal/adapters/wuzapi"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/db/dbtest"
	"wuzapi-bitrix-integration/internal/identity"
	"wuzapi-bitrix-integration/internal/lock"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/oauth"
	"wuzapi-bitrix-integration/internal/store"
)

type fakeBitrix struct {
	tokens        []string
	botMessages   []bitrix.BotMessage
	statuses      []bitrix.DeliveryStatus
	activations   map[string]bool
	connectorData []bitrix.ConnectorData
	registrations []bitrix.ConnectorRegistration

	events     []bitrix.EventBinding
	placements []bitrix.PlacementBinding
	bound      []string
	unbound    []string

	authFailures int // calls to reject with an auth error before succeeding
	bindErrs     map[string]error
	failAll      error
	nextID       int64
}

func newFakeBitrix() *fakeBitrix {
	return &fakeBitrix{activations: map[string]bool{}, bindErrs: map[string]error{}, nextID: 500}
}

func (f *fakeBitrix) enter(token string) error {
	f.tokens = append(f.tokens, token)
	if f.failAll != nil {
		return f.failAll
	}
	if f.authFailures > 0 {
		f.authFailures--
		return apperr.Auth("bitrix", "expired_token")
	}
	return nil
}

func (f *fakeBitrix) SendBotMessage(_ context.Context, _, token string, msg bitrix.BotMessage) (int64, error) {
	if err := f.enter(token); err != nil {
		return 0, err
	}
	f.botMessages = append(f.botMessages, msg)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeBitrix) SendDeliveryStatus(_ context.Context, _, token, _, _ string, statuses []bitrix.DeliveryStatus) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.statuses = append(f.statuses, statuses...)
	return nil
}

func (f *fakeBitrix) ActivateConnector(_ context.Context, _, token, _, line string, active bool) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.activations[line] = active
	return nil
}

func (f *fakeBitrix) SetConnectorData(_ context.Context, _, token, _, _ string, data bitrix.ConnectorData) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.connectorData = append(f.connectorData, data)
	return nil
}

func (f *fakeBitrix) RegisterConnector(_ context.Context, _, token string, reg bitrix.ConnectorRegistration) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.registrations = append(f.registrations, reg)
	return nil
}

func (f *fakeBitrix) BoundEvents(_ context.Context, _, token string) ([]bitrix.EventBinding, error) {
	if err := f.enter(token); err != nil {
		return nil, err
	}
	return f.events, nil
}

func (f *fakeBitrix) BindEvent(_ context.Context, _, token, event, handler string) error {
	if err := f.enter(token); err != nil {
		return err
	}
	if err := f.bindErrs[event]; err != nil {
		return err
	}
	f.bound = append(f.bound, event+" "+handler)
	return nil
}

func (f *fakeBitrix) UnbindEvent(_ context.Context, _, token, event, handler string) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.unbound = append(f.unbound, event+" "+handler)
	return nil
}

func (f *fakeBitrix) Placements(_ context.Context, _, token string) ([]bitrix.PlacementBinding, error) {
	if err := f.enter(token); err != nil {
		return nil, err
	}
	return f.placements, nil
}

func (f *fakeBitrix) BindPlacement(_ context.Context, _, token string, p bitrix.PlacementBinding) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.bound = append(f.bound, p.Placement+" "+p.Handler)
	return nil
}

func (f *fakeBitrix) UnbindPlacement(_ context.Context, _, token, placement, handler string) error {
	if err := f.enter(token); err != nil {
		return err
	}
	f.unbound = append(f.unbound, placement+" "+handler)
	return nil
}

type fakeChannel struct {
	tokens []string
	sent   []wuzapi.TextMessage
	err    error
}

func (f *fakeChannel) SendText(_ context.Context, token string, msg wuzapi.TextMessage) (*wuzapi.SendResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tokens = append(f.tokens, token)
	f.sent = append(f.sent, msg)
	return &wuzapi.SendResult{ID: fmt.Sprintf("wa-%d", len(f.sent)), Details: "Sent"}, nil
}

type fakeCompleter struct {
	reply    string
	requests []completion.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	f.requests = append(f.requests, req)
	return f.reply, nil
}

type fakeTokens struct {
	forced int
}

func (f *fakeTokens) Fresh(*models.IntegrationCredential) bool { return true }

func (f *fakeTokens) GetValidToken(_ context.Context, cred *models.IntegrationCredential) (string, error) {
	return cred.AccessToken, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, cred *models.IntegrationCredential) (string, error) {
	f.forced++
	cred.AccessToken = fmt.Sprintf("refreshed-%d", f.forced)
	return cred.AccessToken, nil
}

type fixture struct {
	db        *sqlx.DB
	store     *store.Store
	contacts  *identity.Resolver
	locker    *lock.MemoryLocker
	bitrix    *fakeBitrix
	channel   *fakeChannel
	completer *fakeCompleter
	tokens    *fakeTokens
	tenant    *models.Tenant
	svc       *Service
}

const handlerURL = "https://relay.example.com/bitrix"

func newFixture(t *testing.T, debounce time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := dbtest.OpenSQLite(t)
	st := store.New(conn, time.Minute)

	tenant := &models.Tenant{MemberID: "m1", Domain: "acme.bitrix24.com", BotEnabled: true, BotID: 7}
	_, err := st.SaveTenant(ctx, tenant)
	require.NoError(t, err)

	creds := oauth.NewSQLCredentialStore(conn)
	require.NoError(t, creds.Save(ctx, &models.IntegrationCredential{
		TenantID:       tenant.ID,
		AccessToken:    "token-1",
		RefreshToken:   "refresh-1",
		ClientEndpoint: "https://acme.bitrix24.com/rest/",
		UpdatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, st.SaveInstance(ctx, &models.ChannelInstance{ID: "inst-1", TenantID: tenant.ID, Name: "main", APIToken: "wz-token"}))
	require.NoError(t, st.SaveMapping(ctx, tenant.ID, "line-1", "inst-1", true))

	resolver, err := identity.NewResolver(conn)
	require.NoError(t, err)

	f := &fixture{
		db:        conn,
		store:     st,
		contacts:  resolver,
		locker:    lock.NewMemoryLocker(),
		bitrix:    newFakeBitrix(),
		channel:   &fakeChannel{},
		completer: &fakeCompleter{reply: "Hello there"},
		tokens:    &fakeTokens{},
		tenant:    tenant,
	}
	f.svc, err = NewService(Deps{
		Store:       st,
		Contacts:    resolver,
		Credentials: creds,
		Tokens:      f.tokens,
		Bitrix:      f.bitrix,
		Channel:     f.channel,
		Completer:   f.completer,
		Locker:      f.locker,
		Guard:       lock.NewReplyGuard(st, debounce),
	}, Options{HandlerURL: handlerURL, ConnectorName: "WhatsApp"})
	require.NoError(t, err)
	return f
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(&n, f.db.Rebind(query), args...))
	return n
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{}, Options{})
	require.Error(t, err)
}
