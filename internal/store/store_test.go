package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/db/dbtest"
	"wuzapi-bitrix-integration/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(dbtest.OpenSQLite(t), time.Minute)
}

func TestTenantLookupAndCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.SaveTenant(ctx, &models.Tenant{MemberID: "m1", Domain: "https://Acme.bitrix24.com/", BotEnabled: true})
	require.NoError(t, err)

	byMember, err := s.Tenant(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, id, byMember.ID)
	assert.Equal(t, "acme.bitrix24.com", byMember.Domain)

	byDomain, err := s.Tenant(ctx, "", "acme.bitrix24.com")
	require.NoError(t, err)
	assert.Equal(t, id, byDomain.ID)

	byFallback, err := s.Tenant(ctx, "unknown-member", "acme.bitrix24.com")
	require.NoError(t, err)
	assert.Equal(t, id, byFallback.ID)

	_, err = s.Tenant(ctx, "nobody", "")
	assert.True(t, apperr.IsNotFound(err))

	// Saving invalidates the cached copy.
	byMember.BotEnabled = false
	_, err = s.SaveTenant(ctx, byMember)
	require.NoError(t, err)
	again, err := s.Tenant(ctx, "m1", "")
	require.NoError(t, err)
	assert.False(t, again.BotEnabled)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkMigrated(ctx, again, "https://new.example/hook", now))
	migrated, err := s.TenantByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example/hook", migrated.HandlerURL)
	require.NotNil(t, migrated.MigratedAt)
	assert.True(t, migrated.MigratedAt.Equal(now))
}

func TestApplicationToken(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.SaveTenant(ctx, &models.Tenant{MemberID: "m1", Domain: "acme.bitrix24.com", ApplicationToken: "app-1"})
	require.NoError(t, err)

	got, err := s.Tenant(ctx, "m1", "")
	require.NoError(t, err)
	assert.Equal(t, "app-1", got.ApplicationToken)

	require.NoError(t, s.SetApplicationToken(ctx, got, ""))
	cleared, err := s.Tenant(ctx, "", "acme.bitrix24.com")
	require.NoError(t, err)
	assert.Empty(t, cleared.ApplicationToken)
}

func TestPersona(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p, err := s.Persona(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	id, err := s.SavePersona(ctx, &models.Persona{Name: "Concierge", WelcomeMessage: "Welcome!"})
	require.NoError(t, err)
	p, err = s.Persona(ctx, &id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Welcome!", p.WelcomeMessage)
}

func TestMappings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	tenantID := dbtest.SeedTenant(t, s.DB(), "m1", "acme.bitrix24.com")
	require.NoError(t, s.SaveInstance(ctx, &models.ChannelInstance{ID: "wz-1", TenantID: tenantID, APIToken: "tok"}))

	_, err := s.ActiveMapping(ctx, tenantID, "7")
	assert.True(t, apperr.IsNotFound(err))

	require.NoError(t, s.SaveMapping(ctx, tenantID, "7", "wz-1", true))
	m, err := s.ActiveMapping(ctx, tenantID, "7")
	require.NoError(t, err)
	assert.Equal(t, "wz-1", m.InstanceID)

	require.NoError(t, s.SaveMapping(ctx, tenantID, "7", "", false))
	_, err = s.ActiveMapping(ctx, tenantID, "7")
	assert.True(t, apperr.IsNotFound(err))

	all, err := s.Mappings(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, all, 1, "one mapping per line")
	assert.Equal(t, "wz-1", all[0].InstanceID, "instance kept on deactivation")

	inst, err := s.DefaultInstance(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "tok", inst.APIToken)
}

func TestConversationAndMessages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var contactID int64
	require.NoError(t, s.DB().QueryRowx(
		`INSERT INTO contacts (instance_id, phone, name, created_at) VALUES ('i', '', 'x', CURRENT_TIMESTAMP) RETURNING id`).Scan(&contactID))

	conv, err := s.OpenConversation(ctx, contactID, "i", models.ChannelBitrixBot, "chat1")
	require.NoError(t, err)
	same, err := s.OpenConversation(ctx, contactID, "i", models.ChannelBitrixBot, "chat1")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, same.ID)

	last, err := s.LastBotMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &models.Message{ConversationID: conv.ID, ContactID: contactID, Content: "hi", Direction: models.DirectionInbound,
		Status: models.MessageReceived, ExternalID: "b-1", CreatedAt: t0}
	created, err := s.AppendMessage(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *in
	dup.ID = 0
	created, err = s.AppendMessage(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created, "same external id is logged once")

	has, err := s.HasMessage(ctx, conv.ID, "b-1")
	require.NoError(t, err)
	assert.True(t, has)

	for i, content := range []string{"hello", "hello again"} {
		_, err = s.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, ContactID: contactID, Content: content,
			Direction: models.DirectionOutbound, IsBot: true, Status: models.MessageSent, CreatedAt: t0.Add(time.Duration(i+1) * time.Second)})
		require.NoError(t, err)
	}
	last, err = s.LastBotMessage(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "hello again", last.Content)

	history, err := s.History(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, "hello again", history[1].Content)

	require.NoError(t, s.CloseConversation(ctx, conv.ID))
	next, err := s.OpenConversation(ctx, contactID, "i", models.ChannelBitrixBot, "chat1")
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, next.ID)
}
