package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

func sessionStart() queue.SessionStart {
	return queue.SessionStart{TenantRef: queue.TenantRef{Domain: "acme.bitrix24.com"}, DialogID: "chat7", UserID: "42"}
}

func TestSessionStartWelcomeFallbacks(t *testing.T) {
	ctx := context.Background()

	t.Run("default", func(t *testing.T) {
		f := newFixture(t, time.Nanosecond)
		require.Equal(t, queue.OutcomeProcessed, f.svc.SessionStart(ctx, sessionStart()).Outcome)
		require.Len(t, f.bitrix.botMessages, 1)
		assert.Equal(t, "Hello! How can I help you today?", f.bitrix.botMessages[0].Message)
	})

	t.Run("persona", func(t *testing.T) {
		f := newFixture(t, time.Nanosecond)
		id, err := f.store.SavePersona(ctx, &models.Persona{Name: "sales", WelcomeMessage: "Hi from sales"})
		require.NoError(t, err)
		f.tenant.PersonaID = &id
		_, err = f.store.SaveTenant(ctx, f.tenant)
		require.NoError(t, err)

		require.True(t, f.svc.SessionStart(ctx, sessionStart()).Succeeded())
		require.Len(t, f.bitrix.botMessages, 1)
		assert.Equal(t, "Hi from sales", f.bitrix.botMessages[0].Message)
	})

	t.Run("tenant override", func(t *testing.T) {
		f := newFixture(t, time.Nanosecond)
		f.tenant.WelcomeMessage = "Welcome to Acme"
		_, err := f.store.SaveTenant(ctx, f.tenant)
		require.NoError(t, err)

		require.True(t, f.svc.SessionStart(ctx, sessionStart()).Succeeded())
		require.Len(t, f.bitrix.botMessages, 1)
		assert.Equal(t, "Welcome to Acme", f.bitrix.botMessages[0].Message)
		assert.Equal(t, int64(7), f.bitrix.botMessages[0].BotID)
	})
}

func TestSessionStartGreetsOncePerConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)

	require.Equal(t, queue.OutcomeProcessed, f.svc.SessionStart(ctx, sessionStart()).Outcome)
	res := f.svc.SessionStart(ctx, sessionStart())
	assert.Equal(t, queue.OutcomeSkipped, res.Outcome)
	assert.Len(t, f.bitrix.botMessages, 1)
}

func TestSessionStartDisabledBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	f.tenant.BotEnabled = false
	_, err := f.store.SaveTenant(ctx, f.tenant)
	require.NoError(t, err)

	assert.Equal(t, queue.OutcomeSkipped, f.svc.SessionStart(ctx, sessionStart()).Outcome)
	assert.Empty(t, f.bitrix.botMessages)
}
