package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/queue"
)

func operatorMessage() queue.OperatorMessage {
	return queue.OperatorMessage{
		TenantRef:      queue.TenantRef{MemberID: "m1"},
		LineID:         "line-1",
		ExternalChatID: "whatsapp_5511999998888",
		IMChatID:       "12",
		IMMessageID:    "900",
		Text:           "[b]Hi[/b] there",
	}
}

func TestOperatorRelaySendsAndConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	_, err := f.contacts.Create(ctx, "inst-1", "+55 11 99999-8888", "Ana")
	require.NoError(t, err)

	res := f.svc.OperatorRelay(ctx, operatorMessage())
	require.Equal(t, queue.OutcomeProcessed, res.Outcome, "%v", res.Err)

	require.Len(t, f.channel.sent, 1)
	assert.Equal(t, "5511999998888", f.channel.sent[0].Phone)
	assert.Equal(t, "*Hi* there", f.channel.sent[0].Body)
	assert.Equal(t, []string{"wz-token"}, f.channel.tokens)

	require.Len(t, f.bitrix.statuses, 1)
	assert.Equal(t, "12", f.bitrix.statuses[0].IM.ChatID)
	assert.Equal(t, []string{"wa-1"}, f.bitrix.statuses[0].Message.ID)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM messages WHERE external_id = ?`, "bitrix:900"))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM contact_identifiers WHERE kind = 'chat_id' AND value = ?`, "whatsapp_5511999998888"))
}

func TestOperatorRelayRedeliveryDoesNotResend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	_, err := f.contacts.Create(ctx, "inst-1", "5511999998888", "Ana")
	require.NoError(t, err)

	require.True(t, f.svc.OperatorRelay(ctx, operatorMessage()).Succeeded())
	res := f.svc.OperatorRelay(ctx, operatorMessage())
	require.Equal(t, queue.OutcomeProcessed, res.Outcome)

	assert.Len(t, f.channel.sent, 1)
	assert.Len(t, f.bitrix.statuses, 2)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM messages`))
}

func TestOperatorRelayUnknownContact(t *testing.T) {
	f := newFixture(t, time.Nanosecond)

	res := f.svc.OperatorRelay(context.Background(), operatorMessage())
	require.Equal(t, queue.OutcomeFailed, res.Outcome)
	assert.True(t, apperr.IsNotFound(res.Err))
	assert.Empty(t, f.channel.sent)
	assert.Empty(t, f.bitrix.statuses)
}

func TestOperatorRelayInactiveLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	require.NoError(t, f.store.SaveMapping(ctx, f.tenant.ID, "line-1", "", false))

	res := f.svc.OperatorRelay(ctx, operatorMessage())
	assert.True(t, apperr.IsNotFound(res.Err))
}

func TestOperatorRelayMarkupOnlyMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	_, err := f.contacts.Create(ctx, "inst-1", "5511999998888", "Ana")
	require.NoError(t, err)

	p := operatorMessage()
	p.Text = "[color=red][/color]"
	res := f.svc.OperatorRelay(ctx, p)
	assert.Equal(t, queue.OutcomeSkipped, res.Outcome)
	assert.Empty(t, f.channel.sent)
}

func TestOperatorRelayRetriesDeliveryReceiptAfterAuthError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Nanosecond)
	_, err := f.contacts.Create(ctx, "inst-1", "5511999998888", "Ana")
	require.NoError(t, err)
	f.bitrix.authFailures = 1

	res := f.svc.OperatorRelay(ctx, operatorMessage())
	require.Equal(t, queue.OutcomeProcessed, res.Outcome, "%v", res.Err)
	assert.Equal(t, 1, f.tokens.forced)
	assert.Equal(t, []string{"token-1", "refreshed-1"}, f.bitrix.tokens)
	assert.Len(t, f.bitrix.statuses, 1)
}
