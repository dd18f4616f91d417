package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/db/dbtest"
	"wuzapi-bitrix-integration/internal/models"
)

const inst = "wz-main"

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(dbtest.OpenSQLite(t))
	require.NoError(t, err)
	return r
}

func countContacts(t *testing.T, r *Resolver) int {
	t.Helper()
	var n int
	require.NoError(t, r.db.Get(&n, `SELECT COUNT(*) FROM contacts`))
	return n
}

func TestResolveExactPhone(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	created, err := r.Create(ctx, inst, "+55 11 99999-8888", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "5511999998888", created.Phone)

	for _, ext := range []string{"5511999998888", "+55 (11) 99999-8888", "5511999998888@s.whatsapp.net"} {
		c, s, err := r.Resolve(ctx, inst, ext, "")
		require.NoError(t, err)
		require.NotNil(t, c, ext)
		assert.Equal(t, created.ID, c.ID)
		assert.Equal(t, StrategyExactPhone, s)
	}
}

func TestResolveSuffixIsStable(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	created, err := r.Create(ctx, inst, "+1 555 123 4567", "Bob")
	require.NoError(t, err)

	first, s, err := r.Resolve(ctx, inst, "5551234567", "")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StrategyPhoneSuffix, s)
	assert.Equal(t, created.ID, first.ID)

	again, s, err := r.Resolve(ctx, inst, "0015551234567", "")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, StrategyPhoneSuffix, s)
	assert.Equal(t, first.ID, again.ID)
}

func TestResolveStoredIdentifiers(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	created, err := r.Create(ctx, inst, "", "Carol",
		models.ContactIdentifier{Kind: models.IdentifierUserID, Value: "42"},
		models.ContactIdentifier{Kind: models.IdentifierChatID, Value: "chat7"},
	)
	require.NoError(t, err)
	assert.Len(t, created.Identifiers, 2)

	c, s, err := r.Resolve(ctx, inst, "42", "")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StrategyUserID, s)
	assert.Equal(t, created.ID, c.ID)

	c, s, err = r.Resolve(ctx, inst, "99", "chat7")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StrategyChatID, s)
	assert.Equal(t, created.ID, c.ID)
}

func TestResolvePrefixStrippedChatID(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	created, err := r.Create(ctx, inst, "5511999998888", "Dora")
	require.NoError(t, err)

	c, s, err := r.Resolve(ctx, inst, "8899998888", "wa_5511999998888")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, created.ID, c.ID)
	assert.Equal(t, StrategyPrefixStripped, s)
	assert.Equal(t, 1, countContacts(t, r))
}

func TestResolveMissAndInstanceIsolation(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	_, err := r.Create(ctx, inst, "5511999998888", "Eve",
		models.ContactIdentifier{Kind: models.IdentifierUserID, Value: "u1"})
	require.NoError(t, err)

	c, s, err := r.Resolve(ctx, "other-instance", "5511999998888", "u1")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, StrategyNone, s)

	c, _, err = r.Resolve(ctx, inst, "", "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestAttachIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newResolver(t)
	c, err := r.Create(ctx, inst, "5511999998888", "Fay")
	require.NoError(t, err)

	require.NoError(t, r.Attach(ctx, c.ID, inst, models.IdentifierChatID, "wa_5511999998888"))
	require.NoError(t, r.Attach(ctx, c.ID, inst, models.IdentifierChatID, "wa_5511999998888"))
	require.NoError(t, r.Attach(ctx, c.ID, inst, models.IdentifierUserID, ""))

	got, s, err := r.Resolve(ctx, inst, "", "wa_5511999998888")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StrategyChatID, s)
	assert.Len(t, got.Identifiers, 1)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"":                             "",
		"+55 (11) 99999-8888":          "5511999998888",
		"5511999998888@s.whatsapp.net": "5511999998888",
		"abc":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestStripChannelPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"wa_5511999998888", "5511999998888", true},
		{"WhatsApp:5511999998888", "5511999998888", true},
		{"wa:123", "123", true},
		{"5511999998888@s.whatsapp.net", "5511999998888", true},
		{"chat42", "chat42", false},
	}
	for _, tc := range cases {
		got, ok := StripChannelPrefix(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}
