// Package identity maps external participants (WhatsApp numbers, JIDs,
// Bitrix user and chat ids) onto internal contacts.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/types"

	"wuzapi-bitrix-integration/internal/models"
)

// Strategy names the rule that matched a contact.
type Strategy string

const (
	StrategyNone           Strategy = ""
	StrategyExactPhone     Strategy = "exact_phone"
	StrategyPhoneSuffix    Strategy = "phone_suffix"
	StrategyUserID         Strategy = "user_id"
	StrategyChatID         Strategy = "chat_id"
	StrategyPrefixStripped Strategy = "prefix_stripped"
)

// suffixDigits is how many trailing digits the fuzzy phone match compares.
const suffixDigits = 10

var channelPrefixes = []string{"whatsapp_", "whatsapp:", "wa_", "wa:"}

const contactColumns = `c.id, c.instance_id, c.phone, c.name, c.created_at`

// Resolver looks contacts up with an ordered strategy chain, most precise first.
type Resolver struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewResolver creates a Resolver backed by db.
func NewResolver(db *sqlx.DB) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("identity resolver requires a database")
	}
	return &Resolver{db: db, now: time.Now}, nil
}

// Resolve returns the contact of instanceID matching the external ids, or nil
// with StrategyNone when no strategy matches. Creating the contact is left to
// the caller.
func (r *Resolver) Resolve(ctx context.Context, instanceID, externalUserID, externalChatID string) (*models.Contact, Strategy, error) {
	userDigits := NormalizePhone(externalUserID)

	contact, strategy, err := r.matchPhone(ctx, instanceID, userDigits)
	if err != nil || contact != nil {
		return r.finish(ctx, contact, strategy, err)
	}

	if externalUserID != "" {
		contact, err = r.byIdentifier(ctx, instanceID, models.IdentifierUserID, externalUserID)
		if err != nil || contact != nil {
			return r.finish(ctx, contact, StrategyUserID, err)
		}
	}
	if externalChatID != "" {
		contact, err = r.byIdentifier(ctx, instanceID, models.IdentifierChatID, externalChatID)
		if err != nil || contact != nil {
			return r.finish(ctx, contact, StrategyChatID, err)
		}
	}

	if rest, ok := StripChannelPrefix(externalChatID); ok {
		contact, _, err = r.matchPhone(ctx, instanceID, NormalizePhone(rest))
		if err != nil || contact != nil {
			return r.finish(ctx, contact, StrategyPrefixStripped, err)
		}
	}

	log.Debug().
		Str("instanceID", instanceID).
		Str("externalUserID", externalUserID).
		Str("externalChatID", externalChatID).
		Msg("No contact matched any identity strategy")
	return nil, StrategyNone, nil
}

func (r *Resolver) finish(ctx context.Context, c *models.Contact, s Strategy, err error) (*models.Contact, Strategy, error) {
	if err != nil {
		return nil, StrategyNone, err
	}
	if err := r.loadIdentifiers(ctx, c); err != nil {
		return nil, StrategyNone, err
	}
	log.Debug().Int64("contactID", c.ID).Str("strategy", string(s)).Msg("Resolved contact")
	return c, s, nil
}

// matchPhone runs the exact and suffix phone strategies.
func (r *Resolver) matchPhone(ctx context.Context, instanceID, digits string) (*models.Contact, Strategy, error) {
	if digits == "" {
		return nil, StrategyNone, nil
	}
	contact, err := r.queryOne(ctx,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.instance_id = ? AND c.phone = ? ORDER BY c.id LIMIT 1`,
		instanceID, digits)
	if err != nil || contact != nil {
		return contact, StrategyExactPhone, err
	}

	if len(digits) < suffixDigits {
		return nil, StrategyNone, nil
	}
	suffix := digits[len(digits)-suffixDigits:]
	contact, err = r.queryOne(ctx,
		`SELECT `+contactColumns+` FROM contacts c WHERE c.instance_id = ? AND c.phone <> '' AND c.phone LIKE ? ORDER BY c.id LIMIT 1`,
		instanceID, "%"+suffix)
	if err != nil || contact != nil {
		return contact, StrategyPhoneSuffix, err
	}
	return nil, StrategyNone, nil
}

func (r *Resolver) byIdentifier(ctx context.Context, instanceID string, kind models.IdentifierKind, value string) (*models.Contact, error) {
	return r.queryOne(ctx,
		`SELECT `+contactColumns+` FROM contacts c
		 JOIN contact_identifiers i ON i.contact_id = c.id
		 WHERE i.instance_id = ? AND i.kind = ? AND i.value = ?
		 LIMIT 1`,
		instanceID, kind, value)
}

func (r *Resolver) queryOne(ctx context.Context, query string, args ...any) (*models.Contact, error) {
	var c models.Contact
	err := r.db.GetContext(ctx, &c, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contact lookup: %w", err)
	}
	return &c, nil
}

func (r *Resolver) loadIdentifiers(ctx context.Context, c *models.Contact) error {
	c.Identifiers = nil
	err := r.db.SelectContext(ctx, &c.Identifiers, r.db.Rebind(
		`SELECT contact_id, instance_id, kind, value FROM contact_identifiers WHERE contact_id = ? ORDER BY kind, value`),
		c.ID)
	if err != nil {
		return fmt.Errorf("load identifiers of contact %d: %w", c.ID, err)
	}
	return nil
}

// Create inserts a contact with its known identifiers. phone may be empty
// when the participant's number is unknown; otherwise it is normalized.
func (r *Resolver) Create(ctx context.Context, instanceID, phone, name string, ids ...models.ContactIdentifier) (*models.Contact, error) {
	c := &models.Contact{
		InstanceID: instanceID,
		Phone:      NormalizePhone(phone),
		Name:       name,
		CreatedAt:  r.now().UTC(),
	}
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(
		`INSERT INTO contacts (instance_id, phone, name, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		c.InstanceID, c.Phone, c.Name, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	for _, id := range ids {
		if err := r.Attach(ctx, c.ID, instanceID, id.Kind, id.Value); err != nil {
			return nil, err
		}
	}
	if err := r.loadIdentifiers(ctx, c); err != nil {
		return nil, err
	}
	log.Info().Int64("contactID", c.ID).Str("instanceID", instanceID).Str("phone", c.Phone).Msg("Created contact")
	return c, nil
}

// Attach records an external identifier for a contact. Identifiers already
// held by any contact of the instance are left untouched.
func (r *Resolver) Attach(ctx context.Context, contactID int64, instanceID string, kind models.IdentifierKind, value string) error {
	if value == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO contact_identifiers (contact_id, instance_id, kind, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance_id, kind, value) DO NOTHING`),
		contactID, instanceID, kind, value)
	if err != nil {
		return fmt.Errorf("attach %s identifier to contact %d: %w", kind, contactID, err)
	}
	return nil
}

// NormalizePhone reduces a phone number or WhatsApp JID to its digits.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "@") {
		if jid, err := types.ParseJID(raw); err == nil {
			raw = jid.User
		}
	}
	var sb strings.Builder
	for _, ch := range raw {
		if ch >= '0' && ch <= '9' {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}

// StripChannelPrefix removes a known channel tag ("wa_", "whatsapp:", ...) or
// a WhatsApp JID server part from an external chat id.
func StripChannelPrefix(id string) (string, bool) {
	id = strings.TrimSpace(id)
	lower := strings.ToLower(id)
	for _, p := range channelPrefixes {
		if strings.HasPrefix(lower, p) {
			return id[len(p):], true
		}
	}
	if strings.Contains(id, "@") {
		if jid, err := types.ParseJID(id); err == nil && jid.User != "" {
			return jid.User, true
		}
	}
	return id, false
}
