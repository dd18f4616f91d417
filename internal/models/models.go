package models

import (
	"time"
)

// EventStatus is the lifecycle state of a QueuedEvent.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusDone       EventStatus = "done"
	EventStatusFailed     EventStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s EventStatus) Terminal() bool {
	return s == EventStatusDone || s == EventStatusFailed
}

// QueuedEvent is an inbound webhook event waiting to be (or already) handled.
// Rows are never deleted; done and failed rows form the audit trail.
type QueuedEvent struct {
	ID          int64       `db:"id" json:"id"`
	EventType   string      `db:"event_type" json:"event_type"`
	Payload     string      `db:"payload" json:"payload"`
	Status      EventStatus `db:"status" json:"status"`
	Attempts    int         `db:"attempts" json:"attempts"`
	MaxAttempts int         `db:"max_attempts" json:"max_attempts"`
	LastError   string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// Tenant is a Bitrix24 portal that installed the integration.
type Tenant struct {
	ID             int64      `db:"id"`
	MemberID       string     `db:"member_id"`
	Domain         string     `db:"domain"`
	ConnectorID    string     `db:"connector_id"`
	BotEnabled     bool       `db:"bot_enabled"`
	BotID          int64      `db:"bot_id"`
	WelcomeMessage string     `db:"welcome_message"`
	PersonaID      *int64     `db:"persona_id"`
	HandlerURL     string     `db:"handler_url"`
	MigratedAt     *time.Time `db:"migrated_at"`
	CreatedAt      time.Time  `db:"created_at"`

	// ApplicationToken is sent by Bitrix with every event of the installed app.
	ApplicationToken string `db:"application_token"`
}

// Persona holds the bot's instructions and its default greeting.
type Persona struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	SystemPrompt   string `db:"system_prompt"`
	WelcomeMessage string `db:"welcome_message"`
}

// IntegrationCredential is the OAuth grant a tenant gave the application.
type IntegrationCredential struct {
	TenantID        int64      `db:"tenant_id"`
	AccessToken     string     `db:"access_token"`
	RefreshToken    string     `db:"refresh_token"`
	ExpiresAt       *time.Time `db:"expires_at"`
	ClientEndpoint  string     `db:"client_endpoint"` // e.g. https://portal.bitrix24.com/rest/
	ServerEndpoint  string     `db:"server_endpoint"` // OAuth server, e.g. https://oauth.bitrix.info/rest/
	ClientID        string     `db:"client_id"`
	ClientSecret    string     `db:"client_secret"`
	RefreshFailed   bool       `db:"refresh_failed"`
	RefreshError    string     `db:"refresh_error"`
	RefreshFailedAt *time.Time `db:"refresh_failed_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// ChannelInstance is a wuzapi (WhatsApp) instance owned by a tenant.
type ChannelInstance struct {
	ID       string `db:"id"`
	TenantID int64  `db:"tenant_id"`
	Name     string `db:"name"`
	APIToken string `db:"api_token"`
}

// ChannelMapping binds a Bitrix open line to a channel instance.
type ChannelMapping struct {
	ID         int64     `db:"id"`
	TenantID   int64     `db:"tenant_id"`
	LineID     string    `db:"line_id"`
	InstanceID string    `db:"instance_id"`
	Active     bool      `db:"active"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// IdentifierKind is the type of an external identifier attached to a contact.
type IdentifierKind string

const (
	IdentifierUserID IdentifierKind = "user_id"
	IdentifierChatID IdentifierKind = "chat_id"
)

// Contact is the internal record an external participant resolves to.
type Contact struct {
	ID          int64               `db:"id"`
	InstanceID  string              `db:"instance_id"`
	Phone       string              `db:"phone"` // canonical digits-only, empty when unknown
	Name        string              `db:"name"`
	CreatedAt   time.Time           `db:"created_at"`
	Identifiers []ContactIdentifier `db:"-"`
}

// ContactIdentifier is one external id observed for a contact.
type ContactIdentifier struct {
	ContactID  int64          `db:"contact_id"`
	InstanceID string         `db:"instance_id"`
	Kind       IdentifierKind `db:"kind"`
	Value      string         `db:"value"`
}

// Conversation channels.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelBitrixBot = "bitrix_bot"
)

// ConversationStatus values.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Conversation groups the messages exchanged with one contact on one channel.
type Conversation struct {
	ID         int64     `db:"id"`
	ContactID  int64     `db:"contact_id"`
	InstanceID string    `db:"instance_id"`
	Channel    string    `db:"channel"`
	DialogID   string    `db:"dialog_id"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses.
const (
	MessageReceived  = "received"
	MessageSent      = "sent"
	MessageDuplicate = "duplicate"
	MessageFailed    = "failed"
)

// Message is one entry in the append-only conversation log.
type Message struct {
	ID             int64     `db:"id"`
	ConversationID int64     `db:"conversation_id"`
	ContactID      int64     `db:"contact_id"`
	Content        string    `db:"content"`
	Direction      string    `db:"direction"`
	IsBot          bool      `db:"is_bot"`
	Status         string    `db:"status"`
	ExternalID     string    `db:"external_id"`
	ContentHash    string    `db:"content_hash"`
	CreatedAt      time.Time `db:"created_at"`
}
