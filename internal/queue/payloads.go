package queue

import (
	"encoding/json"
	"errors"
	"strings"

	"wuzapi-bitrix-integration/internal/apperr"
)

// Event types accepted by the queue.
const (
	EventOperatorMessage   = "operator_message"
	EventBotMessage        = "bot_message"
	EventSessionStart      = "session_start"
	EventSettingsPlacement = "settings_placement"
	EventAdminRebind       = "admin_rebind"
)

// ErrUnknownEventType is returned by DecodePayload for types it has no variant for.
var ErrUnknownEventType = errors.New("unknown event type")

// Payload is the typed body of a queued event. Each event type has exactly
// one variant.
type Payload interface {
	EventType() string
	Validate() error
}

// TenantRef identifies the Bitrix24 portal an event belongs to.
type TenantRef struct {
	MemberID string `json:"member_id,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

func (t TenantRef) validate(eventType string) error {
	if strings.TrimSpace(t.MemberID) == "" && strings.TrimSpace(t.Domain) == "" {
		return apperr.Validation(eventType, "member_id or domain is required")
	}
	return nil
}

// OperatorMessage is an open-line operator reply bound for WhatsApp.
type OperatorMessage struct {
	TenantRef
	ConnectorID    string `json:"connector_id,omitempty"`
	LineID         string `json:"line_id"`
	ExternalUserID string `json:"external_user_id,omitempty"`
	ExternalChatID string `json:"external_chat_id"`
	IMChatID       string `json:"im_chat_id,omitempty"`
	IMMessageID    string `json:"im_message_id,omitempty"`
	Text           string `json:"text"`
}

func (OperatorMessage) EventType() string { return EventOperatorMessage }

func (p OperatorMessage) Validate() error {
	if err := p.validate(EventOperatorMessage); err != nil {
		return err
	}
	switch {
	case p.LineID == "":
		return apperr.Validation(EventOperatorMessage, "line_id is required")
	case p.ExternalUserID == "" && p.ExternalChatID == "":
		return apperr.Validation(EventOperatorMessage, "external_user_id or external_chat_id is required")
	case strings.TrimSpace(p.Text) == "":
		return apperr.Validation(EventOperatorMessage, "text is required")
	}
	return nil
}

// BotMessage is a participant's message to the tenant's chat bot.
type BotMessage struct {
	TenantRef
	BotID     int64  `json:"bot_id,omitempty"`
	DialogID  string `json:"dialog_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

func (BotMessage) EventType() string { return EventBotMessage }

func (p BotMessage) Validate() error {
	if err := p.validate(EventBotMessage); err != nil {
		return err
	}
	switch {
	case p.DialogID == "":
		return apperr.Validation(EventBotMessage, "dialog_id is required")
	case p.UserID == "":
		return apperr.Validation(EventBotMessage, "user_id is required")
	case strings.TrimSpace(p.Text) == "":
		return apperr.Validation(EventBotMessage, "text is required")
	}
	return nil
}

// SessionStart is sent when a participant opens a dialog with the bot.
type SessionStart struct {
	TenantRef
	BotID    int64  `json:"bot_id,omitempty"`
	DialogID string `json:"dialog_id"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

func (SessionStart) EventType() string { return EventSessionStart }

func (p SessionStart) Validate() error {
	if err := p.validate(EventSessionStart); err != nil {
		return err
	}
	if p.DialogID == "" {
		return apperr.Validation(EventSessionStart, "dialog_id is required")
	}
	return nil
}

// SettingsPlacement reports a connector activation change for an open line.
type SettingsPlacement struct {
	TenantRef
	LineID     string `json:"line_id"`
	Active     bool   `json:"active"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (SettingsPlacement) EventType() string { return EventSettingsPlacement }

func (p SettingsPlacement) Validate() error {
	if err := p.validate(EventSettingsPlacement); err != nil {
		return err
	}
	if p.LineID == "" {
		return apperr.Validation(EventSettingsPlacement, "line_id is required")
	}
	return nil
}

// AdminRebind moves event subscriptions and placements from OldURL to NewURL.
type AdminRebind struct {
	TenantRef
	OldURL string `json:"old_url"`
	NewURL string `json:"new_url"`
}

func (AdminRebind) EventType() string { return EventAdminRebind }

func (p AdminRebind) Validate() error {
	if err := p.validate(EventAdminRebind); err != nil {
		return err
	}
	switch {
	case p.NewURL == "":
		return apperr.Validation(EventAdminRebind, "new_url is required")
	case p.OldURL == p.NewURL:
		return apperr.Validation(EventAdminRebind, "old_url and new_url are equal")
	}
	return nil
}

// DecodePayload decodes and validates the payload of eventType. Malformed
// JSON and missing fields are validation errors.
func DecodePayload(eventType string, raw []byte) (Payload, error) {
	switch eventType {
	case EventOperatorMessage:
		return decode[OperatorMessage](raw)
	case EventBotMessage:
		return decode[BotMessage](raw)
	case EventSessionStart:
		return decode[SessionStart](raw)
	case EventSettingsPlacement:
		return decode[SettingsPlacement](raw)
	case EventAdminRebind:
		return decode[AdminRebind](raw)
	default:
		return nil, ErrUnknownEventType
	}
}

func decode[P Payload](raw []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Validation(p.EventType(), "decode payload: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// KnownEventType reports whether DecodePayload has a variant for eventType.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventOperatorMessage, EventBotMessage, EventSessionStart, EventSettingsPlacement, EventAdminRebind:
		return true
	}
	return false
}
