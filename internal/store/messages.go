package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wuzapi-bitrix-integration/internal/models"
)

const messageColumns = `id, conversation_id, contact_id, content, direction, is_bot, status, external_id, content_hash, created_at`

// AppendMessage adds a message to the conversation log. A message whose
// external id is already recorded for the conversation is not added again
// and AppendMessage reports false.
func (s *Store) AppendMessage(ctx context.Context, m *models.Message) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO messages (conversation_id, contact_id, content, direction, is_bot, status, external_id, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING
		 RETURNING id`),
		m.ConversationID, m.ContactID, m.Content, m.Direction, m.IsBot, m.Status, m.ExternalID, m.ContentHash, m.CreatedAt,
	).Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append message to conversation %d: %w", m.ConversationID, err)
	}
	return true, nil
}

// HasMessage reports whether externalID is already logged for the conversation.
func (s *Store) HasMessage(ctx context.Context, conversationID int64, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND external_id = ?`), conversationID, externalID)
	if err != nil {
		return false, fmt.Errorf("check message %s: %w", externalID, err)
	}
	return n > 0, nil
}

// LastBotMessage returns the newest bot-authored outbound message, including
// suppressed duplicates, or nil.
func (s *Store) LastBotMessage(ctx context.Context, conversationID int64) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND is_bot = ? AND direction = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`),
		conversationID, true, models.DirectionOutbound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last bot message of conversation %d: %w", conversationID, err)
	}
	return &m, nil
}

// History returns up to limit of the newest messages, oldest first.
func (s *Store) History(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND status <> ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`),
		conversationID, models.MessageDuplicate, limit)
	if err != nil {
		return nil, fmt.Errorf("history of conversation %d: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
