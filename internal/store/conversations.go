package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/models"
)

// OpenConversation returns the open conversation of a contact on a channel,
// creating it when there is none.
func (s *Store) OpenConversation(ctx context.Context, contactID int64, instanceID, channel, dialogID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, s.db.Rebind(
		`SELECT id, contact_id, instance_id, channel, dialog_id, status, created_at FROM conversations
		 WHERE contact_id = ? AND channel = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`),
		contactID, channel, models.ConversationOpen)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find conversation of contact %d: %w", contactID, err)
	}

	c = models.Conversation{
		ContactID:  contactID,
		InstanceID: instanceID,
		Channel:    channel,
		DialogID:   dialogID,
		Status:     models.ConversationOpen,
		CreatedAt:  s.now().UTC(),
	}
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO conversations (contact_id, instance_id, channel, dialog_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		c.ContactID, c.InstanceID, c.Channel, c.DialogID, c.Status, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create conversation for contact %d: %w", contactID, err)
	}
	log.Info().Int64("conversationID", c.ID).Int64("contactID", contactID).Str("channel", channel).Msg("Opened conversation")
	return &c, nil
}

// CloseConversation marks a conversation closed.
func (s *Store) CloseConversation(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversations SET status = ? WHERE id = ?`), models.ConversationClosed, id)
	if err != nil {
		return fmt.Errorf("close conversation %d: %w", id, err)
	}
	return nil
}
