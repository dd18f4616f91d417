package services

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/adapters/completion"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/lock"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

// BotRelay answers a participant's message to the tenant's chat bot.
func (s *Service) BotRelay(ctx context.Context, p queue.BotMessage) queue.Result {
	tenant, err := s.store.Tenant(ctx, p.MemberID, p.Domain)
	if err != nil {
		return queue.Fail(err)
	}
	if !tenant.BotEnabled {
		return queue.Skip("bot disabled for tenant")
	}
	if s.completer == nil {
		return queue.Skip("no completion service configured")
	}
	botID := p.BotID
	if botID == 0 {
		botID = tenant.BotID
	}
	if botID == 0 {
		return queue.Fail(apperr.NotFound("bot relay", "tenant %d has no registered bot", tenant.ID))
	}

	contact, err := s.botContact(ctx, tenant, p.UserID, p.DialogID, p.UserName)
	if err != nil {
		return queue.Fail(err)
	}
	conv, err := s.store.OpenConversation(ctx, contact.ID, contact.InstanceID, models.ChannelBitrixBot, p.DialogID)
	if err != nil {
		return queue.Fail(err)
	}
	inbound := &models.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        p.Text,
		Direction:      models.DirectionInbound,
		Status:         models.MessageReceived,
		ExternalID:     externalID("bitrix", p.MessageID),
	}
	if _, err := s.store.AppendMessage(ctx, inbound); err != nil {
		return queue.Fail(err)
	}

	logger := log.With().Int64("tenantID", tenant.ID).Int64("conversationID", conv.ID).Str("dialogID", p.DialogID).Logger()

	key := lock.ConversationKey(conv.ID)
	acquired, err := s.locker.Acquire(ctx, key, s.opts.LockTTL)
	if err != nil {
		return queue.Fail(err)
	}
	if !acquired {
		return queue.Skip("conversation is locked by another pass")
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Error().Err(err).Msg("Failed to release conversation lock")
		}
	}()

	recent, err := s.guard.Recent(ctx, conv.ID)
	if err != nil {
		return queue.Fail(err)
	}
	if recent {
		return queue.Skip("bot replied moments ago")
	}

	req, err := s.completionRequest(ctx, tenant, conv.ID, p.Text)
	if err != nil {
		return queue.Fail(err)
	}
	reply, err := s.completer.Complete(ctx, req)
	if err != nil {
		return queue.Fail(err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return queue.Skip("empty reply")
	}

	hash := lock.ContentHash(reply)
	dup, err := s.guard.Duplicate(ctx, conv.ID, reply)
	if err != nil {
		return queue.Fail(err)
	}
	if dup {
		if _, err := s.store.AppendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			ContactID:      contact.ID,
			Content:        reply,
			Direction:      models.DirectionOutbound,
			IsBot:          true,
			Status:         models.MessageDuplicate,
			ContentHash:    hash,
		}); err != nil {
			return queue.Fail(err)
		}
		logger.Info().Str("contentHash", hash).Msg("Duplicate bot reply suppressed")
		return queue.Skip("duplicate reply suppressed")
	}

	pt, err := s.openPortal(ctx, tenant)
	if err != nil {
		return queue.Fail(err)
	}
	var messageID int64
	err = pt.call(ctx, func(endpoint, token string) error {
		var sendErr error
		messageID, sendErr = s.bitrix.SendBotMessage(ctx, endpoint, token, bitrix.BotMessage{BotID: botID, DialogID: p.DialogID, Message: reply})
		return sendErr
	})
	if err != nil {
		return queue.Fail(err)
	}

	if _, err := s.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        reply,
		Direction:      models.DirectionOutbound,
		IsBot:          true,
		Status:         models.MessageSent,
		ExternalID:     externalID("bitrix", strconv.FormatInt(messageID, 10)),
		ContentHash:    hash,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record bot reply")
	}
	logger.Info().Int64("messageID", messageID).Msg("Bot reply sent")
	return queue.Processed()
}

// botContact resolves the bot participant, creating the contact on first
// contact and recording newly seen identifiers.
func (s *Service) botContact(ctx context.Context, tenant *models.Tenant, userID, dialogID, name string) (*models.Contact, error) {
	instanceID := BotInstanceID(tenant.MemberID)
	contact, _, err := s.contacts.Resolve(ctx, instanceID, userID, dialogID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		var ids []models.ContactIdentifier
		if userID != "" {
			ids = append(ids, models.ContactIdentifier{Kind: models.IdentifierUserID, Value: userID})
		}
		if dialogID != "" {
			ids = append(ids, models.ContactIdentifier{Kind: models.IdentifierChatID, Value: dialogID})
		}
		return s.contacts.Create(ctx, instanceID, "", name, ids...)
	}
	if err := s.contacts.Attach(ctx, contact.ID, instanceID, models.IdentifierUserID, userID); err != nil {
		return nil, err
	}
	if err := s.contacts.Attach(ctx, contact.ID, instanceID, models.IdentifierChatID, dialogID); err != nil {
		return nil, err
	}
	return contact, nil
}

// completionRequest builds the prompt from the persona and recent history.
// The newest inbound message is the request's Message, not history.
func (s *Service) completionRequest(ctx context.Context, tenant *models.Tenant, conversationID int64, text string) (completion.Request, error) {
	req := completion.Request{Message: text}
	persona, err := s.store.Persona(ctx, tenant.PersonaID)
	if err != nil {
		return req, err
	}
	if persona != nil {
		req.System = persona.SystemPrompt
	}

	history, err := s.store.History(ctx, conversationID, s.opts.HistoryLimit+1)
	if err != nil {
		return req, err
	}
	if n := len(history); n > 0 && history[n-1].Direction == models.DirectionInbound {
		history = history[:n-1]
	}
	for _, m := range history {
		role := completion.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = completion.RoleAssistant
		}
		req.History = append(req.History, completion.Turn{Role: role, Content: m.Content})
	}
	return req, nil
}
