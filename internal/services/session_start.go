package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/lock"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

// welcomeExternalID marks the greeting of a conversation so a redelivered
// join event does not greet twice.
const welcomeExternalID = "welcome"

// SessionStart greets a participant who opened a dialog with the bot.
func (s *Service) SessionStart(ctx context.Context, p queue.SessionStart) queue.Result {
	tenant, err := s.store.Tenant(ctx, p.MemberID, p.Domain)
	if err != nil {
		return queue.Fail(err)
	}
	if !tenant.BotEnabled {
		return queue.Skip("bot disabled for tenant")
	}
	botID := p.BotID
	if botID == 0 {
		botID = tenant.BotID
	}
	if botID == 0 {
		return queue.Fail(apperr.NotFound("session start", "tenant %d has no registered bot", tenant.ID))
	}

	contact, err := s.botContact(ctx, tenant, p.UserID, p.DialogID, p.UserName)
	if err != nil {
		return queue.Fail(err)
	}
	conv, err := s.store.OpenConversation(ctx, contact.ID, contact.InstanceID, models.ChannelBitrixBot, p.DialogID)
	if err != nil {
		return queue.Fail(err)
	}
	greeted, err := s.store.HasMessage(ctx, conv.ID, welcomeExternalID)
	if err != nil {
		return queue.Fail(err)
	}
	if greeted {
		return queue.Skip("conversation already greeted")
	}

	text, err := s.welcomeText(ctx, tenant)
	if err != nil {
		return queue.Fail(err)
	}
	pt, err := s.openPortal(ctx, tenant)
	if err != nil {
		return queue.Fail(err)
	}
	err = pt.call(ctx, func(endpoint, token string) error {
		_, sendErr := s.bitrix.SendBotMessage(ctx, endpoint, token, bitrix.BotMessage{BotID: botID, DialogID: p.DialogID, Message: text})
		return sendErr
	})
	if err != nil {
		return queue.Fail(err)
	}

	if _, err := s.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		ContactID:      contact.ID,
		Content:        text,
		Direction:      models.DirectionOutbound,
		IsBot:          true,
		Status:         models.MessageSent,
		ExternalID:     welcomeExternalID,
		ContentHash:    lock.ContentHash(text),
	}); err != nil {
		log.Error().Err(err).Int64("conversationID", conv.ID).Msg("Failed to record welcome message")
	}
	log.Info().Int64("tenantID", tenant.ID).Str("dialogID", p.DialogID).Msg("Welcome message sent")
	return queue.Processed()
}

// welcomeText picks the tenant's greeting, then the persona's, then the
// deployment default.
func (s *Service) welcomeText(ctx context.Context, tenant *models.Tenant) (string, error) {
	if t := strings.TrimSpace(tenant.WelcomeMessage); t != "" {
		return t, nil
	}
	persona, err := s.store.Persona(ctx, tenant.PersonaID)
	if err != nil {
		return "", err
	}
	if persona != nil && strings.TrimSpace(persona.WelcomeMessage) != "" {
		return strings.TrimSpace(persona.WelcomeMessage), nil
	}
	return s.opts.DefaultWelcome, nil
}
