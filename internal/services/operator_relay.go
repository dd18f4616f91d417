package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/adapters/wuzapi"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/markup"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

// OperatorRelay forwards an open-line operator message to WhatsApp and
// confirms delivery to Bitrix.
func (s *Service) OperatorRelay(ctx context.Context, p queue.OperatorMessage) queue.Result {
	if s.channel == nil {
		return queue.Fail(apperr.Validation("operator relay", "no channel sender configured"))
	}
	tenant, err := s.store.Tenant(ctx, p.MemberID, p.Domain)
	if err != nil {
		return queue.Fail(err)
	}
	mapping, err := s.store.ActiveMapping(ctx, tenant.ID, p.LineID)
	if err != nil {
		return queue.Fail(err)
	}
	inst, err := s.store.Instance(ctx, mapping.InstanceID)
	if err != nil {
		return queue.Fail(err)
	}

	contact, strategy, err := s.contacts.Resolve(ctx, inst.ID, p.ExternalUserID, p.ExternalChatID)
	if err != nil {
		return queue.Fail(err)
	}
	if contact == nil {
		return queue.Fail(apperr.NotFound("operator relay", "no contact for user %q chat %q on instance %s",
			p.ExternalUserID, p.ExternalChatID, inst.ID))
	}
	if contact.Phone == "" {
		return queue.Fail(apperr.Validation("operator relay", "contact %d has no phone number", contact.ID))
	}
	if err := s.contacts.Attach(ctx, contact.ID, inst.ID, models.IdentifierChatID, p.ExternalChatID); err != nil {
		return queue.Fail(err)
	}

	logger := log.With().Int64("tenantID", tenant.ID).Str("lineID", p.LineID).Int64("contactID", contact.ID).
		Str("strategy", string(strategy)).Logger()

	conv, err := s.store.OpenConversation(ctx, contact.ID, inst.ID, models.ChannelWhatsApp, p.ExternalChatID)
	if err != nil {
		return queue.Fail(err)
	}

	msgExternalID := externalID("bitrix", p.IMMessageID)
	deliveredID := p.IMMessageID
	already, err := s.store.HasMessage(ctx, conv.ID, msgExternalID)
	if err != nil {
		return queue.Fail(err)
	}

	if already {
		logger.Info().Str("imMessageID", p.IMMessageID).Msg("Operator message already relayed, not sending again")
	} else {
		text := markup.Translate(p.Text)
		if strings.TrimSpace(text) == "" {
			return queue.Skip("message is empty after markup translation")
		}
		sent, err := s.channel.SendText(ctx, inst.APIToken, wuzapi.TextMessage{Phone: contact.Phone, Body: text})
		if err != nil {
			return queue.Fail(err)
		}
		if sent.ID != "" {
			deliveredID = sent.ID
		}
		if msgExternalID == "" {
			msgExternalID = externalID("wuzapi", sent.ID)
		}
		if _, err := s.store.AppendMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			ContactID:      contact.ID,
			Content:        text,
			Direction:      models.DirectionOutbound,
			Status:         models.MessageSent,
			ExternalID:     msgExternalID,
		}); err != nil {
			// The message is out; a retry would send it twice.
			logger.Error().Err(err).Msg("Failed to record relayed operator message")
		}
		logger.Info().Str("wuzapiMessageID", sent.ID).Msg("Operator message relayed to WhatsApp")
	}

	if p.IMChatID == "" || p.IMMessageID == "" {
		return queue.Processed()
	}
	pt, err := s.openPortal(ctx, tenant)
	if err != nil {
		return queue.Fail(err)
	}
	receipt := bitrix.NewDeliveryStatus(p.IMChatID, p.IMMessageID, deliveredID, p.ExternalChatID)
	err = pt.call(ctx, func(endpoint, token string) error {
		return s.bitrix.SendDeliveryStatus(ctx, endpoint, token, s.connectorID(tenant), p.LineID, []bitrix.DeliveryStatus{receipt})
	})
	if err != nil {
		return queue.Fail(err)
	}
	return queue.Processed()
}
