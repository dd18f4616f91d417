package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/queue"
)

// Bitrix24 event names accepted by the intake.
const (
	eventConnectorMessage = "ONIMCONNECTORMESSAGEADD"
	eventBotMessage       = "ONIMBOTMESSAGEADD"
	eventBotJoinChat      = "ONIMBOTJOINCHAT"
)

// field reads a PHP-style nested form key: field(f, "data", "LINE") reads
// "data[LINE]".
func field(form url.Values, path ...string) string {
	key := path[0]
	for _, p := range path[1:] {
		key += "[" + p + "]"
	}
	return strings.TrimSpace(form.Get(key))
}

func tenantRef(form url.Values) queue.TenantRef {
	ref := queue.TenantRef{MemberID: field(form, "auth", "member_id"), Domain: field(form, "auth", "domain")}
	if ref.MemberID == "" {
		ref.MemberID = field(form, "member_id")
	}
	if ref.Domain == "" {
		ref.Domain = field(form, "DOMAIN")
	}
	return ref
}

// botID finds the bot a bot event is addressed to; Bitrix keys the BOT map
// by bot id.
func botID(form url.Values) int64 {
	var keys []string
	for k := range form {
		if strings.HasPrefix(k, "data[BOT][") && strings.HasSuffix(k, "][BOT_ID]") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if id, err := strconv.ParseInt(strings.TrimSpace(form.Get(k)), 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

// connectorMessages turns every entry of data[MESSAGES] into an operator
// message payload.
func connectorMessages(form url.Values, ref queue.TenantRef) []queue.OperatorMessage {
	var out []queue.OperatorMessage
	for i := 0; ; i++ {
		idx := strconv.Itoa(i)
		chatID := field(form, "data", "MESSAGES", idx, "chat", "id")
		text := field(form, "data", "MESSAGES", idx, "message", "text")
		if chatID == "" && text == "" {
			break
		}
		out = append(out, queue.OperatorMessage{
			TenantRef:      ref,
			ConnectorID:    field(form, "data", "CONNECTOR"),
			LineID:         field(form, "data", "LINE"),
			ExternalUserID: field(form, "data", "MESSAGES", idx, "user", "id"),
			ExternalChatID: chatID,
			IMChatID:       field(form, "data", "MESSAGES", idx, "im", "chat_id"),
			IMMessageID:    field(form, "data", "MESSAGES", idx, "im", "message_id"),
			Text:           text,
		})
	}
	return out
}

// bitrixPayloads maps a Bitrix24 event form of the tenant ref to queue
// payloads. Unknown events yield no payloads.
func bitrixPayloads(form url.Values, ref queue.TenantRef) ([]queue.Payload, error) {
	event := strings.ToUpper(field(form, "event"))
	switch event {
	case eventConnectorMessage:
		msgs := connectorMessages(form, ref)
		if len(msgs) == 0 {
			return nil, apperr.Validation("bitrix intake", "%s without messages", event)
		}
		out := make([]queue.Payload, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m)
		}
		return out, nil
	case eventBotMessage:
		return []queue.Payload{queue.BotMessage{
			TenantRef: ref,
			BotID:     botID(form),
			DialogID:  field(form, "data", "PARAMS", "DIALOG_ID"),
			UserID:    field(form, "data", "PARAMS", "FROM_USER_ID"),
			UserName:  field(form, "data", "USER", "NAME"),
			MessageID: field(form, "data", "PARAMS", "MESSAGE_ID"),
			Text:      field(form, "data", "PARAMS", "MESSAGE"),
		}}, nil
	case eventBotJoinChat:
		return []queue.Payload{queue.SessionStart{
			TenantRef: ref,
			BotID:     botID(form),
			DialogID:  field(form, "data", "PARAMS", "DIALOG_ID"),
			UserID:    field(form, "data", "PARAMS", "USER_ID"),
			UserName:  field(form, "data", "USER", "NAME"),
		}}, nil
	default:
		return nil, nil
	}
}

// validPayloads splits payloads into the valid ones and the first
// validation error. Nothing is queued until the whole batch is checked.
func validPayloads(logger *zerolog.Logger, payloads []queue.Payload) ([]queue.Payload, error) {
	valid := make([]queue.Payload, 0, len(payloads))
	var firstErr error
	for i, p := range payloads {
		if err := p.Validate(); err != nil {
			logger.Warn().Err(err).Int("index", i).Str("eventType", p.EventType()).Msg("Skipping invalid Bitrix message")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		valid = append(valid, p)
	}
	return valid, firstErr
}

// BitrixEvent accepts Bitrix24 outbound event webhooks. Every event must
// carry the application token registered by ONAPPINSTALL.
func (s *Server) BitrixEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		if err := r.ParseForm(); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid form: %w", err))
			return
		}
		event := strings.ToUpper(field(r.PostForm, "event"))
		if event == "" {
			s.Respond(w, r, http.StatusBadRequest, apperr.Validation("bitrix intake", "event is required"))
			return
		}

		if event == eventAppInstall {
			t, err := s.install(r.Context(), r.PostForm)
			if err != nil {
				logger.Warn().Err(err).Msg("Rejected app install")
				s.Respond(w, r, statusFor(err), err)
				return
			}
			logger.Info().Int64("tenantID", t.ID).Str("memberID", t.MemberID).Msg("Portal installed")
			s.Respond(w, r, http.StatusOK, map[string]any{"tenant_id": t.ID})
			return
		}

		tenant, err := s.authenticateEvent(r.Context(), r.PostForm)
		if err != nil {
			logger.Warn().Err(err).Str("event", event).Msg("Rejected unauthenticated Bitrix event")
			s.Respond(w, r, statusFor(err), err)
			return
		}
		payloads, err := bitrixPayloads(r.PostForm, refOf(tenant))
		if err != nil {
			logger.Warn().Err(err).Msg("Rejected Bitrix event")
			s.Respond(w, r, statusFor(err), err)
			return
		}
		if len(payloads) == 0 {
			logger.Info().Str("event", event).Msg("Ignoring unhandled Bitrix event")
			s.Respond(w, r, http.StatusOK, map[string]any{"queued": []int64{}})
			return
		}

		valid, invalidErr := validPayloads(logger, payloads)
		if len(valid) == 0 {
			s.Respond(w, r, statusFor(invalidErr), invalidErr)
			return
		}
		ids := make([]int64, 0, len(valid))
		for _, p := range valid {
			id, err := s.enqueue(r.Context(), logger, p)
			if err != nil {
				logger.Error().Err(err).Str("eventType", p.EventType()).Msg("Failed to queue Bitrix event")
				s.Respond(w, r, statusFor(err), err)
				return
			}
			ids = append(ids, id)
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"queued": ids, "skipped": len(payloads) - len(valid)})
	}
}

type placementOptions struct {
	Line         string          `json:"LINE"`
	ActiveStatus json.RawMessage `json:"ACTIVE_STATUS"`
}

func (o placementOptions) active() bool {
	v := strings.Trim(string(o.ActiveStatus), `"`)
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "Y")
}

// BitrixPlacement accepts the open line connector settings placement.
func (s *Server) BitrixPlacement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		if err := r.ParseForm(); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid form: %w", err))
			return
		}
		tenant, err := s.authenticatePlacement(r.Context(), r.Form)
		if err != nil {
			logger.Warn().Err(err).Msg("Rejected unauthenticated settings placement")
			s.Respond(w, r, statusFor(err), err)
			return
		}
		var opts placementOptions
		if raw := field(r.Form, "PLACEMENT_OPTIONS"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &opts); err != nil {
				s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid PLACEMENT_OPTIONS: %w", err))
				return
			}
		}
		p := queue.SettingsPlacement{
			TenantRef:  refOf(tenant),
			LineID:     opts.Line,
			Active:     opts.active(),
			InstanceID: field(r.Form, "instance_id"),
		}
		id, err := s.enqueue(r.Context(), logger, p)
		if err != nil {
			logger.Warn().Err(err).Msg("Rejected settings placement")
			s.Respond(w, r, statusFor(err), err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"queued": []int64{id}})
	}
}
