package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"wuzapi-bitrix-integration/internal/queue"
)

type eventEnvelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// EnqueueEvent accepts {"event_type": ..., "payload": {...}} for any known
// event type.
func (s *Server) EnqueueEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		var env eventEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
			return
		}
		p, err := queue.DecodePayload(env.EventType, env.Payload)
		if err != nil {
			logger.Warn().Err(err).Str("eventType", env.EventType).Msg("Rejected event")
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		id, err := s.enqueue(r.Context(), logger, p)
		if err != nil {
			s.Respond(w, r, statusFor(err), err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, map[string]any{"id": id})
	}
}

// EventStatus reports one queued event.
func (s *Server) EventStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["eventId"], 10, 64)
		if err != nil {
			s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("event id must be numeric"))
			return
		}
		ev, err := s.events.Get(r.Context(), id)
		if err != nil {
			s.Respond(w, r, statusFor(err), err)
			return
		}
		s.Respond(w, r, http.StatusOK, ev)
	}
}

// Dispatch runs one batch pass. Query parameters: limit, priority.
func (s *Server) Dispatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.opts.BatchSize
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		var priority int64
		if raw := r.URL.Query().Get("priority"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.Respond(w, r, http.StatusBadRequest, fmt.Errorf("priority must be an event id"))
				return
			}
			priority = n
		}

		report, err := s.dispatcher.DispatchBatch(r.Context(), limit, priority)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Dispatch pass failed")
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, report)
	}
}

// Health reports queue depth per status.
func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.events.Counts(r.Context())
		if err != nil {
			s.Respond(w, r, http.StatusServiceUnavailable, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]any{"status": "running", "events": counts})
	}
}
