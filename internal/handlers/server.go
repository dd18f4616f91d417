// Package handlers exposes the HTTP intake, dispatch and status API.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/queue"
)

// Options configure the API.
type Options struct {
	DispatchToken    string // shared secret for the operator endpoints; empty leaves them open
	BatchSize        int
	DispatchOnIntake bool // run a pass for every accepted webhook
}

// Deps are the collaborators of a Server.
type Deps struct {
	Events      queue.Repository
	Dispatcher  *queue.Dispatcher
	Tenants     TenantDirectory
	Credentials Credentials
	Portal      PortalVerifier
}

// Server serves the webhook intake and queue endpoints.
type Server struct {
	events     queue.Repository
	dispatcher *queue.Dispatcher
	tenants    TenantDirectory
	creds      Credentials
	portal     PortalVerifier
	opts       Options
	router     *mux.Router
}

func NewServer(d Deps, opts Options) (*Server, error) {
	switch {
	case d.Events == nil:
		return nil, fmt.Errorf("handlers: event repository cannot be nil")
	case d.Dispatcher == nil:
		return nil, fmt.Errorf("handlers: dispatcher cannot be nil")
	case d.Tenants == nil || d.Credentials == nil || d.Portal == nil:
		return nil, fmt.Errorf("handlers: tenant directory, credentials and portal verifier are required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.DispatchToken == "" {
		log.Warn().Msg("DISPATCH_TOKEN is not set, operator endpoints accept unauthenticated requests")
	}
	s := &Server{
		events:     d.Events,
		dispatcher: d.Dispatcher,
		tenants:    d.Tenants,
		creds:      d.Credentials,
		portal:     d.Portal,
		opts:       opts,
		router:     mux.NewRouter(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	c := alice.New().
		Append(hlog.NewHandler(log.Logger)).
		Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request")
		})).
		Append(hlog.RemoteAddrHandler("ip")).
		Append(hlog.UserAgentHandler("user_agent")).
		Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	protected := c.Append(s.requireToken)

	s.router.Handle("/health", c.Then(s.Health())).Methods(http.MethodGet)
	s.router.Handle("/bitrix/events", c.Then(s.BitrixEvent())).Methods(http.MethodPost)
	s.router.Handle("/bitrix/placement", c.Then(s.BitrixPlacement())).Methods(http.MethodPost)
	s.router.Handle("/events", protected.Then(s.EnqueueEvent())).Methods(http.MethodPost)
	s.router.Handle("/events/{eventId:[0-9]+}", protected.Then(s.EventStatus())).Methods(http.MethodGet)
	s.router.Handle("/dispatch", protected.Then(s.Dispatch())).Methods(http.MethodPost)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireToken guards the operator endpoints with DISPATCH_TOKEN, sent as a
// bearer token or in the Token header.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.DispatchToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.Header.Get("Token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.DispatchToken)) != 1 {
				s.Respond(w, r, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Respond writes the JSON envelope shared by every endpoint. An error value
// is reported in "error", anything else in "data".
func (s *Server) Respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	envelope := map[string]any{"code": status}
	if err, ok := data.(error); ok {
		envelope["error"] = err.Error()
		envelope["success"] = false
	} else {
		envelope["data"] = data
		envelope["success"] = true
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Failed to write response")
	}
}

// statusFor maps a classified error to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// enqueue validates and stores a payload, then optionally runs a pass with
// the new event first.
func (s *Server) enqueue(ctx context.Context, logger *zerolog.Logger, p queue.Payload) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, apperr.Validation("enqueue", "encode payload: %v", err)
	}
	id, err := s.events.Enqueue(ctx, p.EventType(), raw)
	if err != nil {
		return 0, err
	}
	logger.Info().Int64("eventID", id).Str("eventType", p.EventType()).Msg("Event queued")

	if s.opts.DispatchOnIntake {
		go func() {
			report, err := s.dispatcher.DispatchBatch(context.WithoutCancel(ctx), s.opts.BatchSize, id)
			if err != nil {
				log.Error().Err(err).Int64("eventID", id).Msg("Intake dispatch pass failed")
				return
			}
			log.Debug().Int64("eventID", id).Interface("report", report).Msg("Intake dispatch pass finished")
		}()
	}
	return id, nil
}
