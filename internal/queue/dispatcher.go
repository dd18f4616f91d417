package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

// BatchReport summarises one dispatch pass.
type BatchReport struct {
	Claimed int `json:"claimed"`
	Done    int `json:"done"`
	Skipped int `json:"skipped"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Unknown int `json:"unknown"`
}

// Dispatcher claims queued events and routes them to handlers by type.
// It is driven by short external passes and keeps no state between them.
type Dispatcher struct {
	repo      Repository
	handlers  map[string]HandlerFunc
	observers *fanout
}

func NewDispatcher(repo Repository) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		handlers:  make(map[string]HandlerFunc),
		observers: newFanout(),
	}
}

// Register routes eventType to h.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.handlers[eventType] = h
}

// AddObserver subscribes o to terminal transitions.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers.add(o)
}

// DispatchBatch runs one pass. A pending priority event is handled first and
// is not counted against limit. Per-event failures are recorded on the event;
// only repository errors abort the pass.
func (d *Dispatcher) DispatchBatch(ctx context.Context, limit int, priorityID int64) (BatchReport, error) {
	var report BatchReport

	if priorityID > 0 {
		ev, err := d.repo.Get(ctx, priorityID)
		switch {
		case apperr.IsNotFound(err):
			log.Warn().Int64("eventID", priorityID).Msg("Priority event not found")
		case err != nil:
			return report, err
		case ev.Status == models.EventStatusPending:
			if err := d.process(ctx, *ev, &report); err != nil {
				return report, err
			}
		}
	}

	events, err := d.repo.ListRunnable(ctx, limit)
	if err != nil {
		return report, err
	}
	for _, ev := range events {
		if ev.ID == priorityID {
			continue
		}
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Msg("Dispatch pass interrupted")
			break
		}
		if err := d.process(ctx, ev, &report); err != nil {
			return report, err
		}
	}

	log.Info().
		Int("claimed", report.Claimed).
		Int("done", report.Done).
		Int("skipped", report.Skipped).
		Int("retried", report.Retried).
		Int("failed", report.Failed).
		Int("unknown", report.Unknown).
		Msg("Dispatch pass finished")
	return report, nil
}

func (d *Dispatcher) process(ctx context.Context, ev models.QueuedEvent, report *BatchReport) error {
	logger := log.With().Int64("eventID", ev.ID).Str("eventType", ev.EventType).Logger()

	if ev.Status == models.EventStatusProcessing && ev.Attempts >= ev.MaxAttempts {
		// A pass died after its last allowed claim; nothing may claim it again.
		ok, err := d.repo.Fail(ctx, ev.ID, ev.Attempts, abandonedError(ev))
		if err != nil || !ok {
			return err
		}
		logger.Error().Int("attempts", ev.Attempts).Msg("Abandoned event failed permanently")
		report.Failed++
		d.finished(ctx, ev.ID)
		return nil
	}

	claimed, err := d.repo.Claim(ctx, ev.ID, ev.Attempts)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug().Msg("Event claimed by another pass")
		return nil
	}
	report.Claimed++
	attempts := ev.Attempts + 1
	logger = logger.With().Int("attempt", attempts).Logger()

	result := d.run(ctx, ev)
	if errors.Is(result.Err, ErrUnknownEventType) {
		logger.Warn().Msg("No handler for event type, marking done")
		if _, err := d.repo.Complete(ctx, ev.ID, attempts); err != nil {
			return err
		}
		report.Unknown++
		d.finished(ctx, ev.ID)
		return nil
	}

	switch {
	case result.Succeeded():
		ok, err := d.repo.Complete(ctx, ev.ID, attempts)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn().Msg("Event changed while being handled, completion not recorded")
			return nil
		}
		if result.Outcome == OutcomeSkipped {
			report.Skipped++
			logger.Info().Str("reason", result.Reason).Msg("Event skipped")
		} else {
			report.Done++
			logger.Info().Msg("Event processed")
		}
		d.finished(ctx, ev.ID)

	case apperr.IsValidation(result.Err) || attempts >= ev.MaxAttempts:
		ok, err := d.repo.Fail(ctx, ev.ID, attempts, result.Err.Error())
		if err != nil {
			return err
		}
		if ok {
			report.Failed++
			logger.Error().Err(result.Err).Str("kind", string(apperr.KindOf(result.Err))).Msg("Event failed permanently")
			d.finished(ctx, ev.ID)
		}

	default:
		ok, err := d.repo.Release(ctx, ev.ID, attempts, result.Err.Error())
		if err != nil {
			return err
		}
		if ok {
			report.Retried++
			logger.Warn().Err(result.Err).Str("kind", string(apperr.KindOf(result.Err))).Msg("Event failed, will retry")
		}
	}
	return nil
}

// run decodes the payload and invokes the handler. Panics are turned into
// failures so one event cannot take the pass down.
func (d *Dispatcher) run(ctx context.Context, ev models.QueuedEvent) (result Result) {
	h, ok := d.handlers[ev.EventType]
	if !ok {
		return Fail(ErrUnknownEventType)
	}
	payload, err := DecodePayload(ev.EventType, []byte(ev.Payload))
	if err != nil {
		return Fail(err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Int64("eventID", ev.ID).Interface("panic", r).Msg("Handler panicked")
			result = Fail(fmt.Errorf("handler panic: %v", r))
		}
	}()
	result = h(ctx, payload)
	if result.Outcome == OutcomeFailed && result.Err == nil {
		result.Err = errors.New("handler failed without error")
	}
	if result.Outcome == 0 {
		result = Fail(errors.New("handler returned no outcome"))
	}
	return result
}

func (d *Dispatcher) finished(ctx context.Context, id int64) {
	if d.observers.empty() {
		return
	}
	ev, err := d.repo.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Int64("eventID", id).Msg("Failed to load finished event for observers")
		return
	}
	d.observers.notify(ctx, *ev)
}

func abandonedError(ev models.QueuedEvent) string {
	if ev.LastError == "" {
		return "abandoned in processing after final attempt"
	}
	return "abandoned in processing after final attempt: " + ev.LastError
}
