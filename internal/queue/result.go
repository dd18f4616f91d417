package queue

import (
	"context"

	"wuzapi-bitrix-integration/internal/apperr"
)

// Outcome is how a handler finished an event.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Result is returned by every handler. Skipped is an expected outcome (lock
// busy, duplicate reply, bot disabled) and completes the event like Processed.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func Processed() Result         { return Result{Outcome: OutcomeProcessed} }
func Skip(reason string) Result { return Result{Outcome: OutcomeSkipped, Reason: reason} }
func Fail(err error) Result     { return Result{Outcome: OutcomeFailed, Err: err} }

// Succeeded reports whether the event is finished without error.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeProcessed || r.Outcome == OutcomeSkipped }

// HandlerFunc handles one decoded event.
type HandlerFunc func(ctx context.Context, p Payload) Result

// Typed adapts a handler of a concrete payload variant.
func Typed[P Payload](fn func(ctx context.Context, p P) Result) HandlerFunc {
	return func(ctx context.Context, p Payload) Result {
		typed, ok := p.(P)
		if !ok {
			var want P
			return Fail(apperr.Validation(want.EventType(), "unexpected payload %T", p))
		}
		return fn(ctx, typed)
	}
}
