package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/models"
)

// Observer is told about every event that reached done or failed.
type Observer interface {
	Name() string
	EventFinished(ctx context.Context, ev models.QueuedEvent) error
}

// ObserverResult is the outcome of notifying one observer.
type ObserverResult struct {
	Observer string
	Success  bool
	Error    string
	Duration time.Duration
}

// fanout notifies all observers in parallel with a shared deadline.
// Observer failures are logged and never affect the event.
type fanout struct {
	mu        sync.RWMutex
	observers []Observer
	timeout   time.Duration
}

func newFanout() *fanout {
	return &fanout{timeout: 10 * time.Second}
}

func (f *fanout) add(o Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

func (f *fanout) empty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.observers) == 0
}

func (f *fanout) notify(ctx context.Context, ev models.QueuedEvent) []ObserverResult {
	f.mu.RLock()
	observers := append([]Observer(nil), f.observers...)
	f.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ObserverResult, len(observers))
	for _, o := range observers {
		wg.Add(1)
		go func(o Observer) {
			defer wg.Done()
			start := time.Now()
			res := ObserverResult{Observer: o.Name(), Success: true}
			if err := o.EventFinished(ctx, ev); err != nil {
				res.Success = false
				res.Error = err.Error()
			}
			res.Duration = time.Since(start)
			results <- res
		}(o)
	}
	wg.Wait()
	close(results)

	collected := make([]ObserverResult, 0, len(observers))
	for res := range results {
		collected = append(collected, res)
		evt := log.Debug()
		if !res.Success {
			evt = log.Warn()
		}
		evt.Int64("eventID", ev.ID).
			Str("observer", res.Observer).
			Bool("success", res.Success).
			Str("error", res.Error).
			Dur("duration", res.Duration).
			Msg("Observer notified")
	}
	return collected
}
