package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/db/dbtest"
	"wuzapi-bitrix-integration/internal/models"
)

const sessionPayload = `{"member_id":"m1","dialog_id":"chat1"}`

func newDispatcher(t *testing.T, maxAttempts int) (*Dispatcher, *SQLRepository) {
	t.Helper()
	repo := NewSQLRepository(dbtest.OpenSQLite(t), maxAttempts)
	return NewDispatcher(repo), repo
}

func enqueue(t *testing.T, repo *SQLRepository, eventType, payload string) int64 {
	t.Helper()
	id, err := repo.Enqueue(context.Background(), eventType, []byte(payload))
	require.NoError(t, err)
	return id
}

func get(t *testing.T, repo *SQLRepository, id int64) *models.QueuedEvent {
	t.Helper()
	ev, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func TestEnqueueDefaults(t *testing.T) {
	_, repo := newDispatcher(t, 0)
	id := enqueue(t, repo, EventSessionStart, sessionPayload)

	ev := get(t, repo, id)
	assert.Equal(t, models.EventStatusPending, ev.Status)
	assert.Equal(t, 0, ev.Attempts)
	assert.Equal(t, DefaultMaxAttempts, ev.MaxAttempts)
	assert.Nil(t, ev.ProcessedAt)

	_, err := repo.Enqueue(context.Background(), "", nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestHandlerAlwaysFailingExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, 3)
	calls := 0
	d.Register(EventSessionStart, func(context.Context, Payload) Result {
		calls++
		return Fail(apperr.Transient("bitrix", "status 503"))
	})
	id := enqueue(t, repo, EventSessionStart, sessionPayload)

	for pass := 1; pass <= 3; pass++ {
		_, err := d.DispatchBatch(ctx, 10, 0)
		require.NoError(t, err)
		ev := get(t, repo, id)
		assert.Equal(t, pass, ev.Attempts)
		assert.LessOrEqual(t, ev.Attempts, ev.MaxAttempts)
		if pass < 3 {
			assert.Equal(t, models.EventStatusPending, ev.Status)
		}
	}

	ev := get(t, repo, id)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Contains(t, ev.LastError, "status 503")
	assert.NotNil(t, ev.ProcessedAt)

	report, err := d.DispatchBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.Equal(t, 3, calls)
}

func TestOutcomes(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, 3)
	d.Register(EventSessionStart, Typed(func(_ context.Context, p SessionStart) Result {
		switch p.DialogID {
		case "ok":
			return Processed()
		case "skip":
			return Skip("lock busy")
		case "invalid":
			return Fail(apperr.Validation("session", "bad dialog"))
		default:
			return Fail(apperr.NotFound("tenant", "member %s", p.MemberID))
		}
	}))
	ok := enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"ok"}`)
	skip := enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"skip"}`)
	invalid := enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"invalid"}`)
	missing := enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"missing"}`)
	malformed := enqueue(t, repo, EventSessionStart, `{"member_id":"m"}`)
	unknown := enqueue(t, repo, "contact_merged", `{}`)

	report, err := d.DispatchBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 6, Done: 1, Skipped: 1, Retried: 1, Failed: 2, Unknown: 1}, report)

	assert.Equal(t, models.EventStatusDone, get(t, repo, ok).Status)
	assert.NotNil(t, get(t, repo, ok).ProcessedAt)
	assert.Equal(t, models.EventStatusDone, get(t, repo, skip).Status)
	assert.Equal(t, models.EventStatusFailed, get(t, repo, invalid).Status)
	assert.Equal(t, 1, get(t, repo, invalid).Attempts)
	assert.Equal(t, models.EventStatusFailed, get(t, repo, malformed).Status)

	m := get(t, repo, missing)
	assert.Equal(t, models.EventStatusPending, m.Status)
	assert.Contains(t, m.LastError, "member m")
	assert.Equal(t, models.EventStatusDone, get(t, repo, unknown).Status)
}

func TestFIFOAndPriority(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, 3)
	var order []string
	d.Register(EventSessionStart, Typed(func(_ context.Context, p SessionStart) Result {
		order = append(order, p.DialogID)
		return Processed()
	}))
	enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"a"}`)
	enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"b"}`)
	priority := enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"p"}`)

	report, err := d.DispatchBatch(ctx, 1, priority)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "a"}, order)
	assert.Equal(t, 2, report.Done)

	_, err = d.DispatchBatch(ctx, 10, priority)
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "a", "b"}, order, "priority event is not handled twice")
}

func TestAbandonedProcessingEvents(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, 3)
	calls := 0
	d.Register(EventSessionStart, func(context.Context, Payload) Result {
		calls++
		return Processed()
	})
	exhausted := enqueue(t, repo, EventSessionStart, sessionPayload)
	crashed := enqueue(t, repo, EventSessionStart, sessionPayload)
	_, err := repo.db.Exec(`UPDATE queued_events SET status = 'processing', attempts = 3 WHERE id = ?`, exhausted)
	require.NoError(t, err)
	_, err = repo.db.Exec(`UPDATE queued_events SET status = 'processing', attempts = 1 WHERE id = ?`, crashed)
	require.NoError(t, err)

	report, err := d.DispatchBatch(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Done)
	assert.Equal(t, 1, calls)

	ev := get(t, repo, exhausted)
	assert.Equal(t, models.EventStatusFailed, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Contains(t, ev.LastError, "abandoned")

	ev = get(t, repo, crashed)
	assert.Equal(t, models.EventStatusDone, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
}

func TestClaimIsConditional(t *testing.T) {
	ctx := context.Background()
	_, repo := newDispatcher(t, 3)
	id := enqueue(t, repo, EventSessionStart, sessionPayload)

	ok, err := repo.Claim(ctx, id, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, id, 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale observation loses")

	ok, err = repo.Complete(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, ok, "done events are immutable")
	ok, err = repo.Fail(ctx, id, 1, "late")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	d, repo := newDispatcher(t, 3)
	d.Register(EventSessionStart, func(context.Context, Payload) Result { panic("boom") })
	id := enqueue(t, repo, EventSessionStart, sessionPayload)

	report, err := d.DispatchBatch(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Contains(t, get(t, repo, id).LastError, "boom")
}

type recordingObserver struct {
	mu     sync.Mutex
	events []models.QueuedEvent
}

func (o *recordingObserver) Name() string { return "recorder" }

func (o *recordingObserver) EventFinished(_ context.Context, ev models.QueuedEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return errors.New("observer errors are ignored")
}

func TestObserversSeeTerminalEvents(t *testing.T) {
	d, repo := newDispatcher(t, 1)
	obs := &recordingObserver{}
	d.AddObserver(obs)
	d.Register(EventSessionStart, Typed(func(_ context.Context, p SessionStart) Result {
		if p.DialogID == "bad" {
			return Fail(errors.New("provider down"))
		}
		return Processed()
	}))
	enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"good"}`)
	enqueue(t, repo, EventSessionStart, `{"member_id":"m","dialog_id":"bad"}`)

	_, err := d.DispatchBatch(context.Background(), 10, 0)
	require.NoError(t, err)

	require.Len(t, obs.events, 2)
	assert.Equal(t, models.EventStatusDone, obs.events[0].Status)
	assert.Equal(t, models.EventStatusFailed, obs.events[1].Status)
	assert.Equal(t, "provider down", obs.events[1].LastError)
}

func TestCounts(t *testing.T) {
	d, repo := newDispatcher(t, 3)
	d.Register(EventSessionStart, func(context.Context, Payload) Result { return Processed() })
	enqueue(t, repo, EventSessionStart, sessionPayload)
	enqueue(t, repo, EventSessionStart, sessionPayload)
	_, err := d.DispatchBatch(context.Background(), 1, 0)
	require.NoError(t, err)

	counts, err := repo.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.EventStatusDone])
	assert.Equal(t, 1, counts[models.EventStatusPending])
}
