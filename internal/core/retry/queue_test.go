package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/core/connection"
	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/pkg/backoff"
)

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(e events.Event) { c.events = append(c.events, e) }

func newQueue(t *testing.T) (*Queue, *captureEmitter) {
	t.Helper()
	emitter := &captureEmitter{}
	return NewQueue(store.NewMemoryStore(), emitter, backoff.Default(), log.Nop()), emitter
}

func TestQueue_Add(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	op, err := q.Add(ctx, Attempt{
		Collection: "jobs",
		Action:     ActionPush,
		Payload:    []byte(`{"id":"j1"}`),
		UserID:     "user-1",
		Quality:    connection.Quality3G,
	})
	require.NoError(t, err)
	require.Equal(t, StatePending, op.State)
	require.Equal(t, DefaultMaxRetries, op.MaxRetries)
	require.Equal(t, 2*time.Second, op.Backoff)
	require.Equal(t, op.LastAttemptAt.Add(op.Backoff), op.NextRetryAt)
	require.Zero(t, op.RetryCount)

	// The sync context survives the queue so a replay can reuse it.
	stored, err := q.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, "user-1", stored.UserID)
	require.Equal(t, connection.Quality3G, stored.Quality)
}

func TestOperationEncoding(t *testing.T) {
	raw, err := json.Marshal(&Operation{Backoff: 4 * time.Second})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Contains(t, fields, "backoff")
	require.EqualValues(t, 4*time.Second, fields["backoff"])
}

func TestQueue_BackoffGrowth(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	op, err := q.Add(ctx, Attempt{Collection: "jobs", Action: ActionPush, MaxRetries: 10})
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, op.Backoff)

	expected := []time.Duration{
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second, // holds at the cap
		16 * time.Second,
	}
	prev := op.Backoff
	for i, want := range expected {
		got, err := q.Retry(ctx, op.OperationID, errors.New("network down"))
		require.NoError(t, err)
		require.Equal(t, want, got.Backoff, "retry %d", i+1)
		require.GreaterOrEqual(t, got.Backoff, prev)
		require.Equal(t, got.LastAttemptAt.Add(got.Backoff), got.NextRetryAt)
		require.Equal(t, i+1, got.RetryCount)
		prev = got.Backoff
	}
}

func TestQueue_Exhaustion(t *testing.T) {
	ctx := context.Background()
	q, emitter := newQueue(t)

	op, err := q.Add(ctx, Attempt{Collection: "jobs", Action: ActionPush, MaxRetries: 4})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		got, err := q.Retry(ctx, op.OperationID, errors.New("still down"))
		require.NoError(t, err)
		require.Equal(t, StateRetrying, got.State)
		require.Equal(t, i, got.RetryCount)
	}

	got, err := q.Retry(ctx, op.OperationID, errors.New("still down"))
	require.NoError(t, err)
	require.Equal(t, StateExhausted, got.State)
	require.Equal(t, 4, got.RetryCount)

	require.Len(t, emitter.events, 1)
	require.Equal(t, events.TypeRetryExhausted, emitter.events[0].Type)

	// A fifth call is rejected; exhaustion never re-enters pending.
	_, err = q.Retry(ctx, op.OperationID, errors.New("still down"))
	require.ErrorIs(t, err, ErrTerminalState)

	stored, err := q.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, StateExhausted, stored.State)
	require.Equal(t, 4, stored.RetryCount)
}

func TestQueue_Succeed(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	op, err := q.Add(ctx, Attempt{Collection: "jobs", Action: ActionPull, MaxRetries: 4})
	require.NoError(t, err)

	got, err := q.Succeed(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, got.State)

	_, err = q.Retry(ctx, op.OperationID, nil)
	require.ErrorIs(t, err, ErrTerminalState)
	_, err = q.Succeed(ctx, op.OperationID)
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestQueue_Due(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	a, err := q.Add(ctx, Attempt{Collection: "jobs", Action: ActionPush, MaxRetries: 4})
	require.NoError(t, err)
	b, err := q.Add(ctx, Attempt{Collection: "documents", Action: ActionPull, MaxRetries: 4})
	require.NoError(t, err)
	succeeded, err := q.Add(ctx, Attempt{Collection: "photos", Action: ActionPush, MaxRetries: 4})
	require.NoError(t, err)
	_, err = q.Succeed(ctx, succeeded.OperationID)
	require.NoError(t, err)

	t.Run("nothing due before the backoff elapses", func(t *testing.T) {
		due, err := q.Due(ctx, time.Now())
		require.NoError(t, err)
		require.Empty(t, due)
	})

	t.Run("pending operations become due, terminal ones never do", func(t *testing.T) {
		due, err := q.Due(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, due, 2)
		ids := []string{due[0].OperationID, due[1].OperationID}
		require.Contains(t, ids, a.OperationID)
		require.Contains(t, ids, b.OperationID)
	})

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestQueue_UnknownOperation(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	_, err := q.Retry(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrOperationNotFound)
}
