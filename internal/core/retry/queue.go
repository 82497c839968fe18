// Package retry is the durable queue of failed push/pull operations. Each
// operation retries with capped exponential backoff until it succeeds or its
// attempt budget is exhausted; exhaustion is terminal and surfaces to status
// indicators instead of silently dropping the operation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/core/connection"
	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/pkg/backoff"
	"github.com/fieldsync/fieldsync/pkg/keymutex"
	"github.com/fieldsync/fieldsync/pkg/sequence"
)

// Collection is the document-store collection backing the queue.
const Collection = "retry_queue"

// DefaultMaxRetries bounds attempts when the caller does not specify.
const DefaultMaxRetries = 4

// State is the operation lifecycle state.
// pending -> retrying -> {succeeded, exhausted}; both ends are terminal.
type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// Action names the failed operation kind.
type Action string

const (
	ActionPush Action = "push"
	ActionPull Action = "pull"
)

var (
	ErrOperationNotFound = errors.New("retry operation not found")
	ErrTerminalState     = errors.New("retry operation is in a terminal state")
)

// Operation is one failed sync operation awaiting another attempt. UserID
// and Quality carry the sync context the operation failed under so a replay
// applies the same filter rules and bandwidth profile.
type Operation struct {
	OperationID   string             `json:"operation_id"`
	Collection    string             `json:"collection"`
	Action        Action             `json:"action"`
	Payload       []byte             `json:"payload,omitempty"`
	UserID        string             `json:"user_id,omitempty"`
	Quality       connection.Quality `json:"connection_quality,omitempty"`
	RetryCount    int                `json:"retry_count"`
	MaxRetries    int                `json:"max_retries"`
	Backoff       time.Duration      `json:"backoff"`
	LastAttemptAt time.Time          `json:"last_attempt_at"`
	NextRetryAt   time.Time          `json:"next_retry_at"`
	State         State              `json:"status"`
	LastError     string             `json:"last_error,omitempty"`
}

// Emitter publishes retry-exhausted events. *events.Dispatcher satisfies it.
type Emitter interface {
	Emit(event events.Event)
}

// Queue is the durable retry queue. Operations are serialized per id; the
// backing document store makes pending work survive a process restart.
type Queue struct {
	docs    store.Store
	emitter Emitter
	policy  backoff.Policy
	locks   *keymutex.KeyMutex
	logger  log.Log
}

func NewQueue(docs store.Store, emitter Emitter, policy backoff.Policy, logger log.Log) *Queue {
	return &Queue{
		docs:    docs,
		emitter: emitter,
		policy:  policy,
		locks:   keymutex.New(0),
		logger:  logger,
	}
}

// Attempt describes a new operation to enqueue.
type Attempt struct {
	Collection string
	Action     Action
	Payload    []byte
	// MaxRetries <= 0 falls back to DefaultMaxRetries.
	MaxRetries int
	UserID     string
	Quality    connection.Quality
}

// Add enqueues a brand-new operation in the pending state with the initial
// backoff interval.
func (q *Queue) Add(ctx context.Context, att Attempt) (*Operation, error) {
	maxRetries := att.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := time.Now()
	op := &Operation{
		OperationID:   uuid.NewString(),
		Collection:    att.Collection,
		Action:        att.Action,
		Payload:       att.Payload,
		UserID:        att.UserID,
		Quality:       att.Quality,
		MaxRetries:    maxRetries,
		Backoff:       q.policy.Next(0),
		LastAttemptAt: now,
		State:         StatePending,
	}
	op.NextRetryAt = now.Add(op.Backoff)

	if err := q.docs.Insert(ctx, Collection, op.OperationID, op); err != nil {
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}
	q.logger.Debug("retry enqueued",
		log.String("operation", op.OperationID),
		log.String("collection", att.Collection),
		log.String("action", string(att.Action)),
	)
	return op, nil
}

// Retry records another failed attempt: the count advances, the backoff
// doubles up to the cap, and the next attempt is scheduled. Once the count
// reaches MaxRetries the operation becomes exhausted and is published so the
// failure is visible; retrying a terminal operation is rejected.
func (q *Queue) Retry(ctx context.Context, operationID string, attemptErr error) (*Operation, error) {
	var out *Operation
	err := q.locks.WithLock(operationID, func() error {
		op, err := q.load(ctx, operationID)
		if err != nil {
			return err
		}
		if op.State.Terminal() {
			return fmt.Errorf("%s (%s): %w", operationID, op.State, ErrTerminalState)
		}

		now := time.Now()
		op.RetryCount++
		op.LastAttemptAt = now
		op.Backoff = q.policy.Next(op.Backoff)
		op.NextRetryAt = now.Add(op.Backoff)
		if attemptErr != nil {
			op.LastError = attemptErr.Error()
		}

		if op.RetryCount >= op.MaxRetries {
			op.State = StateExhausted
		} else {
			op.State = StateRetrying
		}

		if err := q.docs.Update(ctx, Collection, operationID, op); err != nil {
			return fmt.Errorf("update retry: %w", err)
		}
		out = op

		if op.State == StateExhausted {
			q.logger.Warn("retry exhausted",
				log.String("operation", op.OperationID),
				log.String("collection", op.Collection),
				log.Int("attempts", op.RetryCount),
			)
			q.emitter.Emit(events.New(events.TypeRetryExhausted, Collection, op))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Succeed marks an operation as completed. Terminal operations are rejected.
func (q *Queue) Succeed(ctx context.Context, operationID string) (*Operation, error) {
	var out *Operation
	err := q.locks.WithLock(operationID, func() error {
		op, err := q.load(ctx, operationID)
		if err != nil {
			return err
		}
		if op.State.Terminal() {
			return fmt.Errorf("%s (%s): %w", operationID, op.State, ErrTerminalState)
		}
		op.State = StateSucceeded
		op.LastError = ""
		if err := q.docs.Update(ctx, Collection, operationID, op); err != nil {
			return fmt.Errorf("update retry: %w", err)
		}
		out = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Due returns non-terminal operations whose NextRetryAt has passed, ordered
// soonest first. The orchestrator polls this at the start of a pass.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]*Operation, error) {
	ops, err := q.list(ctx)
	if err != nil {
		return nil, err
	}
	return sequence.From(ops).
		Filter(func(op *Operation) bool { return !op.State.Terminal() && !op.NextRetryAt.After(now) }).
		Collect(), nil
}

// PendingCount is the number of operations still awaiting an attempt.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	ops, err := q.list(ctx)
	if err != nil {
		return 0, err
	}
	return sequence.From(ops).
		Filter(func(op *Operation) bool { return !op.State.Terminal() }).
		Count(), nil
}

// PendingFor counts non-terminal operations targeting one collection.
func (q *Queue) PendingFor(ctx context.Context, collection string) (int, error) {
	ops, err := q.list(ctx)
	if err != nil {
		return 0, err
	}
	return sequence.From(ops).
		Filter(func(op *Operation) bool { return op.Collection == collection && !op.State.Terminal() }).
		Count(), nil
}

// ExhaustedFor lists exhausted operations targeting one collection, soonest
// scheduled first. Status indicators surface these as errors.
func (q *Queue) ExhaustedFor(ctx context.Context, collection string) ([]*Operation, error) {
	ops, err := q.list(ctx)
	if err != nil {
		return nil, err
	}
	return sequence.From(ops).
		Filter(func(op *Operation) bool { return op.Collection == collection && op.State == StateExhausted }).
		Collect(), nil
}

// Get returns one operation by id.
func (q *Queue) Get(ctx context.Context, operationID string) (*Operation, error) {
	return q.load(ctx, operationID)
}

func (q *Queue) load(ctx context.Context, operationID string) (*Operation, error) {
	var op Operation
	if err := q.docs.Get(ctx, Collection, operationID, &op); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", operationID, ErrOperationNotFound)
		}
		return nil, err
	}
	return &op, nil
}

func (q *Queue) list(ctx context.Context) ([]*Operation, error) {
	var ops []*Operation
	if err := q.docs.Query(ctx, Collection, store.Query{OrderBy: "next_retry_at"}, &ops); err != nil {
		return nil, fmt.Errorf("list retry queue: %w", err)
	}
	return ops, nil
}
