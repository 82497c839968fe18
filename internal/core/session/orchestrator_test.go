package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/core/checksum"
	"github.com/fieldsync/fieldsync/internal/core/connection"
	"github.com/fieldsync/fieldsync/internal/core/events"
	"github.com/fieldsync/fieldsync/internal/core/filter"
	"github.com/fieldsync/fieldsync/internal/core/observability/log"
	"github.com/fieldsync/fieldsync/internal/core/replica"
	"github.com/fieldsync/fieldsync/internal/core/retry"
	"github.com/fieldsync/fieldsync/internal/core/scheduler"
	"github.com/fieldsync/fieldsync/internal/core/store"
	"github.com/fieldsync/fieldsync/internal/core/transport"
	"github.com/fieldsync/fieldsync/pkg/backoff"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEmitter) byType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakeSource is an in-memory business-record store for orchestrator tests.
type fakeSource struct {
	mu      sync.Mutex
	changed map[string][]transport.Record
	local   map[string]int64
	applied map[string]transport.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		changed: make(map[string][]transport.Record),
		local:   make(map[string]int64),
		applied: make(map[string]transport.Record),
	}
}

func (s *fakeSource) Changed(_ context.Context, collection string) ([]transport.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Record(nil), s.changed[collection]...), nil
}

func (s *fakeSource) LocalVersion(_ context.Context, collection, recordID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[collection+"/"+recordID], nil
}

func (s *fakeSource) Apply(_ context.Context, collection string, rec transport.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[collection+"/"+rec.RecordID] = rec
	s.local[collection+"/"+rec.RecordID] = rec.Version
	return nil
}

func (s *fakeSource) AckPush(_ context.Context, collection, recordID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.changed[collection]
	for i, rec := range recs {
		if rec.RecordID == recordID && rec.Version == version {
			s.changed[collection] = append(recs[:i:i], recs[i+1:]...)
			break
		}
	}
	return nil
}

type fixture struct {
	orch    *Orchestrator
	conns   *connection.Manager
	lb      *transport.Loopback
	source  *fakeSource
	emitter *captureEmitter
	retries *retry.Queue
	docs    store.Store
	connID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.Nop()
	docs := store.NewMemoryStore()
	emitter := &captureEmitter{}
	retries := retry.NewQueue(docs, emitter, backoff.Default(), logger)
	conns := connection.NewManager(0, logger)
	sched := scheduler.New(scheduler.DefaultProfiles())
	sched.UpsertRule(scheduler.Rule{Collection: "jobs", Priority: scheduler.PriorityHigh})
	lb := transport.NewLoopback(10 * time.Millisecond)
	source := newFakeSource()

	orch := NewOrchestrator(Deps{
		Replicas:    replica.NewStateStore(docs, emitter, logger),
		Retries:     retries,
		Scheduler:   sched,
		Filter:      filter.New(),
		Verifier:    checksum.NewVerifier(docs, emitter, logger),
		Connections: conns,
		Transport:   lb,
		Source:      source,
		Docs:        docs,
		Emitter:     emitter,
		Logger:      logger,
	})

	conn := conns.Register("user-1", "tablet-1")
	_, err := conns.Ping(conn.ID, 20*time.Millisecond)
	require.NoError(t, err)

	return &fixture{orch: orch, conns: conns, lb: lb, source: source, emitter: emitter, retries: retries, docs: docs, connID: conn.ID}
}

func payload(t *testing.T, doc map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("completed when error free", func(t *testing.T) {
		sess, err := f.orch.StartSession(ctx, "conn-a", DirectionPush, connection.QualityWifi)
		require.NoError(t, err)
		require.Equal(t, StatusInProgress, sess.Status)
		require.Zero(t, sess.Stats)

		done, err := f.orch.CompleteSession(ctx, sess.SessionID, Stats{
			RecordsPushed: 10, RecordsPulled: 5, Conflicts: 2,
		})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, done.Status)
		require.False(t, done.CompletedAt.IsZero())
	})

	t.Run("failed iff errors nonzero", func(t *testing.T) {
		sess, err := f.orch.StartSession(ctx, "conn-b", DirectionPush, connection.QualityWifi)
		require.NoError(t, err)

		done, err := f.orch.CompleteSession(ctx, sess.SessionID, Stats{
			RecordsPushed: 10, RecordsPulled: 5, Conflicts: 2, Errors: 1,
		})
		require.NoError(t, err)
		require.Equal(t, StatusFailed, done.Status)
	})

	t.Run("terminal exactly once", func(t *testing.T) {
		sess, err := f.orch.StartSession(ctx, "conn-c", DirectionPull, connection.Quality4G)
		require.NoError(t, err)
		_, err = f.orch.CompleteSession(ctx, sess.SessionID, Stats{})
		require.NoError(t, err)

		_, err = f.orch.CompleteSession(ctx, sess.SessionID, Stats{Errors: 9})
		require.ErrorIs(t, err, ErrSessionTerminal)

		got, err := f.orch.GetSession(ctx, sess.SessionID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
		require.Zero(t, got.Stats.Errors)
	})

	t.Run("single active session per connection", func(t *testing.T) {
		first, err := f.orch.StartSession(ctx, "conn-d", DirectionBidirectional, connection.QualityWifi)
		require.NoError(t, err)

		_, err = f.orch.StartSession(ctx, "conn-d", DirectionPush, connection.QualityWifi)
		require.ErrorIs(t, err, ErrSessionActive)

		_, err = f.orch.CompleteSession(ctx, first.SessionID, Stats{})
		require.NoError(t, err)
		_, err = f.orch.StartSession(ctx, "conn-d", DirectionPush, connection.QualityWifi)
		require.NoError(t, err)
	})

	t.Run("invalid direction rejected", func(t *testing.T) {
		_, err := f.orch.StartSession(ctx, "conn-e", Direction("sideways"), connection.QualityWifi)
		require.ErrorIs(t, err, ErrInvalidDirection)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.orch.CompleteSession(ctx, "nope", Stats{})
		require.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRun_Bidirectional(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 1, Clock: map[string]int64{"tablet-1": 1}, Payload: payload(t, map[string]any{"status": "in_progress"})},
		{RecordID: "j2", Version: 3, Clock: map[string]int64{"tablet-1": 3}, Payload: payload(t, map[string]any{"status": "done"})},
	}
	f.source.local["jobs/j1"] = 1
	f.source.local["jobs/j2"] = 3
	remote := payload(t, map[string]any{"status": "approved"})
	f.lb.Seed("jobs", transport.Record{
		RecordID: "j9", Version: 2, Clock: map[string]int64{"office": 2},
		Payload: remote, Checksum: checksum.Digest(remote),
	})

	sess, err := f.orch.Run(ctx, f.connID, DirectionBidirectional)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)
	require.EqualValues(t, 2, sess.Stats.RecordsPushed)
	require.EqualValues(t, 1, sess.Stats.RecordsPulled)
	require.Zero(t, sess.Stats.Conflicts)
	require.Zero(t, sess.Stats.Errors)
	require.Positive(t, sess.Stats.BytesTransferred)

	// Pushed records landed on the authority.
	got, ok := f.lb.Remote("jobs", "j2")
	require.True(t, ok)
	require.EqualValues(t, 3, got.Version)

	// Pulled record was applied locally and the watermark advanced. The
	// watermark can also cover the pushed records when the pull leg
	// observed their echoes.
	require.Contains(t, f.source.applied, "jobs/j9")
	cur, err := f.orch.cursor(ctx, "jobs")
	require.NoError(t, err)
	require.GreaterOrEqual(t, cur, int64(2))

	ind, err := f.orch.Indicator(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, IndicatorSynced, ind.Status)
	require.False(t, ind.LastSyncAt.IsZero())

	require.Len(t, f.emitter.byType(events.TypeSessionCompleted), 1)
}

func TestRun_Offline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.conns.Disconnect(f.connID)
	require.NoError(t, err)

	_, err = f.orch.Run(ctx, f.connID, DirectionBidirectional)
	require.ErrorIs(t, err, ErrOffline)

	ind, err := f.orch.Indicator(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, IndicatorOffline, ind.Status)

	sessions, err := f.orch.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRun_PushConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The authority already holds a newer version of j1.
	f.lb.Seed("jobs", transport.Record{RecordID: "j1", Version: 7})
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 3, Payload: payload(t, map[string]any{"qty": 5})},
	}

	sess, err := f.orch.Run(ctx, f.connID, DirectionPush)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)
	require.Zero(t, sess.Stats.RecordsPushed)
	require.EqualValues(t, 1, sess.Stats.Conflicts)

	state, err := f.orch.replicas.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.True(t, state.ConflictDetected)
	require.Len(t, f.emitter.byType(events.TypeConflictDetected), 1)
}

func TestRun_PushFailureFeedsRetryQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.lb.PushErr = errors.New("tunnel collapsed")
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 1, Payload: payload(t, map[string]any{"qty": 5})},
		{RecordID: "j2", Version: 1, Payload: payload(t, map[string]any{"qty": 6})},
	}

	sess, err := f.orch.Run(ctx, f.connID, DirectionPush)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, sess.Status)
	require.EqualValues(t, 2, sess.Stats.Errors)
	require.Zero(t, sess.Stats.RecordsPushed)

	pending, err := f.retries.PendingFor(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	ind, err := f.orch.Indicator(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, IndicatorPending, ind.Status)
	require.Equal(t, 2, ind.PendingChanges)
}

func TestRun_PullConflictNotApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	remote := payload(t, map[string]any{"status": "approved"})
	f.lb.Seed("jobs", transport.Record{
		RecordID: "j1", Version: 3, Payload: remote, Checksum: checksum.Digest(remote),
	})
	// The same record carries an unsynced local edit at version 2.
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 2, Payload: payload(t, map[string]any{"status": "rejected"})},
	}
	f.source.local["jobs/j1"] = 2

	sess, err := f.orch.Run(ctx, f.connID, DirectionPull)
	require.NoError(t, err)
	require.EqualValues(t, 1, sess.Stats.Conflicts)
	require.Zero(t, sess.Stats.RecordsPulled)
	require.NotContains(t, f.source.applied, "jobs/j1")

	state, err := f.orch.replicas.Get(ctx, "jobs", "j1")
	require.NoError(t, err)
	require.True(t, state.ConflictDetected)
}

func TestRun_PullChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Same version seen twice with different bytes is corruption.
	f.lb.Seed("jobs", transport.Record{
		RecordID: "j1", Version: 3,
		Payload:  payload(t, map[string]any{"qty": 5}),
		Checksum: checksum.Digest(payload(t, map[string]any{"qty": 5})),
	})
	clean := payload(t, map[string]any{"qty": 8})
	f.lb.Seed("jobs", transport.Record{
		RecordID: "j2", Version: 4, Payload: clean, Checksum: checksum.Digest(clean),
	})
	_, err := f.orch.verifier.Verify(ctx, "jobs", "j1", 3, payload(t, map[string]any{"qty": 999}))
	require.NoError(t, err)

	sess, err := f.orch.Run(ctx, f.connID, DirectionPull)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, sess.Status)
	require.EqualValues(t, 1, sess.Stats.Errors)
	require.NotContains(t, f.source.applied, "jobs/j1")
	require.NotEmpty(t, f.emitter.byType(events.TypeChecksumMismatch))

	// The clean record later in the batch still applies.
	require.EqualValues(t, 1, sess.Stats.RecordsPulled)
	require.Contains(t, f.source.applied, "jobs/j2")

	// The watermark stays behind the bad record so it is re-pulled, even
	// though a newer record came through after it.
	cur, err := f.orch.cursor(ctx, "jobs")
	require.NoError(t, err)
	require.Zero(t, cur)
}

func TestRun_PullTruncatedBatchResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// One record per batch forces truncation.
	profile, ok := f.orch.sched.Profile(connection.QualityWifi)
	require.True(t, ok)
	profile.MaxBatchSize = 1
	f.orch.sched.UpsertProfile(profile)

	older := payload(t, map[string]any{"status": "draft"})
	newer := payload(t, map[string]any{"status": "approved"})
	f.lb.Seed("jobs", transport.Record{RecordID: "z", Version: 1, Payload: older, Checksum: checksum.Digest(older)})
	f.lb.Seed("jobs", transport.Record{RecordID: "a", Version: 5, Payload: newer, Checksum: checksum.Digest(newer)})

	sess, err := f.orch.Run(ctx, f.connID, DirectionPull)
	require.NoError(t, err)
	require.EqualValues(t, 1, sess.Stats.RecordsPulled)
	require.Contains(t, f.source.applied, "jobs/z")

	// The next pass resumes past the truncation point; nothing is skipped.
	sess, err = f.orch.Run(ctx, f.connID, DirectionPull)
	require.NoError(t, err)
	require.EqualValues(t, 1, sess.Stats.RecordsPulled)
	require.Contains(t, f.source.applied, "jobs/a")

	cur, err := f.orch.cursor(ctx, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 5, cur)
}

func TestRun_SelectiveFilterSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.orch.filter.Upsert(filter.Rule{
		UserID: "user-1", Collection: "jobs",
		Field: "site", Value: "north-yard", Enabled: true,
	})
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 1, Payload: payload(t, map[string]any{"site": "north-yard"})},
		{RecordID: "j2", Version: 1, Payload: payload(t, map[string]any{"site": "south-yard"})},
	}

	sess, err := f.orch.Run(ctx, f.connID, DirectionPush)
	require.NoError(t, err)
	require.EqualValues(t, 1, sess.Stats.RecordsPushed)
	_, ok := f.lb.Remote("jobs", "j2")
	require.False(t, ok)
}

func TestProcessDue_ReplaysQueuedPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// First pass fails and queues both records.
	f.lb.PushErr = errors.New("link down")
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 1, Payload: payload(t, map[string]any{"qty": 5})},
	}
	_, err := f.orch.Run(ctx, f.connID, DirectionPush)
	require.NoError(t, err)

	// Backoff elapses, the link recovers, and the next pass drains the queue.
	ops, err := f.retries.Due(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	ops[0].NextRetryAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Upsert(ctx, f.docs, retry.Collection, ops[0].OperationID, ops[0]))
	f.lb.PushErr = nil
	f.source.changed["jobs"] = nil

	f.orch.processDue(ctx)

	got, ok := f.lb.Remote("jobs", "j1")
	require.True(t, ok)
	require.EqualValues(t, 1, got.Version)
	op, err := f.retries.Get(ctx, ops[0].OperationID)
	require.NoError(t, err)
	require.Equal(t, retry.StateSucceeded, op.State)
}

func TestProcessDue_ReplayedPullHonorsFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.orch.filter.Upsert(filter.Rule{
		UserID: "user-1", Collection: "jobs",
		Field: "site", Value: "north-yard", Enabled: true,
	})
	north := payload(t, map[string]any{"site": "north-yard"})
	south := payload(t, map[string]any{"site": "south-yard"})
	f.lb.Seed("jobs", transport.Record{RecordID: "n1", Version: 1, Payload: north, Checksum: checksum.Digest(north)})
	f.lb.Seed("jobs", transport.Record{RecordID: "s1", Version: 2, Payload: south, Checksum: checksum.Digest(south)})

	// The queued pull carries the user and quality it failed under.
	op, err := f.retries.Add(ctx, retry.Attempt{
		Collection: "jobs", Action: retry.ActionPull,
		UserID: "user-1", Quality: connection.Quality3G,
	})
	require.NoError(t, err)
	op.NextRetryAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Upsert(ctx, f.docs, retry.Collection, op.OperationID, op))

	f.orch.processDue(ctx)

	require.Contains(t, f.source.applied, "jobs/n1")
	require.NotContains(t, f.source.applied, "jobs/s1")
	got, err := f.retries.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, retry.StateSucceeded, got.State)
}

func TestResolveConflict_RemoteWinsRepullsAuthority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	authoritative := payload(t, map[string]any{"status": "approved"})
	f.lb.Seed("jobs", transport.Record{
		RecordID: "j1", Version: 7,
		Payload: authoritative, Checksum: checksum.Digest(authoritative),
	})
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 3, Payload: payload(t, map[string]any{"status": "rejected"})},
	}
	f.source.local["jobs/j1"] = 3

	sess, err := f.orch.Run(ctx, f.connID, DirectionBidirectional)
	require.NoError(t, err)
	require.EqualValues(t, 2, sess.Stats.Conflicts)
	require.NotContains(t, f.source.applied, "jobs/j1")

	// The pull cursor has already passed the remote version.
	cur, err := f.orch.cursor(ctx, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 7, cur)

	state, err := f.orch.ResolveConflict(ctx, f.connID, "jobs", "j1", replica.StrategyRemoteWins, nil)
	require.NoError(t, err)
	require.False(t, state.ConflictDetected)
	require.EqualValues(t, 7, state.LocalVersion)

	// The scheduled re-pull fetches the authoritative payload once due.
	ops, err := f.retries.Due(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, retry.ActionPull, ops[0].Action)
	require.Equal(t, "user-1", ops[0].UserID)
	ops[0].NextRetryAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Upsert(ctx, f.docs, retry.Collection, ops[0].OperationID, ops[0]))

	f.orch.processDue(ctx)

	applied, ok := f.source.applied["jobs/j1"]
	require.True(t, ok)
	require.EqualValues(t, 7, applied.Version)
	require.Equal(t, authoritative, applied.Payload)

	cur, err = f.orch.cursor(ctx, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 7, cur)
}

func TestRun_IndicatorErrorAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	op, err := f.retries.Add(ctx, retry.Attempt{
		Collection: "jobs", Action: retry.ActionPush,
		Payload: payload(t, map[string]any{"qty": 1}), MaxRetries: 1,
	})
	require.NoError(t, err)
	_, err = f.retries.Retry(ctx, op.OperationID, errors.New("still down"))
	require.NoError(t, err)

	sess, err := f.orch.Run(ctx, f.connID, DirectionPush)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, sess.Status)

	ind, err := f.orch.Indicator(ctx, "jobs")
	require.NoError(t, err)
	require.Equal(t, IndicatorError, ind.Status)
	require.Equal(t, "still down", ind.ErrorMessage)
}

// cancellingTransport cancels the run after the first push so the pass stops
// mid-flight.
type cancellingTransport struct {
	*transport.Loopback
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingTransport) Push(ctx context.Context, batch transport.Batch, compress bool) (*transport.PushResult, error) {
	result, err := c.Loopback.Push(ctx, batch, compress)
	c.once.Do(c.cancel)
	return result, err
}

func TestRun_CancelledMidFlight(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.orch.link = &cancellingTransport{Loopback: f.lb, cancel: cancel}
	f.source.changed["jobs"] = []transport.Record{
		{RecordID: "j1", Version: 1, Payload: payload(t, map[string]any{"qty": 5})},
	}
	f.lb.Seed("jobs", transport.Record{RecordID: "j9", Version: 1})

	sess, err := f.orch.Run(ctx, f.connID, DirectionBidirectional)
	require.Error(t, err)
	require.NotNil(t, sess)
	require.True(t, sess.Terminal())

	// The audit log still holds the terminal session.
	got, gerr := f.orch.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, gerr)
	require.True(t, got.Terminal())
}
