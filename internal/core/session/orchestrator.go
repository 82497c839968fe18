package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

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
)

// cursorCollection persists the per-collection pull watermark so pulls
// resume where the previous session stopped.
const cursorCollection = "pull_cursors"

// Emitter publishes session events. *events.Dispatcher satisfies it.
type Emitter interface {
	Emit(event events.Event)
}

// Deps are the orchestrator's constructor-injected collaborators.
type Deps struct {
	Replicas    *replica.StateStore
	Retries     *retry.Queue
	Scheduler   *scheduler.Scheduler
	Filter      *filter.Filter
	Verifier    *checksum.Verifier
	Connections *connection.Manager
	Transport   transport.Transport
	Source      RecordSource
	Docs        store.Store
	Emitter     Emitter
	Logger      log.Log
}

// Orchestrator drives sync passes. It is the only component permitted to
// mark a session terminal, and enforces a single active session per
// connection. Distinct connections may sync concurrently; the replica
// state store serializes per-record updates underneath.
type Orchestrator struct {
	replicas *replica.StateStore
	retries  *retry.Queue
	sched    *scheduler.Scheduler
	filter   *filter.Filter
	verifier *checksum.Verifier
	conns    *connection.Manager
	link     transport.Transport
	source   RecordSource
	docs     store.Store
	emitter  Emitter
	logger   log.Log

	mu     sync.Mutex
	active map[string]string // connectionID -> sessionID
}

func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		replicas: deps.Replicas,
		retries:  deps.Retries,
		sched:    deps.Scheduler,
		filter:   deps.Filter,
		verifier: deps.Verifier,
		conns:    deps.Connections,
		link:     deps.Transport,
		source:   deps.Source,
		docs:     deps.Docs,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		active:   make(map[string]string),
	}
}

// StartSession opens a session with zeroed counters in the in_progress
// state. At most one session may be active per connection.
func (o *Orchestrator) StartSession(ctx context.Context, connectionID string, direction Direction, quality connection.Quality) (*Session, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	o.mu.Lock()
	if sid, ok := o.active[connectionID]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", ErrSessionActive, sid)
	}
	sess := &Session{
		SessionID:    uuid.NewString(),
		ConnectionID: connectionID,
		Direction:    direction,
		Quality:      quality,
		StartedAt:    time.Now(),
		Status:       StatusInProgress,
	}
	o.active[connectionID] = sess.SessionID
	o.mu.Unlock()

	if err := o.docs.Insert(ctx, Collection, sess.SessionID, sess); err != nil {
		o.mu.Lock()
		delete(o.active, connectionID)
		o.mu.Unlock()
		return nil, fmt.Errorf("start session: %w", err)
	}
	o.logger.Info("session started",
		log.String("session_id", sess.SessionID),
		log.String("connection_id", connectionID),
		log.String("direction", string(direction)),
		log.String("quality", string(quality)))
	return sess, nil
}

// CompleteSession assigns the terminal status exactly once: failed iff the
// aggregate error count is nonzero, else completed.
func (o *Orchestrator) CompleteSession(ctx context.Context, sessionID string, stats Stats) (*Session, error) {
	sess, err := o.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
	}

	sess.Stats = stats
	sess.CompletedAt = time.Now()
	sess.Status = StatusCompleted
	if stats.Errors > 0 {
		sess.Status = StatusFailed
	}
	if err := o.docs.Update(ctx, Collection, sessionID, sess); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	o.mu.Lock()
	if o.active[sess.ConnectionID] == sessionID {
		delete(o.active, sess.ConnectionID)
	}
	o.mu.Unlock()

	o.emitter.Emit(events.New(events.TypeSessionCompleted, "session", sess))
	o.logger.Info("session completed",
		log.String("session_id", sessionID),
		log.String("status", string(sess.Status)),
		log.Int64("pushed", stats.RecordsPushed),
		log.Int64("pulled", stats.RecordsPulled),
		log.Int64("conflicts", stats.Conflicts),
		log.Int64("errors", stats.Errors))
	return sess, nil
}

// GetSession returns one session by id.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := o.docs.Get(ctx, Collection, sessionID, &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	return &sess, nil
}

// Sessions lists the audit log, oldest first.
func (o *Orchestrator) Sessions(ctx context.Context) ([]*Session, error) {
	var out []*Session
	if err := o.docs.Query(ctx, Collection, store.Query{OrderBy: "started_at"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveConflict applies a resolution strategy to a flagged record. For
// remote_wins the stale local copy must be replaced with the authority's
// payload, but the pull cursor has already moved past the remote version, so
// the cursor is rewound below it and a re-pull is queued under the resolving
// connection's user and quality. The pending local edit is released first so
// the re-pulled record applies as a fast-forward instead of re-diverging.
func (o *Orchestrator) ResolveConflict(ctx context.Context, connectionID, collection, recordID string, strategy replica.Strategy, mergedData []byte) (*replica.Record, error) {
	rec, err := o.replicas.Resolve(ctx, collection, recordID, strategy, mergedData)
	if err != nil {
		return nil, err
	}
	if strategy != replica.StrategyRemoteWins {
		return rec, nil
	}

	if acker, ok := o.source.(PushAcker); ok {
		if localVersion, err := o.source.LocalVersion(ctx, collection, recordID); err == nil {
			if err := acker.AckPush(ctx, collection, recordID, localVersion); err != nil {
				o.logger.Warn("releasing local edit failed",
					log.String("collection", collection),
					log.String("record_id", recordID),
					log.Error(err))
			}
		}
	}

	if since, err := o.cursor(ctx, collection); err == nil && since >= rec.RemoteVersion {
		if err := o.saveCursor(ctx, collection, rec.RemoteVersion-1); err != nil {
			o.logger.Warn("rewinding pull cursor failed", log.String("collection", collection), log.Error(err))
		}
	}

	att := retry.Attempt{Collection: collection, Action: retry.ActionPull, Quality: connection.QualityWifi}
	if conn, err := o.conns.Get(connectionID); err == nil {
		att.UserID = conn.UserID
		if q := o.conns.Quality(connectionID); q != connection.QualityOffline {
			att.Quality = q
		}
	}
	if _, err := o.retries.Add(ctx, att); err != nil {
		o.logger.Error("scheduling re-pull failed", log.String("collection", collection), log.Error(err))
	}
	return rec, nil
}

// tally accumulates session counters across concurrently running legs.
type tally struct {
	pushed    atomic.Int64
	pulled    atomic.Int64
	conflicts atomic.Int64
	errs      atomic.Int64
	bytes     atomic.Int64
}

func (t *tally) stats() Stats {
	return Stats{
		RecordsPushed:    t.pushed.Load(),
		RecordsPulled:    t.pulled.Load(),
		Conflicts:        t.conflicts.Load(),
		Errors:           t.errs.Load(),
		BytesTransferred: t.bytes.Load(),
	}
}

// Run drives one complete pass on a connection: drain due retries, plan the
// pass from connection quality, then move batches collection by collection
// in the scheduler's priority order. Per-record failures are routed to the
// retry queue and never abort the pass; only context cancellation stops it
// early, and even then the session is completed with whatever the counters
// hold at that point.
func (o *Orchestrator) Run(ctx context.Context, connectionID string, direction Direction) (*Session, error) {
	conn, err := o.conns.Get(connectionID)
	if err != nil {
		return nil, err
	}

	o.processDue(ctx)

	quality := o.conns.Quality(connectionID)
	plan := o.sched.Plan(quality)
	if plan.Empty() {
		for _, rule := range o.sched.Rules() {
			if err := o.refreshIndicator(ctx, rule.Collection, true); err != nil {
				o.logger.Warn("indicator refresh failed", log.String("component", rule.Collection), log.Error(err))
			}
		}
		return nil, ErrOffline
	}

	sess, err := o.StartSession(ctx, connectionID, direction, quality)
	if err != nil {
		return nil, err
	}

	for _, c := range plan.Collections {
		if err := o.SetIndicator(ctx, Indicator{Component: c, Status: IndicatorSyncing}); err != nil {
			o.logger.Warn("indicator update failed", log.String("component", c), log.Error(err))
		}
	}

	counters := &tally{}
	g, legCtx := errgroup.WithContext(ctx)
	if direction == DirectionPush || direction == DirectionBidirectional {
		g.Go(func() error {
			for _, c := range plan.Collections {
				if err := o.pushCollection(legCtx, plan, conn.UserID, c, counters); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if direction == DirectionPull || direction == DirectionBidirectional {
		g.Go(func() error {
			for _, c := range plan.Collections {
				if err := o.pullCollection(legCtx, plan, conn.UserID, c, counters); err != nil {
					return err
				}
			}
			return nil
		})
	}
	runErr := g.Wait()

	// Completion and indicator refresh still run after cancellation; the
	// audit log records the partial counters.
	doneCtx := context.WithoutCancel(ctx)
	sess, err = o.CompleteSession(doneCtx, sess.SessionID, counters.stats())
	if err != nil {
		return nil, err
	}
	for _, c := range plan.Collections {
		if err := o.refreshIndicator(doneCtx, c, false); err != nil {
			o.logger.Warn("indicator refresh failed", log.String("component", c), log.Error(err))
		}
	}
	return sess, runErr
}

// pushCollection sends locally changed records upstream and records the
// authority's resulting versions for conflict detection.
func (o *Orchestrator) pushCollection(ctx context.Context, plan scheduler.Plan, userID, collection string, counters *tally) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	changed, err := o.source.Changed(ctx, collection)
	if err != nil {
		o.logger.Warn("listing changed records failed", log.String("collection", collection), log.Error(err))
		counters.errs.Add(1)
		return nil
	}

	batch := transport.Batch{Collection: collection, DeltaOnly: plan.DeltaOnly}
	for _, rec := range changed {
		if !o.eligible(userID, collection, rec.Payload) {
			continue
		}
		rec.Checksum = checksum.Digest(rec.Payload)
		batch.Records = append(batch.Records, rec)
		if plan.BatchSize > 0 && len(batch.Records) >= plan.BatchSize {
			break
		}
	}
	if len(batch.Records) == 0 {
		return nil
	}

	result, err := o.link.Push(ctx, batch, plan.Compression)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("push failed, queueing retries",
			log.String("collection", collection),
			log.Int("records", len(batch.Records)),
			log.Error(err))
		for _, rec := range batch.Records {
			o.queueRetry(ctx, collection, retry.ActionPush, &rec, plan, userID, counters)
		}
		return nil
	}

	counters.bytes.Add(int64(result.Bytes))
	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		remoteVersion, ok := result.RemoteVersions[rec.RecordID]
		if !ok {
			remoteVersion = rec.Version
		}
		state, err := o.replicas.RecordChange(ctx, collection, rec.RecordID, replica.VectorClock(rec.Clock), rec.Version, remoteVersion)
		if err != nil {
			o.logger.Warn("recording pushed change failed",
				log.String("collection", collection),
				log.String("record_id", rec.RecordID),
				log.Error(err))
			counters.errs.Add(1)
			continue
		}
		if state.ConflictDetected {
			counters.conflicts.Add(1)
			continue
		}
		counters.pushed.Add(1)
		if acker, ok := o.source.(PushAcker); ok {
			if err := acker.AckPush(ctx, collection, rec.RecordID, rec.Version); err != nil {
				o.logger.Warn("acknowledging push failed",
					log.String("collection", collection),
					log.String("record_id", rec.RecordID),
					log.Error(err))
			}
		}
	}
	return nil
}

// pullCollection fetches remote changes past the stored watermark, runs each
// record through checksum verification and conflict detection, and applies
// the clean ones.
func (o *Orchestrator) pullCollection(ctx context.Context, plan scheduler.Plan, userID, collection string, counters *tally) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	since, err := o.cursor(ctx, collection)
	if err != nil {
		counters.errs.Add(1)
		return nil
	}

	batch, err := o.link.Pull(ctx, transport.PullRequest{
		Collection:   collection,
		SinceVersion: since,
		Limit:        plan.BatchSize,
		DeltaOnly:    plan.DeltaOnly,
	}, plan.Compression)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("pull failed, queueing retry", log.String("collection", collection), log.Error(err))
		o.queueRetry(ctx, collection, retry.ActionPull, nil, plan, userID, counters)
		return nil
	}

	// Records with a local edit still awaiting a push. A remote change to
	// one of these is a divergence; a remote change to anything else is a
	// plain fast-forward.
	dirty := make(map[string]int64)
	if changed, err := o.source.Changed(ctx, collection); err == nil {
		for _, rec := range changed {
			dirty[rec.RecordID] = rec.Version
		}
	}

	// Batches arrive in version order. Once a record cannot be delivered the
	// cursor must not move past it, so mark stops advancing for the rest of
	// the batch; later records still apply and are echo-skipped on the
	// re-pull.
	watermark := since
	advance := true
	mark := func(version int64) {
		if advance && version > watermark {
			watermark = version
		}
	}
	for _, rec := range batch.Records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.eligible(userID, collection, rec.Payload) {
			mark(rec.Version)
			continue
		}
		if rec.Checksum != "" {
			sum, err := o.verifier.Verify(ctx, collection, rec.RecordID, rec.Version, rec.Payload)
			if err != nil {
				counters.errs.Add(1)
				advance = false
				continue
			}
			if sum.Mismatch {
				// Corruption, not a version conflict. The cursor stays
				// behind this record so the next pass re-pulls it.
				counters.errs.Add(1)
				advance = false
				o.queueRetry(ctx, collection, retry.ActionPull, nil, plan, userID, nil)
				continue
			}
		}

		localVersion, err := o.source.LocalVersion(ctx, collection, rec.RecordID)
		if err != nil {
			counters.errs.Add(1)
			advance = false
			continue
		}
		if localVersion == rec.Version {
			// Already in sync, typically the echo of our own push.
			mark(rec.Version)
			continue
		}
		if _, pending := dirty[rec.RecordID]; pending {
			state, err := o.replicas.RecordChange(ctx, collection, rec.RecordID, replica.VectorClock(rec.Clock), localVersion, rec.Version)
			if err != nil {
				counters.errs.Add(1)
				advance = false
				continue
			}
			if state.ConflictDetected {
				counters.conflicts.Add(1)
				mark(rec.Version)
				continue
			}
		}

		if err := o.source.Apply(ctx, collection, rec); err != nil {
			o.logger.Warn("applying pulled record failed",
				log.String("collection", collection),
				log.String("record_id", rec.RecordID),
				log.Error(err))
			o.queueRetry(ctx, collection, retry.ActionPull, &rec, plan, userID, counters)
			continue
		}
		if _, err := o.replicas.RecordChange(ctx, collection, rec.RecordID, replica.VectorClock(rec.Clock), rec.Version, rec.Version); err != nil {
			o.logger.Warn("recording pulled change failed",
				log.String("collection", collection),
				log.String("record_id", rec.RecordID),
				log.Error(err))
		}
		counters.pulled.Add(1)
		counters.bytes.Add(int64(len(rec.Payload)))
		mark(rec.Version)
	}

	if watermark > since {
		if err := o.saveCursor(ctx, collection, watermark); err != nil {
			o.logger.Warn("saving pull cursor failed", log.String("collection", collection), log.Error(err))
		}
	}
	return nil
}

// queueRetry routes one failed operation to the retry queue, carrying the
// user and quality it failed under so the replay runs with the same filter
// rules and bandwidth profile. counters may be nil when the failure was
// already counted by the caller.
func (o *Orchestrator) queueRetry(ctx context.Context, collection string, action retry.Action, rec *transport.Record, plan scheduler.Plan, userID string, counters *tally) {
	var payload []byte
	if rec != nil {
		payload, _ = json.Marshal(rec)
	}
	att := retry.Attempt{
		Collection: collection,
		Action:     action,
		Payload:    payload,
		MaxRetries: plan.MaxRetries,
		UserID:     userID,
		Quality:    plan.Quality,
	}
	if _, err := o.retries.Add(ctx, att); err != nil {
		o.logger.Error("enqueueing retry failed", log.String("collection", collection), log.Error(err))
	}
	if counters != nil {
		counters.errs.Add(1)
	}
}

// processDue replays retry operations whose backoff has elapsed. Successes
// leave the queue; failures advance the backoff, eventually to exhaustion.
func (o *Orchestrator) processDue(ctx context.Context) {
	due, err := o.retries.Due(ctx, time.Now())
	if err != nil {
		o.logger.Warn("listing due retries failed", log.Error(err))
		return
	}
	for _, op := range due {
		if ctx.Err() != nil {
			return
		}
		if err := o.replay(ctx, op); err != nil {
			if _, rerr := o.retries.Retry(ctx, op.OperationID, err); rerr != nil {
				o.logger.Warn("advancing retry failed", log.String("operation_id", op.OperationID), log.Error(rerr))
			}
			continue
		}
		if _, err := o.retries.Succeed(ctx, op.OperationID); err != nil {
			o.logger.Warn("marking retry succeeded failed", log.String("operation_id", op.OperationID), log.Error(err))
		}
	}
}

// replay re-executes one queued operation against the transport.
func (o *Orchestrator) replay(ctx context.Context, op *retry.Operation) error {
	switch op.Action {
	case retry.ActionPush:
		var rec transport.Record
		if err := json.Unmarshal(op.Payload, &rec); err != nil {
			return fmt.Errorf("decode queued record: %w", err)
		}
		result, err := o.link.Push(ctx, transport.Batch{
			Collection: op.Collection,
			Records:    []transport.Record{rec},
		}, false)
		if err != nil {
			return err
		}
		remoteVersion, ok := result.RemoteVersions[rec.RecordID]
		if !ok {
			remoteVersion = rec.Version
		}
		_, err = o.replicas.RecordChange(ctx, op.Collection, rec.RecordID, replica.VectorClock(rec.Clock), rec.Version, remoteVersion)
		return err
	case retry.ActionPull:
		if len(op.Payload) > 0 {
			var rec transport.Record
			if err := json.Unmarshal(op.Payload, &rec); err != nil {
				return fmt.Errorf("decode queued record: %w", err)
			}
			return o.source.Apply(ctx, op.Collection, rec)
		}
		quality := op.Quality
		if quality == "" {
			quality = connection.QualityWifi
		}
		if quality == connection.QualityOffline {
			return ErrOffline
		}
		plan := o.sched.Plan(quality)
		discard := &tally{}
		return o.pullCollection(ctx, plan, op.UserID, op.Collection, discard)
	default:
		return fmt.Errorf("unknown retry action %q", op.Action)
	}
}

// eligible applies the selective-sync filter to a record payload. Payloads
// that are not JSON objects are always eligible.
func (o *Orchestrator) eligible(userID, collection string, payload json.RawMessage) bool {
	if len(payload) == 0 {
		return true
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return true
	}
	return o.filter.Eligible(userID, collection, doc)
}
