package session

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/core/store"
)

// IndicatorCollection holds the status projection read by UI surfaces.
const IndicatorCollection = "status_indicators"

// IndicatorStatus is the user-facing sync state of one component.
type IndicatorStatus string

const (
	IndicatorSynced  IndicatorStatus = "synced"
	IndicatorSyncing IndicatorStatus = "syncing"
	IndicatorPending IndicatorStatus = "pending"
	IndicatorError   IndicatorStatus = "error"
	IndicatorOffline IndicatorStatus = "offline"
)

// Indicator is a read-mostly projection for one synced component, keyed by
// the collection it covers. Recomputed after every session.
type Indicator struct {
	Component      string          `json:"component"`
	LastSyncAt     time.Time       `json:"last_sync_at,omitempty"`
	PendingChanges int             `json:"pending_changes"`
	Status         IndicatorStatus `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// SetIndicator writes the projection for one component.
func (o *Orchestrator) SetIndicator(ctx context.Context, ind Indicator) error {
	return store.Upsert(ctx, o.docs, IndicatorCollection, ind.Component, ind)
}

// Indicator returns the projection for one component, or a zero-value
// pending indicator when none has been written yet.
func (o *Orchestrator) Indicator(ctx context.Context, component string) (*Indicator, error) {
	var ind Indicator
	if err := o.docs.Get(ctx, IndicatorCollection, component, &ind); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Indicator{Component: component, Status: IndicatorPending}, nil
		}
		return nil, err
	}
	return &ind, nil
}

// Indicators lists every written projection ordered by component.
func (o *Orchestrator) Indicators(ctx context.Context) ([]*Indicator, error) {
	var out []*Indicator
	if err := o.docs.Query(ctx, IndicatorCollection, store.Query{OrderBy: "component"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// refreshIndicator recomputes one component's projection from the retry
// queue and the supplied quality. Exhausted retries dominate, then pending
// work, then synced.
func (o *Orchestrator) refreshIndicator(ctx context.Context, component string, offline bool) error {
	ind := Indicator{Component: component}

	prev, err := o.Indicator(ctx, component)
	if err != nil {
		return err
	}
	ind.LastSyncAt = prev.LastSyncAt

	exhausted, err := o.retries.ExhaustedFor(ctx, component)
	if err != nil {
		return err
	}
	pending, err := o.retries.PendingFor(ctx, component)
	if err != nil {
		return err
	}
	ind.PendingChanges = pending

	switch {
	case len(exhausted) > 0:
		ind.Status = IndicatorError
		ind.ErrorMessage = exhausted[0].LastError
		if ind.ErrorMessage == "" {
			ind.ErrorMessage = "sync retries exhausted"
		}
	case offline:
		ind.Status = IndicatorOffline
	case pending > 0:
		ind.Status = IndicatorPending
	default:
		ind.Status = IndicatorSynced
		ind.LastSyncAt = time.Now()
	}
	return o.SetIndicator(ctx, ind)
}
