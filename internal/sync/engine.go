// Package sync provides the sync orchestrator: it pushes the pending change
// log to the remote replica, pulls remote changes since the last checkpoint
// and applies them to the local store.
package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/sync/conflict"
	"github.com/kimhsiao/cartsync/internal/sync/connectivity"
	"github.com/kimhsiao/cartsync/internal/sync/remote"
	"github.com/kimhsiao/cartsync/internal/sync/tracker"
)

// State is the step a sync attempt is in.
type State string

const (
	StateIdle                 State = "idle"
	StateCheckingConnectivity State = "checking_connectivity"
	StatePushing              State = "pushing"
	StatePulling              State = "pulling"
	StateApplying             State = "applying"
	StateCheckpointing        State = "checkpointing"
	StateAborted              State = "aborted"
)

// Config tunes a sync attempt.
type Config struct {
	// PullWhenIdle pulls even when there is nothing to push. When false an
	// empty pending set returns success without contacting the remote.
	PullWhenIdle bool
	PushTimeout  time.Duration
	PullTimeout  time.Duration
	// BatchSize splits the push into batches of at most this many records.
	// Zero pushes everything at once.
	BatchSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PullWhenIdle: true,
		PushTimeout:  30 * time.Second,
		PullTimeout:  30 * time.Second,
	}
}

// Engine orchestrates sync attempts. At most one attempt runs at a time.
type Engine struct {
	store    store.Store
	tracker  *tracker.Tracker
	oracle   connectivity.Oracle
	client   remote.Client
	resolver *conflict.Resolver
	cfg      Config
	now      func() time.Time

	guard *semaphore.Weighted

	mu       sync.RWMutex
	state    State
	lastSync time.Time
	lastErr  error
	handler  EventHandler
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the time source used for checkpoints.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithResolver sets the conflict resolver used while applying pulled changes.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// NewEngine creates a new Engine.
func NewEngine(st store.Store, tr *tracker.Tracker, oracle connectivity.Oracle, client remote.Client, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		tracker:  tr,
		oracle:   oracle,
		client:   client,
		resolver: conflict.NewResolver(conflict.DefaultPolicy()),
		cfg:      DefaultConfig(),
		now:      time.Now,
		guard:    semaphore.NewWeighted(1),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// State returns the current orchestrator state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastSync returns the checkpoint of the last successful sync in this process.
func (e *Engine) LastSync() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingChanges returns the number of pending changes to sync.
func (e *Engine) PendingChanges(ctx context.Context) (int, error) {
	pending, err := e.tracker.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// IsOnline reports whether the sync service is reachable.
func (e *Engine) IsOnline(ctx context.Context) bool {
	if e.oracle == nil {
		return false
	}
	return e.oracle.IsOnline(ctx)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler.OnSyncEvent(Event{Type: EventStateChanged, State: s, At: e.now().UTC()})
	}
}

func (e *Engine) emit(t EventType, outcome *models.SyncOutcome) {
	e.mu.RLock()
	handler, state := e.handler, e.state
	e.mu.RUnlock()

	if handler != nil {
		handler.OnSyncEvent(Event{Type: t, State: state, Outcome: outcome, At: outcome.Timestamp})
	}
}

// SyncWithServer runs one sync attempt: check connectivity, push pending
// changes, pull remote changes since the checkpoint, then apply them, mark
// the acknowledged records synced and advance the checkpoint in a single
// store update. Failures are reported in the outcome, never returned.
func (e *Engine) SyncWithServer(ctx context.Context) *models.SyncOutcome {
	start := e.now()
	if !e.guard.TryAcquire(1) {
		logging.Warn("Sync requested while another sync is running")
		return &models.SyncOutcome{
			Error:     "sync already in progress",
			Code:      string(apperrors.ErrSyncInProgress),
			Timestamp: start.UTC(),
		}
	}
	defer e.guard.Release(1)

	outcome, err := e.run(ctx)
	outcome.Timestamp = e.now().UTC()
	outcome.Duration = outcome.Timestamp.Sub(start.UTC())

	if err != nil {
		appErr := classify(err)
		outcome.Success = false
		outcome.Code = string(appErr.Code)
		outcome.Error = describe(appErr)

		e.mu.Lock()
		e.lastErr = appErr
		e.mu.Unlock()
		e.setState(StateAborted)

		logging.ErrorWithCode("Sync aborted", outcome.Code, appErr.Err,
			map[string]interface{}{
				"error":    outcome.Error,
				"pushed":   outcome.Pushed,
				"duration": outcome.Duration.String(),
			})
		e.emit(EventFailed, outcome)
		return outcome
	}

	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()
	e.setState(StateIdle)

	logging.Info("Sync completed",
		map[string]interface{}{
			"synced_change_count": outcome.SyncedChangeCount,
			"pushed":              outcome.Pushed,
			"pulled":              outcome.Pulled,
			"applied":             outcome.Applied,
			"rejected":            len(outcome.Rejected),
			"conflicts":           len(outcome.Conflicts),
			"duration":            outcome.Duration.String(),
		})
	e.emit(EventCompleted, outcome)
	return outcome
}

func (e *Engine) run(ctx context.Context) (*models.SyncOutcome, error) {
	outcome := &models.SyncOutcome{}

	e.setState(StateCheckingConnectivity)
	if !e.IsOnline(ctx) {
		return outcome, apperrors.New(apperrors.ErrOffline, "offline")
	}

	pending, err := e.tracker.Pending(ctx)
	if err != nil {
		return outcome, err
	}
	if len(pending) == 0 && !e.cfg.PullWhenIdle {
		outcome.Success = true
		return outcome, nil
	}

	e.setState(StatePushing)
	acked, err := e.push(ctx, pending, outcome)
	if err != nil {
		e.markPartial(ctx, acked)
		return outcome, err
	}

	var since time.Time
	err = e.store.View(ctx, func(tx store.Tx) error {
		meta, err := tx.Metadata()
		if err != nil {
			return err
		}
		since = meta.LastSyncCheckpoint
		return nil
	})
	if err != nil {
		return outcome, err
	}

	// Taken before the pull, so records the remote commits while the pull is
	// in flight fall after the checkpoint and are fetched again next time.
	pullStarted := e.now()
	e.setState(StatePulling)
	pulled, err := e.pull(ctx, since)
	if err != nil {
		e.markPartial(ctx, acked)
		return outcome, err
	}
	outcome.Pulled = len(pulled)

	e.setState(StateApplying)
	var (
		flipped    int
		checkpoint time.Time
		result     *applyResult
	)
	err = e.store.Update(ctx, func(tx store.Tx) error {
		a, err := newApplier(tx, e.resolver, e.tracker, e.now().UTC())
		if err != nil {
			return err
		}
		result, err = a.applyAll(pulled)
		if err != nil {
			return err
		}

		e.setState(StateCheckpointing)
		flipped, err = tx.MarkSynced(acked)
		if err != nil {
			return err
		}
		meta, err := tx.Metadata()
		if err != nil {
			return err
		}
		checkpoint = meta.Advance(pullStarted)
		if result.applied > 0 {
			meta.DataVersion++
		}
		return tx.PutMetadata(meta)
	})
	if err != nil {
		return outcome, err
	}

	outcome.Success = true
	outcome.Applied = result.applied
	outcome.Rejected = result.rejected
	outcome.Conflicts = result.conflicts
	outcome.SyncedChangeCount = flipped + result.accepted

	e.mu.Lock()
	e.lastSync = checkpoint
	e.mu.Unlock()
	return outcome, nil
}

// push sends pending records in batches and returns the acknowledged ids.
// On failure it returns the ids acknowledged by the batches that succeeded.
func (e *Engine) push(ctx context.Context, pending []*models.ChangeRecord, outcome *models.SyncOutcome) ([]string, error) {
	var acked []string
	for _, batch := range batches(pending, e.cfg.BatchSize) {
		result, err := e.pushBatch(ctx, batch)
		if err != nil {
			return acked, err
		}
		outcome.Pushed += len(batch)

		inBatch := make(map[string]bool, len(batch))
		for _, rec := range batch {
			inBatch[rec.ID] = true
		}
		ids := result.AckedIDs()
		if ids == nil {
			for _, rec := range batch {
				acked = append(acked, rec.ID)
			}
			continue
		}
		for _, id := range ids {
			if inBatch[id] {
				acked = append(acked, id)
			}
		}
	}
	return acked, nil
}

func (e *Engine) pushBatch(ctx context.Context, batch []*models.ChangeRecord) (*remote.PushResult, error) {
	ctx, cancel := withTimeout(ctx, e.cfg.PushTimeout)
	defer cancel()

	result, err := e.client.Push(ctx, batch)
	if err != nil {
		return nil, remoteError("push failed", err)
	}
	if result == nil {
		result = &remote.PushResult{}
	}
	return result, nil
}

func (e *Engine) pull(ctx context.Context, since time.Time) ([]*models.ChangeRecord, error) {
	ctx, cancel := withTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()

	pulled, err := e.client.Pull(ctx, since)
	if err != nil {
		return nil, remoteError("pull failed", err)
	}
	return pulled, nil
}

// remoteError leaves coded and deadline errors for classify and treats
// anything else from the remote client as a network failure.
func remoteError(message string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Network(message, err)
}

// markPartial records acknowledgements from batches that succeeded before a
// later step failed, so they are not pushed again.
func (e *Engine) markPartial(ctx context.Context, acked []string) {
	if len(acked) == 0 {
		return
	}
	if _, err := e.tracker.MarkSynced(context.WithoutCancel(ctx), acked); err != nil {
		logging.Error("Failed to mark acknowledged changes", err,
			map[string]interface{}{"count": len(acked)})
	}
}

func batches(records []*models.ChangeRecord, size int) [][]*models.ChangeRecord {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || size >= len(records) {
		return [][]*models.ChangeRecord{records}
	}
	var out [][]*models.ChangeRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classify maps an attempt error onto an AppError. Expired deadlines are
// timeouts whatever layer reported them.
func classify(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	switch {
	case apperrors.Is(err, apperrors.ErrSyncTimeout):
		if stderrors.As(err, &appErr) && appErr.Code == apperrors.ErrSyncTimeout {
			return appErr
		}
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync timed out", err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "sync timed out", err)
	case stderrors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.ErrSyncFailed, "sync canceled", err)
	case stderrors.As(err, &appErr):
		return appErr
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, "sync failed", err)
}

func describe(err *apperrors.AppError) string {
	if err.Err != nil {
		return fmt.Sprintf("%s: %v", err.Message, err.Err)
	}
	return err.Message
}

var _ Syncer = (*Engine)(nil)
