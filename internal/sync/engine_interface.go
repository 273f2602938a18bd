// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/cartsync/internal/models"
)

// Syncer defines the interface for sync engine operations.
// The scheduler and the binaries depend on it rather than on *Engine.
type Syncer interface {
	// SyncWithServer performs one sync attempt. It never returns an error;
	// failures are reported in the outcome.
	SyncWithServer(ctx context.Context) *models.SyncOutcome

	// IsOnline reports whether the sync service is reachable.
	IsOnline(ctx context.Context) bool

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler EventHandler)

	// State returns the current orchestrator state.
	State() State

	// LastSync returns the checkpoint written by the last successful attempt,
	// or the zero time if none succeeded in this process.
	LastSync() time.Time

	// LastError returns the error of the last failed attempt, cleared on success.
	LastError() error

	// PendingChanges returns the number of unsynced change records.
	PendingChanges(ctx context.Context) (int, error)
}

// EventType names a sync notification.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Event is delivered to the EventHandler during and after sync attempts.
type Event struct {
	Type    EventType
	State   State
	Outcome *models.SyncOutcome // set for completed and failed
	At      time.Time
}

// EventHandler receives sync events. It is called synchronously from the
// sync goroutine, sometimes inside a store transaction, so it must not call
// back into the engine or the store.
type EventHandler interface {
	OnSyncEvent(event Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(event Event)

// OnSyncEvent implements EventHandler.
func (f EventHandlerFunc) OnSyncEvent(event Event) {
	f(event)
}
