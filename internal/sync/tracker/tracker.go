// Package tracker records one change per local mutation in the change log.
package tracker

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

// ItemPayload is the payload of an item change: the item and the list that owns it.
type ItemPayload struct {
	ListID string
	Item   *models.ShoppingItem
}

// Tracker appends change records and reads the pending set. The log is
// append-only; records are marked synced, never removed.
type Tracker struct {
	store store.Store
	ids   uuid.Generator
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDs sets the change id generator.
func WithIDs(gen uuid.Generator) Option {
	return func(t *Tracker) { t.ids = gen }
}

// WithClock sets the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker over st.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{store: st, ids: uuid.New, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends a change inside tx, so it commits with the entity write it
// describes. payload is a *models.ShoppingList for list changes and an
// ItemPayload for item changes; delete payloads carry the prior snapshot.
// Each record also bumps the metadata data version.
func (t *Tracker) Record(tx store.Tx, kind models.ChangeKind, entityKind models.EntityKind, payload interface{}) (*models.ChangeRecord, error) {
	at := t.now().UTC()

	var rec *models.ChangeRecord
	var err error
	switch entityKind {
	case models.EntityList:
		list, ok := payload.(*models.ShoppingList)
		if !ok || list == nil {
			return nil, apperrors.Validation("list change needs a list payload, got %T", payload)
		}
		rec, err = models.NewListChange(t.ids(), kind, list, at)
	case models.EntityItem:
		p, ok := payload.(ItemPayload)
		if !ok || p.Item == nil {
			return nil, apperrors.Validation("item change needs an item payload, got %T", payload)
		}
		rec, err = models.NewItemChange(t.ids(), kind, p.ListID, p.Item, at)
	default:
		return nil, apperrors.Validation("unknown entity kind %q", entityKind)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to build change record", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if err := tx.AppendChange(rec); err != nil {
		return nil, err
	}

	meta, err := tx.Metadata()
	if err != nil {
		return nil, err
	}
	meta.DataVersion++
	if err := tx.PutMetadata(meta); err != nil {
		return nil, err
	}
	return rec, nil
}

// Pending returns unsynced records in insertion order.
func (t *Tracker) Pending(ctx context.Context) ([]*models.ChangeRecord, error) {
	var pending []*models.ChangeRecord
	err := t.store.View(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.Changes(true)
		return err
	})
	return pending, err
}

// All returns the whole change log in insertion order.
func (t *Tracker) All(ctx context.Context) ([]*models.ChangeRecord, error) {
	var all []*models.ChangeRecord
	err := t.store.View(ctx, func(tx store.Tx) error {
		var err error
		all, err = tx.Changes(false)
		return err
	})
	return all, err
}

// MarkSynced flips the synced flag on ids in its own transaction and returns
// how many records changed. Already-synced and unknown ids are ignored.
func (t *Tracker) MarkSynced(ctx context.Context, ids []string) (int, error) {
	var flipped int
	err := t.store.Update(ctx, func(tx store.Tx) error {
		var err error
		flipped, err = tx.MarkSynced(ids)
		return err
	})
	return flipped, err
}
