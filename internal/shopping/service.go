// Package shopping is the local mutation API over shopping lists. Every
// mutation writes the entity and its change record in one store update.
package shopping

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/sync/tracker"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

// Service mutates lists and items. Store errors are returned, never swallowed.
type Service struct {
	store   store.Store
	tracker *tracker.Tracker
	ids     uuid.Generator
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the generator for new list and item ids.
func WithIDs(gen uuid.Generator) Option {
	return func(s *Service) { s.ids = gen }
}

// WithClock sets the time source for entity timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(st store.Store, tr *tracker.Tracker, opts ...Option) *Service {
	s := &Service{store: st, tracker: tr, ids: uuid.New, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveList creates or replaces a list. On success list is updated in place
// with what was stored: missing ids and timestamps are filled, LastModified
// is set to now and Version is bumped past the stored one. Ids of deleted
// lists and items cannot be saved again.
func (s *Service) SaveList(ctx context.Context, list *models.ShoppingList) error {
	if list == nil {
		return apperrors.Validation("list is required")
	}
	now := s.now().UTC()
	saved := list.Clone()
	if saved.ID == "" {
		saved.ID = s.ids()
	}
	for idx := range saved.Items {
		s.stampNewItem(&saved.Items[idx], now)
	}

	var rec *models.ChangeRecord
	err := s.store.Update(ctx, func(tx store.Tx) error {
		kind := models.ChangeCreate
		existing, err := tx.GetList(saved.ID)
		switch {
		case err == nil:
			kind = models.ChangeUpdate
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = existing.CreatedAt
			}
			if saved.Version < existing.Version {
				saved.Version = existing.Version
			}
		case apperrors.Is(err, apperrors.ErrNotFound):
			if err := checkNotTombstoned(tx, models.EntityList, saved.ID); err != nil {
				return err
			}
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = now
			}
		default:
			return err
		}
		for _, item := range saved.Items {
			if existing != nil && existing.FindItem(item.ID) >= 0 {
				continue
			}
			if err := checkNotTombstoned(tx, models.EntityItem, item.ID); err != nil {
				return err
			}
		}
		saved.Touch(now)

		if err := saved.Validate(); err != nil {
			return err
		}
		if err := tx.PutList(saved); err != nil {
			return err
		}
		rec, err = s.tracker.Record(tx, kind, models.EntityList, saved)
		return err
	})
	if err != nil {
		return err
	}
	*list = *saved

	logging.Debug("List saved", map[string]interface{}{
		"list_id":   saved.ID,
		"change_id": rec.ID,
		"kind":      string(rec.Kind),
		"items":     len(saved.Items),
	})
	return nil
}

// DeleteList removes a list. The change log keeps a delete record carrying
// the prior list so the removal propagates.
func (s *Service) DeleteList(ctx context.Context, id string) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		prior, err := tx.GetList(id)
		if err != nil {
			return err
		}
		if err := tx.DeleteList(id); err != nil {
			return err
		}
		_, err = s.tracker.Record(tx, models.ChangeDelete, models.EntityList, prior)
		return err
	})
	if err != nil {
		return err
	}

	logging.Debug("List deleted", map[string]interface{}{"list_id": id})
	return nil
}

// AddItemToList appends a new item to a list. On success item is stamped
// in place. Adding an id already on the list, or one that was deleted, is a
// validation error.
func (s *Service) AddItemToList(ctx context.Context, listID string, item *models.ShoppingItem) error {
	if item == nil {
		return apperrors.Validation("item is required")
	}
	now := s.now().UTC()
	added := *item
	explicitID := added.ID != ""
	if !explicitID {
		added.ID = s.ids()
	}
	added.AddedAt = now
	added.LastModified = now
	if added.Version < 1 {
		added.Version = 1
	}
	if err := added.Validate(); err != nil {
		return err
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(listID)
		if err != nil {
			return err
		}
		if list.FindItem(added.ID) >= 0 {
			return apperrors.Validation("list %q already has item %q", listID, added.ID)
		}
		if explicitID {
			if err := checkNotTombstoned(tx, models.EntityItem, added.ID); err != nil {
				return err
			}
		}
		list.UpsertItem(added)
		list.Touch(now)
		if err := tx.PutList(list); err != nil {
			return err
		}
		_, err = s.tracker.Record(tx, models.ChangeCreate, models.EntityItem, tracker.ItemPayload{ListID: listID, Item: &added})
		return err
	})
	if err != nil {
		return err
	}
	*item = added

	logging.Debug("Item added", map[string]interface{}{"list_id": listID, "item_id": item.ID})
	return nil
}

// UpdateItem replaces an item already on a list, keeping its position and
// AddedAt. On success item is stamped in place.
func (s *Service) UpdateItem(ctx context.Context, listID string, item *models.ShoppingItem) error {
	if item == nil {
		return apperrors.Validation("item is required")
	}
	now := s.now().UTC()
	updated := *item

	err := s.store.Update(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(listID)
		if err != nil {
			return err
		}
		idx := list.FindItem(updated.ID)
		if idx < 0 {
			return apperrors.NotFound("item", updated.ID)
		}
		existing := list.Items[idx]
		updated.AddedAt = existing.AddedAt
		if updated.Version < existing.Version {
			updated.Version = existing.Version
		}
		updated.Touch(now)
		if err := updated.Validate(); err != nil {
			return err
		}

		list.Items[idx] = updated
		list.Touch(now)
		if err := tx.PutList(list); err != nil {
			return err
		}
		_, err = s.tracker.Record(tx, models.ChangeUpdate, models.EntityItem, tracker.ItemPayload{ListID: listID, Item: &updated})
		return err
	})
	if err != nil {
		return err
	}
	*item = updated

	logging.Debug("Item updated", map[string]interface{}{"list_id": listID, "item_id": item.ID})
	return nil
}

// RemoveItemFromList drops an item. The delete record carries the prior item.
func (s *Service) RemoveItemFromList(ctx context.Context, listID, itemID string) error {
	now := s.now().UTC()

	err := s.store.Update(ctx, func(tx store.Tx) error {
		list, err := tx.GetList(listID)
		if err != nil {
			return err
		}
		prior, ok := list.RemoveItem(itemID)
		if !ok {
			return apperrors.NotFound("item", itemID)
		}
		list.Touch(now)
		if err := tx.PutList(list); err != nil {
			return err
		}
		_, err = s.tracker.Record(tx, models.ChangeDelete, models.EntityItem, tracker.ItemPayload{ListID: listID, Item: &prior})
		return err
	})
	if err != nil {
		return err
	}

	logging.Debug("Item removed", map[string]interface{}{"list_id": listID, "item_id": itemID})
	return nil
}

// GetList returns one list or NOT_FOUND.
func (s *Service) GetList(ctx context.Context, id string) (*models.ShoppingList, error) {
	var list *models.ShoppingList
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.GetList(id)
		return err
	})
	return list, err
}

// Lists returns every list in creation order.
func (s *Service) Lists(ctx context.Context) ([]*models.ShoppingList, error) {
	var lists []*models.ShoppingList
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		lists, err = tx.AllLists()
		return err
	})
	return lists, err
}

func checkNotTombstoned(tx store.Tx, kind models.EntityKind, id string) error {
	gone, err := tx.Tombstoned(kind, id)
	if err != nil {
		return err
	}
	if gone {
		return apperrors.Validation("%s %q was deleted; ids are not reused", kind, id)
	}
	return nil
}

func (s *Service) stampNewItem(item *models.ShoppingItem, now time.Time) {
	if item.ID == "" {
		item.ID = s.ids()
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = now
	}
	if item.LastModified.IsZero() {
		item.LastModified = now
	}
	if item.Version < 1 {
		item.Version = 1
	}
}
