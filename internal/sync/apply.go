package sync

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/sync/conflict"
	"github.com/kimhsiao/cartsync/internal/sync/tracker"
)

type entityKey struct {
	kind models.EntityKind
	id   string
}

// applier applies pulled records inside one store transaction.
type applier struct {
	tx       store.Tx
	resolver *conflict.Resolver
	tracker  *tracker.Tracker
	now      time.Time

	// localIDs holds every record id in the local log; pulled records with
	// one of these ids are our own pushes coming back.
	localIDs map[string]bool
	// tombstones holds entities with a delete in the local log. They are
	// never recreated.
	tombstones map[entityKey]bool
	// pending holds the latest unsynced local record per entity.
	pending map[entityKey]*models.ChangeRecord
}

type applyResult struct {
	accepted  int // valid, non-echo records
	applied   int // records that changed the store
	rejected  []string
	conflicts []models.Conflict
}

func newApplier(tx store.Tx, resolver *conflict.Resolver, tr *tracker.Tracker, now time.Time) (*applier, error) {
	log, err := tx.Changes(false)
	if err != nil {
		return nil, err
	}
	a := &applier{
		tx:         tx,
		resolver:   resolver,
		tracker:    tr,
		now:        now,
		localIDs:   make(map[string]bool, len(log)),
		tombstones: make(map[entityKey]bool),
		pending:    make(map[entityKey]*models.ChangeRecord),
	}
	for _, rec := range log {
		a.localIDs[rec.ID] = true
		key := entityKey{rec.EntityKind, rec.TargetID()}
		if rec.Kind == models.ChangeDelete {
			a.tombstones[key] = true
		}
		if !rec.Synced {
			a.pending[key] = rec
		}
	}
	return a, nil
}

// applyAll applies pulled in order. Malformed records are rejected and the
// rest still apply; a store error aborts the whole transaction.
func (a *applier) applyAll(pulled []*models.ChangeRecord) (*applyResult, error) {
	result := &applyResult{}
	for i, rec := range pulled {
		if rec == nil {
			result.rejected = append(result.rejected, fmt.Sprintf("#%d", i))
			continue
		}
		if err := rec.Validate(); err != nil {
			id := rec.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			result.rejected = append(result.rejected, id)
			logging.Warn("Rejected pulled change",
				map[string]interface{}{"change_id": id, "error": err.Error()})
			continue
		}
		if a.localIDs[rec.ID] {
			continue
		}
		result.accepted++

		var (
			outcome conflict.Outcome
			c       *models.Conflict
			err     error
		)
		switch rec.EntityKind {
		case models.EntityList:
			outcome, c, err = a.applyList(rec)
		case models.EntityItem:
			outcome, c, err = a.applyItem(rec)
		}
		if err != nil {
			return nil, err
		}

		logging.Debug("Applied pulled change",
			map[string]interface{}{
				"change_id": rec.ID,
				"entity":    string(rec.EntityKind),
				"entity_id": rec.TargetID(),
				"kind":      string(rec.Kind),
				"outcome":   outcome.String(),
			})
		if outcome != conflict.Skipped {
			result.applied++
		}
		if c != nil {
			result.conflicts = append(result.conflicts, *c)
		}
	}
	return result, nil
}

func (a *applier) applyList(rec *models.ChangeRecord) (conflict.Outcome, *models.Conflict, error) {
	id := rec.TargetID()
	key := entityKey{models.EntityList, id}
	current, err := a.getList(id)
	if err != nil {
		return conflict.Skipped, nil, err
	}

	local := a.pending[key]
	if local == nil {
		if a.tombstones[key] {
			return conflict.Skipped, nil, nil
		}
		if rec.Kind == models.ChangeDelete {
			if err := a.tombstone(rec); err != nil {
				return conflict.Skipped, nil, err
			}
			if current == nil {
				return conflict.Skipped, nil, nil
			}
			return conflict.Applied, nil, a.tx.DeleteList(id)
		}
		incoming, err := rec.List()
		if err != nil {
			return conflict.Skipped, nil, err
		}
		return conflict.Applied, nil, a.putList(incoming)
	}

	d, err := a.resolver.ResolveList(local, rec, current)
	if err != nil {
		return conflict.Skipped, nil, err
	}
	var resolved interface{}
	switch d.Action {
	case conflict.Write:
		if err := a.putList(d.List); err != nil {
			return conflict.Skipped, nil, err
		}
		resolved = d.List
		if d.Resolution == models.ResolutionMerged {
			if err := a.record(key, d.List); err != nil {
				return conflict.Skipped, nil, err
			}
		}
	case conflict.Delete:
		if err := a.tx.DeleteList(id); err != nil {
			return conflict.Skipped, nil, err
		}
		if err := a.tombstone(rec); err != nil {
			return conflict.Skipped, nil, err
		}
	case conflict.KeepLocal:
		if current != nil {
			resolved = current
			if err := a.record(key, current); err != nil {
				return conflict.Skipped, nil, err
			}
		}
	}
	c, err := a.conflict(local, rec, d.Resolution, resolved)
	return conflict.Conflicted, c, err
}

func (a *applier) applyItem(rec *models.ChangeRecord) (conflict.Outcome, *models.Conflict, error) {
	incoming, err := rec.Item()
	if err != nil {
		return conflict.Skipped, nil, err
	}
	key := entityKey{models.EntityItem, incoming.ID}

	listID := rec.ListID
	if listID == "" {
		owner, err := a.tx.ItemOwner(incoming.ID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return conflict.Skipped, nil, nil
		}
		if err != nil {
			return conflict.Skipped, nil, err
		}
		listID = owner
	}
	list, err := a.getList(listID)
	if err != nil || list == nil {
		return conflict.Skipped, nil, err
	}

	var current *models.ShoppingItem
	if idx := list.FindItem(incoming.ID); idx >= 0 {
		c := list.Items[idx]
		current = &c
	}

	local := a.pending[key]
	if local == nil {
		if a.tombstones[key] {
			return conflict.Skipped, nil, nil
		}
		if rec.Kind == models.ChangeDelete {
			if err := a.tombstone(rec); err != nil {
				return conflict.Skipped, nil, err
			}
			if current == nil {
				return conflict.Skipped, nil, nil
			}
			list.RemoveItem(incoming.ID)
			return conflict.Applied, nil, a.putItemList(list, rec.Timestamp)
		}
		list.UpsertItem(*incoming)
		return conflict.Applied, nil, a.putItemList(list, incoming.LastModified)
	}

	d, err := a.resolver.ResolveItem(local, rec, current)
	if err != nil {
		return conflict.Skipped, nil, err
	}
	var resolved interface{}
	switch d.Action {
	case conflict.Write:
		list.UpsertItem(*d.Item)
		if err := a.putItemList(list, d.Item.LastModified); err != nil {
			return conflict.Skipped, nil, err
		}
		resolved = d.Item
		if d.Resolution == models.ResolutionMerged {
			if err := a.record(key, tracker.ItemPayload{ListID: listID, Item: d.Item}); err != nil {
				return conflict.Skipped, nil, err
			}
		}
	case conflict.Delete:
		if _, ok := list.RemoveItem(incoming.ID); ok {
			if err := a.putItemList(list, rec.Timestamp); err != nil {
				return conflict.Skipped, nil, err
			}
		}
		if err := a.tombstone(rec); err != nil {
			return conflict.Skipped, nil, err
		}
	case conflict.KeepLocal:
		if current != nil {
			resolved = current
			if err := a.record(key, tracker.ItemPayload{ListID: listID, Item: current}); err != nil {
				return conflict.Skipped, nil, err
			}
		}
	}
	c, err := a.conflict(local, rec, d.Resolution, resolved)
	return conflict.Conflicted, c, err
}

// record appends an unsynced update carrying the resolved state of key, so
// the next push hands the resolution to the remote. A local delete that wins
// needs no new record: its tombstone is already in the log.
func (a *applier) record(key entityKey, payload interface{}) error {
	rec, err := a.tracker.Record(a.tx, models.ChangeUpdate, key.kind, payload)
	if err != nil {
		return err
	}
	a.localIDs[rec.ID] = true
	a.pending[key] = rec
	return nil
}

// tombstone keeps an applied remote delete in the local log, already synced,
// so the deleted id is not reused or recreated here either.
func (a *applier) tombstone(rec *models.ChangeRecord) error {
	kept := *rec
	kept.EntityID = rec.TargetID()
	kept.Synced = true
	if err := a.tx.AppendChange(&kept); err != nil {
		return err
	}
	a.localIDs[kept.ID] = true
	a.tombstones[entityKey{kept.EntityKind, kept.EntityID}] = true
	return nil
}

func (a *applier) getList(id string) (*models.ShoppingList, error) {
	list, err := a.tx.GetList(id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return list, err
}

// putList stores a pulled list snapshot without items deleted locally.
func (a *applier) putList(list *models.ShoppingList) error {
	kept := make([]models.ShoppingItem, 0, len(list.Items))
	for _, item := range list.Items {
		if !a.tombstones[entityKey{models.EntityItem, item.ID}] {
			kept = append(kept, item)
		}
	}
	list.Items = kept
	return a.tx.PutList(list)
}

// putItemList stores a list after an item change, moving its LastModified
// forward to at. The list version is left alone: the list itself was not edited.
func (a *applier) putItemList(list *models.ShoppingList, at time.Time) error {
	if at.After(list.LastModified) {
		list.LastModified = at.UTC()
	}
	return a.tx.PutList(list)
}

func (a *applier) conflict(local, remote *models.ChangeRecord, resolution models.Resolution, resolved interface{}) (*models.Conflict, error) {
	l, r := *local, *remote
	c := &models.Conflict{
		EntityKind: remote.EntityKind,
		EntityID:   remote.TargetID(),
		Local:      &l,
		Remote:     &r,
		Resolution: resolution,
		DetectedAt: a.now,
	}
	if resolved != nil {
		data, err := json.Marshal(resolved)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode resolved entity", err)
		}
		c.Resolved = data
	}
	return c, nil
}
