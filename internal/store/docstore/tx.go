package docstore

import (
	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
)

// docTx implements store.Tx over a snapshot. Reads return copies so callers
// never alias the snapshot.
type docTx struct {
	state    *snapshot
	readOnly bool
	dirty    map[string]bool
}

var errReadOnly = apperrors.New(apperrors.ErrStorage, "write inside a read-only transaction")

func (t *docTx) touch(collections ...string) error {
	if t.readOnly {
		return errReadOnly
	}
	for _, c := range collections {
		t.dirty[c] = true
	}
	return nil
}

func (t *docTx) indexOf(id string) int {
	for i, l := range t.state.lists {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// GetList implements store.Tx.
func (t *docTx) GetList(id string) (*models.ShoppingList, error) {
	idx := t.indexOf(id)
	if idx < 0 {
		return nil, apperrors.NotFound("list", id)
	}
	return t.state.lists[idx].Clone(), nil
}

// AllLists implements store.Tx.
func (t *docTx) AllLists() ([]*models.ShoppingList, error) {
	lists := make([]*models.ShoppingList, len(t.state.lists))
	for i, l := range t.state.lists {
		lists[i] = l.Clone()
	}
	return lists, nil
}

// PutList implements store.Tx.
func (t *docTx) PutList(list *models.ShoppingList) error {
	if err := t.touch(store.CollectionLists); err != nil {
		return err
	}
	c := list.Clone()
	if c.Items == nil {
		c.Items = []models.ShoppingItem{}
	}
	if idx := t.indexOf(list.ID); idx >= 0 {
		t.state.lists[idx] = c
		return nil
	}
	t.state.lists = append(t.state.lists, c)
	return nil
}

// DeleteList implements store.Tx.
func (t *docTx) DeleteList(id string) error {
	if err := t.touch(store.CollectionLists); err != nil {
		return err
	}
	idx := t.indexOf(id)
	if idx < 0 {
		return nil
	}
	t.state.lists = append(t.state.lists[:idx:idx], t.state.lists[idx+1:]...)
	return nil
}

// ItemOwner implements store.Tx by scanning the lists in creation order.
func (t *docTx) ItemOwner(itemID string) (string, error) {
	for _, l := range t.state.lists {
		if l.FindItem(itemID) >= 0 {
			return l.ID, nil
		}
	}
	return "", apperrors.NotFound("item", itemID)
}

// AppendChange implements store.Tx.
func (t *docTx) AppendChange(rec *models.ChangeRecord) error {
	if err := t.touch(store.CollectionChanges); err != nil {
		return err
	}
	for _, existing := range t.state.changes {
		if existing.ID == rec.ID {
			return apperrors.Newf(apperrors.ErrStorage, "change %q already recorded", rec.ID)
		}
	}
	c := *rec
	t.state.changes = append(t.state.changes, &c)
	return nil
}

// Changes implements store.Tx.
func (t *docTx) Changes(pendingOnly bool) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord
	for _, rec := range t.state.changes {
		if pendingOnly && rec.Synced {
			continue
		}
		c := *rec
		records = append(records, &c)
	}
	return records, nil
}

// Tombstoned implements store.Tx by scanning the change log.
func (t *docTx) Tombstoned(kind models.EntityKind, id string) (bool, error) {
	for _, rec := range t.state.changes {
		if rec.Kind == models.ChangeDelete && rec.EntityKind == kind && rec.TargetID() == id {
			return true, nil
		}
	}
	return false, nil
}

// MarkSynced implements store.Tx.
func (t *docTx) MarkSynced(ids []string) (int, error) {
	if err := t.touch(store.CollectionChanges); err != nil {
		return 0, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	flipped := 0
	for _, rec := range t.state.changes {
		if want[rec.ID] && !rec.Synced {
			rec.Synced = true
			flipped++
		}
	}
	return flipped, nil
}

// Metadata implements store.Tx.
func (t *docTx) Metadata() (*models.SyncMetadata, error) {
	meta := t.state.meta
	return &meta, nil
}

// PutMetadata implements store.Tx.
func (t *docTx) PutMetadata(meta *models.SyncMetadata) error {
	if err := t.touch(store.CollectionLastSync, store.CollectionMetadata); err != nil {
		return err
	}
	t.state.meta = *meta
	return nil
}

var _ store.Tx = (*docTx)(nil)
