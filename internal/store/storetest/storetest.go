// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
)

// Opener returns a fresh, empty store. Reopen returns a new handle on the
// same data after the previous one is closed.
type Opener struct {
	Open   func(t *testing.T) store.Store
	Reopen func(t *testing.T) store.Store
}

var base = time.Date(2026, 5, 2, 18, 0, 0, 123456789, time.UTC)

// List builds a valid list with n items.
func List(id string, n int) *models.ShoppingList {
	budget := 25.0
	l := &models.ShoppingList{
		ID:           id,
		Name:         "List " + id,
		Items:        []models.ShoppingItem{},
		TotalBudget:  &budget,
		CreatedAt:    base,
		LastModified: base,
		Version:      1,
	}
	for i := 0; i < n; i++ {
		l.Items = append(l.Items, models.ShoppingItem{
			ID:           fmt.Sprintf("%s-item-%d", id, i),
			Name:         fmt.Sprintf("Item %d", i),
			Price:        1.25 * float64(i+1),
			Quantity:     1,
			Category:     "pantry",
			AddedAt:      base,
			LastModified: base,
			Version:      1,
		})
	}
	return l
}

// Change builds an unsynced list change for l.
func Change(t *testing.T, id string, kind models.ChangeKind, l *models.ShoppingList) *models.ChangeRecord {
	t.Helper()
	rec, err := models.NewListChange(id, kind, l, base)
	require.NoError(t, err)
	return rec
}

// Run executes the contract suite against a backend.
func Run(t *testing.T, o Opener) {
	t.Run("EmptyStore", func(t *testing.T) { testEmptyStore(t, o) })
	t.Run("PutAndGetList", func(t *testing.T) { testPutAndGetList(t, o) })
	t.Run("ReplaceList", func(t *testing.T) { testReplaceList(t, o) })
	t.Run("DeleteList", func(t *testing.T) { testDeleteList(t, o) })
	t.Run("ItemOwner", func(t *testing.T) { testItemOwner(t, o) })
	t.Run("ChangeLogOrder", func(t *testing.T) { testChangeLogOrder(t, o) })
	t.Run("MarkSynced", func(t *testing.T) { testMarkSynced(t, o) })
	t.Run("Tombstoned", func(t *testing.T) { testTombstoned(t, o) })
	t.Run("Metadata", func(t *testing.T) { testMetadata(t, o) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, o) })
	t.Run("SurvivesReopen", func(t *testing.T) { testSurvivesReopen(t, o) })
}

func testEmptyStore(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()

	err := s.View(ctx, func(tx store.Tx) error {
		lists, err := tx.AllLists()
		require.NoError(t, err)
		assert.Empty(t, lists)

		changes, err := tx.Changes(false)
		require.NoError(t, err)
		assert.Empty(t, changes)

		meta, err := tx.Metadata()
		require.NoError(t, err)
		assert.True(t, meta.LastSyncCheckpoint.Equal(models.Epoch), "first run starts at the epoch")
		assert.Zero(t, meta.DataVersion)

		_, err = tx.GetList("missing")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testPutAndGetList(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	want := List("groceries", 3)
	want.Items[1].Barcode = "5901234123457"

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutList(want)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetList("groceries")
		require.NoError(t, err)
		assert.Equal(t, want, got)
		return nil
	}))
}

func testReplaceList(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	first := List("a", 3)
	second := List("b", 0)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutList(first); err != nil {
			return err
		}
		return tx.PutList(second)
	}))

	edited := first.Clone()
	edited.Name = "Renamed"
	edited.RemoveItem("a-item-0")
	edited.Items[0], edited.Items[1] = edited.Items[1], edited.Items[0]
	edited.TotalBudget = nil
	edited.Touch(base.Add(time.Minute))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutList(edited)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		lists, err := tx.AllLists()
		require.NoError(t, err)
		require.Len(t, lists, 2)
		assert.Equal(t, "a", lists[0].ID, "replacing keeps creation order")
		assert.Equal(t, edited, lists[0])
		assert.Equal(t, second, lists[1])
		return nil
	}))
}

func testDeleteList(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutList(List("doomed", 2))
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.DeleteList("doomed"); err != nil {
			return err
		}
		return tx.DeleteList("never-existed")
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetList("doomed")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		_, err = tx.ItemOwner("doomed-item-0")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "items go with their list")
		return nil
	}))
}

func testItemOwner(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutList(List("x", 2)); err != nil {
			return err
		}
		return tx.PutList(List("y", 1))
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		owner, err := tx.ItemOwner("y-item-0")
		require.NoError(t, err)
		assert.Equal(t, "y", owner)

		owner, err = tx.ItemOwner("x-item-1")
		require.NoError(t, err)
		assert.Equal(t, "x", owner)

		_, err = tx.ItemOwner("z-item-0")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		return nil
	}))
}

func testChangeLogOrder(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	l := List("l", 1)

	// Later ids sort before earlier ones, so ordering must follow insertion.
	ids := []string{"chg-c", "chg-a", "chg-b"}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, id := range ids {
			if err := tx.AppendChange(Change(t, id, models.ChangeUpdate, l)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		changes, err := tx.Changes(true)
		require.NoError(t, err)
		require.Len(t, changes, 3)
		for i, rec := range changes {
			assert.Equal(t, ids[i], rec.ID)
			assert.False(t, rec.Synced)
			assert.Equal(t, models.EntityList, rec.EntityKind)
			assert.Equal(t, "l", rec.EntityID)
			assert.True(t, rec.Timestamp.Equal(base))
			assert.JSONEq(t, string(Change(t, ids[i], models.ChangeUpdate, l).Payload), string(rec.Payload))
		}
		return nil
	}))
}

func testMarkSynced(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	l := List("l", 0)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, id := range []string{"c1", "c2", "c3"} {
			if err := tx.AppendChange(Change(t, id, models.ChangeUpdate, l)); err != nil {
				return err
			}
		}
		return nil
	}))

	var flipped int
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		flipped, err = tx.MarkSynced([]string{"c1", "c3", "unknown"})
		return err
	}))
	assert.Equal(t, 2, flipped)

	// Marking again is a no-op.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		flipped, err = tx.MarkSynced([]string{"c1", "c3"})
		return err
	}))
	assert.Zero(t, flipped)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		pending, err := tx.Changes(true)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c2", pending[0].ID)

		all, err := tx.Changes(false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, all[0].Synced)
		assert.False(t, all[1].Synced)
		assert.True(t, all[2].Synced)
		return nil
	}))
}

func testTombstoned(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	gone := List("gone", 1)
	kept := List("kept", 0)

	itemDelete, err := models.NewItemChange("c3", models.ChangeDelete, "kept", &gone.Items[0], base)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for _, rec := range []*models.ChangeRecord{
			Change(t, "c1", models.ChangeUpdate, kept),
			Change(t, "c2", models.ChangeDelete, gone),
			itemDelete,
		} {
			if err := tx.AppendChange(rec); err != nil {
				return err
			}
		}
		_, err := tx.MarkSynced([]string{"c2"})
		return err
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		for _, tt := range []struct {
			kind models.EntityKind
			id   string
			want bool
		}{
			{models.EntityList, "gone", true},
			{models.EntityList, "kept", false},
			{models.EntityList, "never-seen", false},
			{models.EntityItem, "gone-item-0", true},
			// Kinds are separate namespaces.
			{models.EntityItem, "gone", false},
		} {
			got, err := tx.Tombstoned(tt.kind, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "%s %q", tt.kind, tt.id)
		}
		return nil
	}))
}

func testMetadata(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	checkpoint := base.Add(90 * time.Second)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		meta, err := tx.Metadata()
		if err != nil {
			return err
		}
		meta.LastSyncCheckpoint = checkpoint
		meta.DataVersion = 7
		return tx.PutMetadata(meta)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		meta, err := tx.Metadata()
		require.NoError(t, err)
		assert.True(t, meta.LastSyncCheckpoint.Equal(checkpoint), "nanosecond precision survives")
		assert.EqualValues(t, 7, meta.DataVersion)
		assert.Positive(t, meta.SchemaVersion)
		return nil
	}))
}

func testUpdateRollsBack(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutList(List("half", 1)); err != nil {
			return err
		}
		if err := tx.AppendChange(Change(t, "half-change", models.ChangeCreate, List("half", 1))); err != nil {
			return err
		}
		meta, err := tx.Metadata()
		if err != nil {
			return err
		}
		meta.DataVersion = 99
		if err := tx.PutMetadata(meta); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetList("half")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		changes, err := tx.Changes(false)
		require.NoError(t, err)
		assert.Empty(t, changes)
		meta, err := tx.Metadata()
		require.NoError(t, err)
		assert.Zero(t, meta.DataVersion)
		return nil
	}))
}

func testSurvivesReopen(t *testing.T, o Opener) {
	s := o.Open(t)
	ctx := context.Background()
	l := List("kept", 2)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutList(l); err != nil {
			return err
		}
		if err := tx.AppendChange(Change(t, "kept-change", models.ChangeCreate, l)); err != nil {
			return err
		}
		meta, err := tx.Metadata()
		if err != nil {
			return err
		}
		meta.Advance(base)
		meta.DataVersion++
		return tx.PutMetadata(meta)
	}))
	require.NoError(t, s.Close())

	reopened := o.Reopen(t)
	require.NoError(t, reopened.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetList("kept")
		require.NoError(t, err)
		assert.Equal(t, l, got)

		pending, err := tx.Changes(true)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "kept-change", pending[0].ID)

		meta, err := tx.Metadata()
		require.NoError(t, err)
		assert.True(t, meta.LastSyncCheckpoint.Equal(base))
		assert.EqualValues(t, 1, meta.DataVersion)
		return nil
	}))
}
