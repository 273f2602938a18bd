package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/cartsync/internal/db"
	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/shopping"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/store/docstore"
	"github.com/kimhsiao/cartsync/internal/sync/conflict"
	"github.com/kimhsiao/cartsync/internal/sync/connectivity"
	"github.com/kimhsiao/cartsync/internal/sync/tracker"
	"github.com/kimhsiao/cartsync/internal/testutil"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

var start = time.Date(2026, 6, 14, 9, 30, 0, 0, time.UTC)

type harness struct {
	engine  *Engine
	svc     *shopping.Service
	tracker *tracker.Tracker
	store   store.Store
	remote  *testutil.FakeRemote
	oracle  *connectivity.Static
	clock   *testutil.Clock
}

func newHarness(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	clock := testutil.NewClock(start)
	tr := tracker.New(st, tracker.WithIDs(uuid.Sequential("chg")), tracker.WithClock(clock.Now))
	h := &harness{
		svc:     shopping.NewService(st, tr, shopping.WithIDs(uuid.Sequential("id")), shopping.WithClock(clock.Now)),
		tracker: tr,
		store:   st,
		remote:  testutil.NewFakeRemote(),
		oracle:  connectivity.NewStatic(true),
		clock:   clock,
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	h.engine = NewEngine(st, tr, h.oracle, h.remote, opts...)
	return h
}

func memHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := docstore.Open(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	return newHarness(t, st, opts...)
}

func sqliteHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st, err := db.OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return newHarness(t, st, opts...)
}

func (h *harness) saveList(t *testing.T, name string, items ...string) *models.ShoppingList {
	t.Helper()
	list := &models.ShoppingList{Name: name, Items: []models.ShoppingItem{}}
	for _, n := range items {
		list.Items = append(list.Items, models.ShoppingItem{ID: n, Name: n, Price: 2.5, Quantity: 1})
	}
	require.NoError(t, h.svc.SaveList(context.Background(), list))
	return list
}

func (h *harness) metadata(t *testing.T) *models.SyncMetadata {
	t.Helper()
	var meta *models.SyncMetadata
	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		meta, err = tx.Metadata()
		return err
	}))
	return meta
}

func (h *harness) pending(t *testing.T) []string {
	t.Helper()
	pending, err := h.tracker.Pending(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}
	return ids
}

func remoteList(t *testing.T, changeID string, kind models.ChangeKind, list *models.ShoppingList) *models.ChangeRecord {
	t.Helper()
	rec, err := models.NewListChange(changeID, kind, list, list.LastModified)
	require.NoError(t, err)
	return rec
}

func remoteItem(t *testing.T, changeID, listID string, item *models.ShoppingItem) *models.ChangeRecord {
	t.Helper()
	rec, err := models.NewItemChange(changeID, models.ChangeCreate, listID, item, item.LastModified)
	require.NoError(t, err)
	return rec
}

func TestNewEngineStartsIdle(t *testing.T) {
	h := memHarness(t)

	assert.Equal(t, StateIdle, h.engine.State())
	assert.True(t, h.engine.LastSync().IsZero())
	assert.NoError(t, h.engine.LastError())

	n, err := h.engine.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncFullCycle(t *testing.T) {
	for name, open := range map[string]func(*testing.T, ...Option) *harness{
		"file":   memHarness,
		"sqlite": sqliteHarness,
	} {
		t.Run(name, func(t *testing.T) {
			h := open(t)
			ctx := context.Background()

			local := h.saveList(t, "Weekly", "milk")
			require.NoError(t, h.svc.AddItemToList(ctx, local.ID, &models.ShoppingItem{Name: "bread", Price: 3, Quantity: 1}))

			stamp := h.clock.Peek().Add(time.Minute)
			incoming := &models.ShoppingList{
				ID:           "remote-list",
				Name:         "Party",
				Items:        []models.ShoppingItem{{ID: "chips", Name: "chips", Price: 4, Quantity: 2, AddedAt: stamp, LastModified: stamp, Version: 1}},
				CreatedAt:    stamp,
				LastModified: stamp,
				Version:      1,
			}
			eggs := &models.ShoppingItem{ID: "eggs", Name: "eggs", Price: 5, Quantity: 12, AddedAt: stamp, LastModified: stamp, Version: 1}
			h.remote.Script(func(f *testutil.FakeRemote) {
				f.Pulled = []*models.ChangeRecord{
					remoteList(t, "r-1", models.ChangeCreate, incoming),
					remoteItem(t, "r-2", local.ID, eggs),
				}
			})

			outcome := h.engine.SyncWithServer(ctx)

			require.True(t, outcome.Success, outcome.Error)
			assert.Equal(t, 4, outcome.SyncedChangeCount)
			assert.Equal(t, 2, outcome.Pushed)
			assert.Equal(t, 2, outcome.Pulled)
			assert.Equal(t, 2, outcome.Applied)
			assert.Empty(t, outcome.Rejected)
			assert.Empty(t, outcome.Conflicts)
			assert.Empty(t, h.pending(t))
			assert.Equal(t, StateIdle, h.engine.State())

			pushes := h.remote.Pushes()
			require.Len(t, pushes, 1)
			assert.Len(t, pushes[0].Changes, 2)
			pulls := h.remote.Pulls()
			require.Len(t, pulls, 1)
			assert.True(t, pulls[0].Equal(models.Epoch))

			stored, err := h.svc.GetList(ctx, local.ID)
			require.NoError(t, err)
			require.Len(t, stored.Items, 3)
			assert.Equal(t, "eggs", stored.Items[2].ID)
			assert.True(t, stored.LastModified.Equal(stamp))

			party, err := h.svc.GetList(ctx, "remote-list")
			require.NoError(t, err)
			assert.Equal(t, "Party", party.Name)
			require.Len(t, party.Items, 1)

			meta := h.metadata(t)
			assert.True(t, meta.LastSyncCheckpoint.After(models.Epoch))
			assert.True(t, meta.LastSyncCheckpoint.Equal(h.engine.LastSync()))
			assert.Equal(t, int64(3), meta.DataVersion)

			// A second sync pulls from the new checkpoint and moves it forward.
			h.remote.Script(func(f *testutil.FakeRemote) { f.Pulled = nil })
			first := meta.LastSyncCheckpoint
			outcome = h.engine.SyncWithServer(ctx)
			require.True(t, outcome.Success, outcome.Error)
			assert.Zero(t, outcome.SyncedChangeCount)

			pulls = h.remote.Pulls()
			require.Len(t, pulls, 2)
			assert.True(t, pulls[1].Equal(first))
			assert.True(t, h.metadata(t).LastSyncCheckpoint.After(first))
			assert.Equal(t, int64(3), h.metadata(t).DataVersion)
		})
	}
}

func TestSyncCheckpointPrecedesPull(t *testing.T) {
	h := memHarness(t)
	h.saveList(t, "Weekly", "milk")

	// A record the remote commits while the pull is in flight.
	var committed time.Time
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.OnPull = func(context.Context) error {
			committed = h.clock.Now()
			return nil
		}
	})

	outcome := h.engine.SyncWithServer(context.Background())
	require.True(t, outcome.Success, outcome.Error)

	checkpoint := h.metadata(t).LastSyncCheckpoint
	assert.True(t, checkpoint.After(models.Epoch))
	assert.True(t, checkpoint.Before(committed), "checkpoint %s should precede %s", checkpoint, committed)
}

func TestSyncOfflineTouchesNothing(t *testing.T) {
	h := memHarness(t)
	h.saveList(t, "Weekly", "milk")
	h.oracle.Set(false)

	outcome := h.engine.SyncWithServer(context.Background())

	assert.False(t, outcome.Success)
	assert.Equal(t, "offline", outcome.Error)
	assert.Equal(t, string(apperrors.ErrOffline), outcome.Code)
	assert.Zero(t, outcome.SyncedChangeCount)
	assert.Empty(t, h.remote.Pushes())
	assert.Empty(t, h.remote.Pulls())
	assert.Equal(t, []string{"chg-1"}, h.pending(t))
	assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
	assert.Equal(t, StateAborted, h.engine.State())
	assert.True(t, apperrors.Is(h.engine.LastError(), apperrors.ErrOffline))
}

func TestSyncWithNothingPending(t *testing.T) {
	t.Run("pulls anyway", func(t *testing.T) {
		h := memHarness(t)

		outcome := h.engine.SyncWithServer(context.Background())

		require.True(t, outcome.Success, outcome.Error)
		assert.Zero(t, outcome.SyncedChangeCount)
		assert.Empty(t, h.remote.Pushes())
		assert.Len(t, h.remote.Pulls(), 1)
		assert.True(t, h.metadata(t).LastSyncCheckpoint.After(models.Epoch))
	})

	t.Run("legacy skip", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PullWhenIdle = false
		h := memHarness(t, WithConfig(cfg))

		outcome := h.engine.SyncWithServer(context.Background())

		require.True(t, outcome.Success, outcome.Error)
		assert.Zero(t, outcome.SyncedChangeCount)
		assert.Empty(t, h.remote.Pushes())
		assert.Empty(t, h.remote.Pulls())
		assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
	})
}

func TestSyncPushFailureIsRetriable(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	h.saveList(t, "Weekly", "milk")
	h.saveList(t, "Hardware", "nails")
	h.remote.Script(func(f *testutil.FakeRemote) { f.PushErr = errors.New("connection reset") })

	outcome := h.engine.SyncWithServer(ctx)

	assert.False(t, outcome.Success)
	assert.Equal(t, string(apperrors.ErrNetwork), outcome.Code)
	assert.Contains(t, outcome.Error, "connection reset")
	assert.Equal(t, []string{"chg-1", "chg-2"}, h.pending(t))
	assert.Empty(t, h.remote.Pulls())
	assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
	assert.Error(t, h.engine.LastError())

	h.remote.Script(func(f *testutil.FakeRemote) { f.PushErr = nil })
	outcome = h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 2, outcome.SyncedChangeCount)
	assert.NoError(t, h.engine.LastError())

	pushes := h.remote.Pushes()
	require.Len(t, pushes, 2)
	require.Len(t, pushes[1].Changes, len(pushes[0].Changes))
	for i := range pushes[0].Changes {
		assert.Equal(t, pushes[0].Changes[i].ID, pushes[1].Changes[i].ID)
		assert.JSONEq(t, string(pushes[0].Changes[i].Payload), string(pushes[1].Changes[i].Payload))
	}
}

func TestSyncPullFailureKeepsCheckpoint(t *testing.T) {
	h := memHarness(t)
	h.saveList(t, "Weekly", "milk")
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.PullErr = apperrors.Network("pull failed", errors.New("502 bad gateway"))
	})

	outcome := h.engine.SyncWithServer(context.Background())

	assert.False(t, outcome.Success)
	assert.Equal(t, string(apperrors.ErrNetwork), outcome.Code)
	assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
	// The push itself succeeded, so its acknowledgement is kept.
	assert.Empty(t, h.pending(t))
}

func TestSyncTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PushTimeout = 20 * time.Millisecond
	h := memHarness(t, WithConfig(cfg))
	h.saveList(t, "Weekly", "milk")
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.OnPush = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
	})

	outcome := h.engine.SyncWithServer(context.Background())

	assert.False(t, outcome.Success)
	assert.Equal(t, string(apperrors.ErrSyncTimeout), outcome.Code)
	assert.Equal(t, []string{"chg-1"}, h.pending(t))
	assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
}

func TestSyncRejectsOverlappingCalls(t *testing.T) {
	h := memHarness(t)
	h.saveList(t, "Weekly", "milk")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.OnPush = func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		}
	})

	var wg sync.WaitGroup
	var first *models.SyncOutcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.engine.SyncWithServer(context.Background())
	}()

	<-entered
	second := h.engine.SyncWithServer(context.Background())
	close(release)
	wg.Wait()

	assert.False(t, second.Success)
	assert.Equal(t, string(apperrors.ErrSyncInProgress), second.Code)
	assert.Zero(t, second.SyncedChangeCount)

	require.True(t, first.Success, first.Error)
	assert.Equal(t, 1, first.SyncedChangeCount)
	assert.LessOrEqual(t, first.SyncedChangeCount+second.SyncedChangeCount, 1)
	assert.Len(t, h.remote.Pushes(), 1)
}

func TestSyncMarksOnlyAcknowledgedChanges(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	h.saveList(t, "Weekly", "milk")
	h.saveList(t, "Hardware", "nails")
	h.remote.Script(func(f *testutil.FakeRemote) { f.AckOnly = []string{"chg-1", "not-pushed"} })

	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 1, outcome.SyncedChangeCount)
	assert.Equal(t, []string{"chg-2"}, h.pending(t))

	h.remote.Script(func(f *testutil.FakeRemote) { f.AckOnly = nil })
	outcome = h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	pushes := h.remote.Pushes()
	require.Len(t, pushes, 2)
	require.Len(t, pushes[1].Changes, 1)
	assert.Equal(t, "chg-2", pushes[1].Changes[0].ID)
	assert.Empty(t, h.pending(t))
}

func TestSyncPushesInBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	h := memHarness(t, WithConfig(cfg))
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h.saveList(t, name, name+"-item")
	}

	outcome := h.engine.SyncWithServer(context.Background())

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 5, outcome.SyncedChangeCount)
	var sizes []int
	for _, call := range h.remote.Pushes() {
		sizes = append(sizes, len(call.Changes))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestSyncSkipsEchoedChanges(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	h.saveList(t, "Weekly", "milk")
	log, err := h.tracker.All(ctx)
	require.NoError(t, err)
	h.remote.Script(func(f *testutil.FakeRemote) { f.Pulled = log })

	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 1, outcome.SyncedChangeCount)
	assert.Equal(t, 1, outcome.Pulled)
	assert.Zero(t, outcome.Applied)
	assert.Equal(t, int64(1), h.metadata(t).DataVersion)
}

func TestSyncRejectsMalformedPulledChanges(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	stamp := h.clock.Peek()
	good := &models.ShoppingList{ID: "remote-list", Name: "Party", Items: []models.ShoppingItem{}, CreatedAt: stamp, LastModified: stamp}
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{
			{ID: "bad-1", Kind: models.ChangeCreate, EntityKind: models.EntityList, Payload: json.RawMessage(`{"id":`)},
			{ID: "bad-2", Kind: "rename", EntityKind: models.EntityList, Payload: json.RawMessage(`{"id":"x","name":"x"}`)},
			remoteList(t, "r-1", models.ChangeCreate, good),
		}
	})

	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, []string{"bad-1", "bad-2"}, outcome.Rejected)
	assert.Equal(t, 1, outcome.Applied)
	assert.Equal(t, 1, outcome.SyncedChangeCount)
	_, err := h.svc.GetList(ctx, "remote-list")
	assert.NoError(t, err)
}

func TestSyncSkipsItemsForUnknownLists(t *testing.T) {
	h := memHarness(t)
	stamp := h.clock.Peek()
	orphan := &models.ShoppingItem{ID: "eggs", Name: "eggs", Quantity: 1, AddedAt: stamp, LastModified: stamp}
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteItem(t, "r-1", "missing-list", orphan)}
	})

	outcome := h.engine.SyncWithServer(context.Background())

	require.True(t, outcome.Success, outcome.Error)
	assert.Zero(t, outcome.Applied)
	assert.Equal(t, 1, outcome.SyncedChangeCount)
	assert.Zero(t, h.metadata(t).DataVersion)
}

func TestSyncNeverResurrectsDeletedLists(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)
	require.NoError(t, h.svc.DeleteList(ctx, list.ID))

	update := list.Clone()
	update.Name = "Weekly (remote)"
	update.LastModified = h.clock.Peek().Add(time.Hour)
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeUpdate, update)}
	})

	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, models.ResolutionLocalWins, outcome.Conflicts[0].Resolution)
	assert.Nil(t, outcome.Conflicts[0].Resolved)
	assert.Empty(t, h.pending(t))
	_, err := h.svc.GetList(ctx, list.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	// Once the delete is synced the tombstone still blocks the update.
	outcome = h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	assert.Empty(t, outcome.Conflicts)
	assert.Zero(t, outcome.Applied)
	_, err = h.svc.GetList(ctx, list.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSyncAppliesRemoteDelete(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeDelete, list)}
	})
	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 1, outcome.Applied)
	_, err := h.svc.GetList(ctx, list.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSyncRemembersRemoteDeletes(t *testing.T) {
	h := sqliteHarness(t)
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	late := list.Clone()
	late.Name = "Weekly (late edit)"
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{
			remoteList(t, "r-1", models.ChangeDelete, list),
			remoteList(t, "r-2", models.ChangeUpdate, late),
		}
	})
	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 1, outcome.Applied)
	assert.Empty(t, h.pending(t))
	_, err := h.svc.GetList(ctx, list.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = h.svc.SaveList(ctx, list.Clone())
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
}

func TestSyncMergesConflictingListEdits(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	list.Name = "Weekly shop"
	require.NoError(t, h.svc.SaveList(ctx, list))

	theirs := list.Clone()
	theirs.Name = "Weekly (shared)"
	theirs.LastModified = h.clock.Peek().Add(time.Hour)
	theirs.Version = 7
	theirs.Items = append(theirs.Items, models.ShoppingItem{
		ID: "coffee", Name: "coffee", Price: 9, Quantity: 1, AddedAt: theirs.LastModified, LastModified: theirs.LastModified,
	})
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeUpdate, theirs)}
	})

	outcome := h.engine.SyncWithServer(ctx)

	require.True(t, outcome.Success, outcome.Error)
	require.Len(t, outcome.Conflicts, 1)
	c := outcome.Conflicts[0]
	assert.Equal(t, models.ResolutionMerged, c.Resolution)
	assert.Equal(t, list.ID, c.EntityID)
	assert.Equal(t, "r-1", c.Remote.ID)

	stored, err := h.svc.GetList(ctx, list.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly (shared)", stored.Name)
	assert.Equal(t, int64(7), stored.Version)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, "milk", stored.Items[0].ID)
	assert.Equal(t, "coffee", stored.Items[1].ID)

	var resolved models.ShoppingList
	require.NoError(t, json.Unmarshal(c.Resolved, &resolved))
	assert.Len(t, resolved.Items, 2)
}

func TestSyncPushesMergedResolution(t *testing.T) {
	h := memHarness(t)
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	list.Name = "Weekly shop"
	require.NoError(t, h.svc.SaveList(ctx, list))

	theirs := list.Clone()
	theirs.Name = "Weekly (shared)"
	theirs.LastModified = h.clock.Peek().Add(time.Hour)
	theirs.Items = append(theirs.Items, models.ShoppingItem{
		ID: "coffee", Name: "coffee", Price: 9, Quantity: 1, AddedAt: theirs.LastModified, LastModified: theirs.LastModified,
	})
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeUpdate, theirs)}
	})

	outcome := h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, models.ResolutionMerged, outcome.Conflicts[0].Resolution)

	// The pushed rename was acknowledged; the merge waits for the next push.
	assert.Equal(t, []string{"chg-3"}, h.pending(t))

	h.remote.Script(func(f *testutil.FakeRemote) { f.Pulled = nil })
	outcome = h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	assert.Empty(t, outcome.Conflicts)
	assert.Empty(t, h.pending(t))

	pushes := h.remote.Pushes()
	require.Len(t, pushes, 3)
	last := pushes[2].Changes
	require.Len(t, last, 1)
	assert.Equal(t, models.ChangeUpdate, last[0].Kind)
	merged, err := last[0].List()
	require.NoError(t, err)
	assert.Equal(t, list.ID, merged.ID)
	assert.Equal(t, "Weekly (shared)", merged.Name)
	require.Len(t, merged.Items, 2)
	assert.Equal(t, "milk", merged.Items[0].ID)
	assert.Equal(t, "coffee", merged.Items[1].ID)
}

func TestSyncPushesKeptLocalState(t *testing.T) {
	h := memHarness(t, WithResolver(conflict.NewResolver(conflict.Policy{PreferLocal: true})))
	ctx := context.Background()
	list := h.saveList(t, "Weekly", "milk")
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	list.Name = "Weekly shop"
	require.NoError(t, h.svc.SaveList(ctx, list))

	theirs := list.Clone()
	theirs.Name = "Weekly (remote)"
	theirs.LastModified = h.clock.Peek().Add(time.Hour)
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeUpdate, theirs)}
	})

	outcome := h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	require.Len(t, outcome.Conflicts, 1)
	assert.Equal(t, models.ResolutionLocalWins, outcome.Conflicts[0].Resolution)
	assert.Equal(t, []string{"chg-3"}, h.pending(t))

	h.remote.Script(func(f *testutil.FakeRemote) { f.Pulled = nil })
	require.True(t, h.engine.SyncWithServer(ctx).Success)

	pushes := h.remote.Pushes()
	require.Len(t, pushes, 3)
	require.Len(t, pushes[2].Changes, 1)
	kept, err := pushes[2].Changes[0].List()
	require.NoError(t, err)
	assert.Equal(t, "Weekly shop", kept.Name)
}

// failingStore fails every Update after its callback succeeds, so nothing commits.
type failingStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	return s.Store.Update(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if fail {
			return apperrors.Storage("disk full", nil)
		}
		return nil
	})
}

func TestSyncStorageErrorRollsBack(t *testing.T) {
	inner, err := docstore.Open(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	st := &failingStore{Store: inner}
	h := newHarness(t, st)
	ctx := context.Background()
	h.saveList(t, "Weekly", "milk")

	stamp := h.clock.Peek()
	incoming := &models.ShoppingList{ID: "remote-list", Name: "Party", Items: []models.ShoppingItem{}, CreatedAt: stamp, LastModified: stamp}
	h.remote.Script(func(f *testutil.FakeRemote) {
		f.Pulled = []*models.ChangeRecord{remoteList(t, "r-1", models.ChangeCreate, incoming)}
	})
	st.setFail(true)

	outcome := h.engine.SyncWithServer(ctx)

	assert.False(t, outcome.Success)
	assert.Equal(t, string(apperrors.ErrStorage), outcome.Code)
	assert.Equal(t, []string{"chg-1"}, h.pending(t))
	assert.True(t, h.metadata(t).LastSyncCheckpoint.Equal(models.Epoch))
	_, err = h.svc.GetList(ctx, "remote-list")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	st.setFail(false)
	outcome = h.engine.SyncWithServer(ctx)
	require.True(t, outcome.Success, outcome.Error)
	assert.Equal(t, 2, outcome.SyncedChangeCount)
}

func TestSyncEmitsEvents(t *testing.T) {
	h := memHarness(t)
	h.saveList(t, "Weekly", "milk")

	var mu sync.Mutex
	var events []Event
	h.engine.SetEventHandler(EventHandlerFunc(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	outcome := h.engine.SyncWithServer(context.Background())
	require.True(t, outcome.Success, outcome.Error)

	mu.Lock()
	defer mu.Unlock()
	var states []State
	for _, e := range events {
		if e.Type == EventStateChanged {
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []State{
		StateCheckingConnectivity, StatePushing, StatePulling, StateApplying, StateCheckpointing, StateIdle,
	}, states)

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Same(t, outcome, last.Outcome)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, apperrors.ErrSyncTimeout},
		{"wrapped deadline", apperrors.Network("push failed", context.DeadlineExceeded), apperrors.ErrSyncTimeout},
		{"coded timeout", apperrors.New(apperrors.ErrSyncTimeout, "pull timed out"), apperrors.ErrSyncTimeout},
		{"canceled", context.Canceled, apperrors.ErrSyncFailed},
		{"network", apperrors.Network("push failed", errors.New("refused")), apperrors.ErrNetwork},
		{"storage", apperrors.Storage("disk full", nil), apperrors.ErrStorage},
		{"plain", errors.New("boom"), apperrors.ErrSyncFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err).Code)
		})
	}
}

func TestBatches(t *testing.T) {
	recs := make([]*models.ChangeRecord, 5)
	for i := range recs {
		recs[i] = &models.ChangeRecord{}
	}
	assert.Nil(t, batches(nil, 2))
	assert.Len(t, batches(recs, 0), 1)
	assert.Len(t, batches(recs, 5), 1)
	assert.Len(t, batches(recs, 2), 3)
	assert.Len(t, batches(recs, 1), 5)
}
