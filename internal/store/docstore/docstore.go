// Package docstore is a store.Store kept as one JSON document per collection.
//
// Each Update works on an in-memory copy of every collection and writes back
// only the collections it changed, offline_changes first. Every file is
// replaced atomically (temp file + rename) but there is no transaction across
// files: a crash between two renames can leave the change log ahead of the
// lists. Replaying the log is safe because applying a list snapshot twice is
// idempotent.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
)

// SchemaVersion is the document layout version written to storage_metadata.
const SchemaVersion = 1

// writeOrder is the order dirty collections are flushed in.
var writeOrder = []string{
	store.CollectionChanges,
	store.CollectionLists,
	store.CollectionLastSync,
	store.CollectionMetadata,
}

// Store keeps all collections in memory and mirrors them to files under dir.
type Store struct {
	fs  afero.Fs
	dir string

	mu    sync.RWMutex
	state *snapshot
}

type snapshot struct {
	lists   []*models.ShoppingList
	changes []*models.ChangeRecord
	meta    models.SyncMetadata
}

// storageMetadata is the storage_metadata document. The checkpoint lives in
// its own last_sync document.
type storageMetadata struct {
	SchemaVersion int   `json:"schema_version"`
	DataVersion   int64 `json:"data_version"`
}

// Open loads every collection under dir, creating dir if needed.
func Open(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.Storage("failed to create data directory", err)
	}
	s := &Store{fs: fs, dir: dir}
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	s.state = state
	return s, nil
}

func (s *Store) path(collection string) string {
	return filepath.Join(s.dir, collection+".json")
}

// Read returns the raw document stored under collection, or nil when the
// collection has never been written.
func (s *Store) Read(collection string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readFile(collection)
}

func (s *Store) readFile(collection string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(collection))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("failed to read %s", collection), err)
	}
	return data, nil
}

// Replace overwrites collection with doc and reloads the in-memory state.
// The document must decode as that collection.
func (s *Store) Replace(collection string, doc []byte) error {
	if err := checkDocument(collection, doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(collection, doc); err != nil {
		return err
	}
	state, err := s.load()
	if err != nil {
		return err
	}
	s.state = state
	return nil
}

func checkDocument(collection string, doc []byte) error {
	var v interface{}
	switch collection {
	case store.CollectionLists:
		v = &[]*models.ShoppingList{}
	case store.CollectionChanges:
		v = &[]*models.ChangeRecord{}
	case store.CollectionLastSync:
		var checkpoint string
		if err := json.Unmarshal(doc, &checkpoint); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "last_sync must be a timestamp string", err)
		}
		if _, err := time.Parse(time.RFC3339Nano, checkpoint); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "last_sync must be a timestamp string", err)
		}
		return nil
	case store.CollectionMetadata:
		v = &storageMetadata{}
	default:
		return apperrors.Validation("unknown collection %q", collection)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("malformed %s document", collection), err)
	}
	return nil
}

func (s *Store) writeFile(collection string, doc []byte) error {
	final := s.path(collection)
	tmp := final + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, doc, 0644); err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to write %s", collection), err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to replace %s", collection), err)
	}
	return nil
}

func (s *Store) load() (*snapshot, error) {
	state := &snapshot{
		lists:   []*models.ShoppingList{},
		changes: []*models.ChangeRecord{},
		meta:    *models.NewSyncMetadata(SchemaVersion),
	}

	if err := s.decode(store.CollectionLists, &state.lists); err != nil {
		return nil, err
	}
	for _, l := range state.lists {
		if l.Items == nil {
			l.Items = []models.ShoppingItem{}
		}
	}
	if err := s.decode(store.CollectionChanges, &state.changes); err != nil {
		return nil, err
	}

	var checkpoint string
	if err := s.decode(store.CollectionLastSync, &checkpoint); err != nil {
		return nil, err
	}
	if checkpoint != "" {
		ts, err := time.Parse(time.RFC3339Nano, checkpoint)
		if err != nil {
			return nil, apperrors.Storage("corrupt last_sync", err)
		}
		state.meta.LastSyncCheckpoint = ts.UTC()
	}

	var meta storageMetadata
	if err := s.decode(store.CollectionMetadata, &meta); err != nil {
		return nil, err
	}
	if meta.SchemaVersion > 0 {
		state.meta.SchemaVersion = meta.SchemaVersion
	}
	state.meta.DataVersion = meta.DataVersion
	return state, nil
}

func (s *Store) decode(collection string, v interface{}) error {
	data, err := s.readFile(collection)
	if err != nil || data == nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Storage(fmt.Sprintf("corrupt %s", collection), err)
	}
	return nil
}

func (s *Store) encode(collection string, state *snapshot) ([]byte, error) {
	switch collection {
	case store.CollectionLists:
		return json.MarshalIndent(state.lists, "", "  ")
	case store.CollectionChanges:
		return json.MarshalIndent(state.changes, "", "  ")
	case store.CollectionLastSync:
		return json.Marshal(state.meta.LastSyncCheckpoint.UTC().Format(time.RFC3339Nano))
	case store.CollectionMetadata:
		return json.MarshalIndent(storageMetadata{
			SchemaVersion: state.meta.SchemaVersion,
			DataVersion:   state.meta.DataVersion,
		}, "", "  ")
	}
	return nil, fmt.Errorf("unknown collection %q", collection)
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&docTx{state: s.state, readOnly: true})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &docTx{state: s.state.clone(), dirty: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}

	for _, collection := range writeOrder {
		if !tx.dirty[collection] {
			continue
		}
		doc, err := s.encode(collection, tx.state)
		if err != nil {
			return apperrors.Storage(fmt.Sprintf("failed to encode %s", collection), err)
		}
		if err := s.writeFile(collection, doc); err != nil {
			// Files already renamed stay; reload so memory matches disk.
			if state, loadErr := s.load(); loadErr == nil {
				s.state = state
			}
			return err
		}
	}
	s.state = tx.state
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

func (st *snapshot) clone() *snapshot {
	c := &snapshot{
		lists:   make([]*models.ShoppingList, len(st.lists)),
		changes: make([]*models.ChangeRecord, len(st.changes)),
		meta:    st.meta,
	}
	for i, l := range st.lists {
		c.lists[i] = l.Clone()
	}
	for i, rec := range st.changes {
		r := *rec
		c.changes[i] = &r
	}
	return c
}

var _ store.Store = (*Store)(nil)
