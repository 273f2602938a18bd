// Package store defines the persisted store contract shared by the SQLite
// and document-file backends.
//
// Entities are addressed by id rather than rewritten as whole collections,
// and every Update runs as one unit so an entity write and the change record
// describing it are committed together.
package store

import (
	"context"

	"github.com/kimhsiao/cartsync/internal/models"
)

// Collection names, shared by both backends.
const (
	CollectionLists    = "shopping_lists"
	CollectionChanges  = "offline_changes"
	CollectionLastSync = "last_sync"
	CollectionMetadata = "storage_metadata"
)

// Tx is a view of the store inside View or Update. It must not be used after
// the callback returns.
type Tx interface {
	// GetList returns the list with the given id or a NOT_FOUND error.
	GetList(id string) (*models.ShoppingList, error)

	// AllLists returns every list in creation order.
	AllLists() ([]*models.ShoppingList, error)

	// PutList inserts or replaces a list together with its items.
	PutList(list *models.ShoppingList) error

	// DeleteList removes a list and its items. Deleting a missing list is a no-op.
	DeleteList(id string) error

	// ItemOwner returns the id of the list holding itemID, or NOT_FOUND.
	ItemOwner(itemID string) (string, error)

	// AppendChange adds a record to the end of the change log.
	AppendChange(rec *models.ChangeRecord) error

	// Changes returns change records in insertion order.
	Changes(pendingOnly bool) ([]*models.ChangeRecord, error)

	// Tombstoned reports whether the log holds a delete for the entity. Deleted
	// ids are never reused.
	Tombstoned(kind models.EntityKind, id string) (bool, error)

	// MarkSynced flips synced=false records among ids to true and returns how many flipped.
	MarkSynced(ids []string) (int, error)

	// Metadata returns the sync metadata, creating first-run metadata if absent.
	Metadata() (*models.SyncMetadata, error)

	// PutMetadata persists the sync metadata.
	PutMetadata(meta *models.SyncMetadata) error
}

// Store is a durable replica of shopping lists, the change log and sync metadata.
type Store interface {
	// View runs fn with read-only access.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn atomically; if fn returns an error nothing is persisted.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the store.
	Close() error
}
