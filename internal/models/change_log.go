package models

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
)

// ChangeKind is the mutation a ChangeRecord describes.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	return k == ChangeCreate || k == ChangeUpdate || k == ChangeDelete
}

// EntityKind discriminates a ChangeRecord payload.
type EntityKind string

const (
	EntityList EntityKind = "list"
	EntityItem EntityKind = "item"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == EntityList || k == EntityItem
}

// ChangeRecord is an immutable log entry for one local or remote mutation.
// Only Synced changes after creation, and only from false to true.
type ChangeRecord struct {
	ID         string          `db:"id" json:"id"`
	Kind       ChangeKind      `db:"kind" json:"kind"`
	EntityKind EntityKind      `db:"entity_kind" json:"entity_kind"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	ListID     string          `db:"list_id" json:"list_id,omitempty"` // owning list, item changes only
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
	Synced     bool            `db:"synced" json:"synced"`
	Version    int64           `db:"version" json:"version,omitempty"`
}

// TableName returns the table name for ChangeRecord.
func (ChangeRecord) TableName() string {
	return "change_log"
}

// NewListChange builds an unsynced record carrying a snapshot of list.
func NewListChange(id string, kind ChangeKind, list *ShoppingList, at time.Time) (*ChangeRecord, error) {
	payload, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to encode list payload: %w", err)
	}
	return &ChangeRecord{
		ID:         id,
		Kind:       kind,
		EntityKind: EntityList,
		EntityID:   list.ID,
		Payload:    payload,
		Timestamp:  at,
		Version:    list.Version,
	}, nil
}

// NewItemChange builds an unsynced record carrying a snapshot of item.
func NewItemChange(id string, kind ChangeKind, listID string, item *ShoppingItem, at time.Time) (*ChangeRecord, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item payload: %w", err)
	}
	return &ChangeRecord{
		ID:         id,
		Kind:       kind,
		EntityKind: EntityItem,
		EntityID:   item.ID,
		ListID:     listID,
		Payload:    payload,
		Timestamp:  at,
		Version:    item.Version,
	}, nil
}

// List decodes the payload of a list change.
func (c *ChangeRecord) List() (*ShoppingList, error) {
	if c.EntityKind != EntityList {
		return nil, apperrors.Validation("change %q: payload is a %s, not a list", c.ID, c.EntityKind)
	}
	var list ShoppingList
	if err := json.Unmarshal(c.Payload, &list); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("change %q: malformed list payload", c.ID), err)
	}
	if list.Items == nil {
		list.Items = []ShoppingItem{}
	}
	return &list, nil
}

// Item decodes the payload of an item change.
func (c *ChangeRecord) Item() (*ShoppingItem, error) {
	if c.EntityKind != EntityItem {
		return nil, apperrors.Validation("change %q: payload is a %s, not an item", c.ID, c.EntityKind)
	}
	var item ShoppingItem
	if err := json.Unmarshal(c.Payload, &item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("change %q: malformed item payload", c.ID), err)
	}
	return &item, nil
}

// TargetID returns the id of the entity the record mutates, falling back to
// the payload when EntityID was not sent.
func (c *ChangeRecord) TargetID() string {
	if c.EntityID != "" {
		return c.EntityID
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.Payload, &ref); err != nil {
		return ""
	}
	return ref.ID
}

// Validate checks that a record is well formed enough to be applied.
// Delete payloads only need an id; creates and updates must carry a valid entity.
func (c *ChangeRecord) Validate() error {
	if c.ID == "" {
		return apperrors.Validation("change id is required")
	}
	if !c.Kind.Valid() {
		return apperrors.Validation("change %q: unknown kind %q", c.ID, c.Kind)
	}
	if !c.EntityKind.Valid() {
		return apperrors.Validation("change %q: unknown entity kind %q", c.ID, c.EntityKind)
	}
	if len(c.Payload) == 0 {
		return apperrors.Validation("change %q: payload is required", c.ID)
	}

	var payloadID string
	switch c.EntityKind {
	case EntityList:
		list, err := c.List()
		if err != nil {
			return err
		}
		if c.Kind != ChangeDelete {
			if err := list.Validate(); err != nil {
				return err
			}
		}
		payloadID = list.ID
	case EntityItem:
		item, err := c.Item()
		if err != nil {
			return err
		}
		if c.Kind != ChangeDelete {
			if err := item.Validate(); err != nil {
				return err
			}
		}
		if c.Kind == ChangeCreate && c.ListID == "" {
			return apperrors.Validation("change %q: item create needs its list id", c.ID)
		}
		payloadID = item.ID
	}

	if payloadID == "" {
		return apperrors.Validation("change %q: payload has no entity id", c.ID)
	}
	if c.EntityID != "" && c.EntityID != payloadID {
		return apperrors.Validation("change %q: entity id %q does not match payload id %q", c.ID, c.EntityID, payloadID)
	}
	return nil
}
