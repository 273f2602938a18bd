// Package models provides data model definitions for cartsync.
package models

import (
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
)

// ShoppingItem is a single line on a shopping list. Its ID is unique within
// the owning list and is never reused after deletion.
type ShoppingItem struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Price        float64   `db:"price" json:"price"`
	Quantity     float64   `db:"quantity" json:"quantity"`
	Barcode      string    `db:"barcode" json:"barcode,omitempty"`
	Category     string    `db:"category" json:"category,omitempty"`
	AddedAt      time.Time `db:"added_at" json:"added_at"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
	Version      int64     `db:"version" json:"version,omitempty"`
}

// Validate checks the fields every stored item must carry.
func (i *ShoppingItem) Validate() error {
	switch {
	case i.ID == "":
		return apperrors.Validation("item id is required")
	case i.Name == "":
		return apperrors.Validation("item %q: name is required", i.ID)
	case i.Price < 0:
		return apperrors.Validation("item %q: price must not be negative", i.ID)
	case i.Quantity <= 0:
		return apperrors.Validation("item %q: quantity must be positive", i.ID)
	}
	return nil
}

// Touch updates the LastModified timestamp and bumps the version.
func (i *ShoppingItem) Touch(now time.Time) {
	i.LastModified = now
	i.Version++
}

// Subtotal returns price times quantity.
func (i *ShoppingItem) Subtotal() float64 {
	return i.Price * i.Quantity
}

// ShoppingList owns its items by value, in display order.
type ShoppingList struct {
	ID           string         `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	Items        []ShoppingItem `json:"items"`
	TotalBudget  *float64       `db:"total_budget" json:"total_budget,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	LastModified time.Time      `db:"last_modified" json:"last_modified"`
	Version      int64          `db:"version" json:"version,omitempty"`
}

// TableName returns the table name for ShoppingList.
func (ShoppingList) TableName() string {
	return "shopping_lists"
}

// Validate checks the list and every item it owns.
func (l *ShoppingList) Validate() error {
	if l.ID == "" {
		return apperrors.Validation("list id is required")
	}
	if l.Name == "" {
		return apperrors.Validation("list %q: name is required", l.ID)
	}
	if l.TotalBudget != nil && *l.TotalBudget < 0 {
		return apperrors.Validation("list %q: budget must not be negative", l.ID)
	}
	seen := make(map[string]bool, len(l.Items))
	for idx := range l.Items {
		if err := l.Items[idx].Validate(); err != nil {
			return err
		}
		if seen[l.Items[idx].ID] {
			return apperrors.Validation("list %q: duplicate item id %q", l.ID, l.Items[idx].ID)
		}
		seen[l.Items[idx].ID] = true
	}
	return nil
}

// Touch updates the LastModified timestamp and bumps the version.
func (l *ShoppingList) Touch(now time.Time) {
	l.LastModified = now
	l.Version++
}

// FindItem returns the index of the item with the given id, or -1.
func (l *ShoppingList) FindItem(itemID string) int {
	for idx := range l.Items {
		if l.Items[idx].ID == itemID {
			return idx
		}
	}
	return -1
}

// UpsertItem replaces the item with the same id in place, or appends it.
// It reports whether an existing item was replaced.
func (l *ShoppingList) UpsertItem(item ShoppingItem) bool {
	if idx := l.FindItem(item.ID); idx >= 0 {
		l.Items[idx] = item
		return true
	}
	l.Items = append(l.Items, item)
	return false
}

// RemoveItem drops the item with the given id, preserving order of the rest.
func (l *ShoppingList) RemoveItem(itemID string) (ShoppingItem, bool) {
	idx := l.FindItem(itemID)
	if idx < 0 {
		return ShoppingItem{}, false
	}
	removed := l.Items[idx]
	l.Items = append(l.Items[:idx:idx], l.Items[idx+1:]...)
	return removed, true
}

// Clone returns a deep copy of the list.
func (l *ShoppingList) Clone() *ShoppingList {
	c := *l
	c.Items = make([]ShoppingItem, len(l.Items))
	copy(c.Items, l.Items)
	if l.TotalBudget != nil {
		b := *l.TotalBudget
		c.TotalBudget = &b
	}
	return &c
}

// Total returns the sum of all item subtotals.
func (l *ShoppingList) Total() float64 {
	var total float64
	for idx := range l.Items {
		total += l.Items[idx].Subtotal()
	}
	return total
}

// OverBudget reports whether the list total exceeds its budget.
func (l *ShoppingList) OverBudget() bool {
	return l.TotalBudget != nil && l.Total() > *l.TotalBudget
}
