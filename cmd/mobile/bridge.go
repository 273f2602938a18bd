package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spf13/afero"

	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/core"
	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
)

// bridge holds the replica behind the exported C functions. Every call
// takes and returns JSON strings.
type bridge struct {
	mu      sync.RWMutex
	core    *core.Core
	lastErr string
}

var errNotInitialized = apperrors.New(apperrors.ErrInternal, "core not initialized")

func (b *bridge) open(fs afero.Fs, configPath string, opts ...core.Option) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core != nil {
		return nil
	}

	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return err
	}
	c, err := core.Open(cfg, append([]core.Option{core.WithFs(fs)}, opts...)...)
	if err != nil {
		return err
	}
	c.Start(context.Background())
	b.core = c
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core == nil {
		return nil
	}
	err := b.core.Close()
	b.core = nil
	return err
}

func (b *bridge) get() (*core.Core, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.core == nil {
		return nil, errNotInitialized
	}
	return b.core, nil
}

func (b *bridge) setLastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *bridge) lastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *bridge) saveList(doc string) (string, error) {
	c, err := b.get()
	if err != nil {
		return "", err
	}
	var list models.ShoppingList
	if err := json.Unmarshal([]byte(doc), &list); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "malformed list", err)
	}
	if err := c.SaveList(context.Background(), &list); err != nil {
		return "", err
	}
	return encode(&list)
}

func (b *bridge) deleteList(id string) error {
	c, err := b.get()
	if err != nil {
		return err
	}
	return c.DeleteList(context.Background(), id)
}

func (b *bridge) addItemToList(listID, doc string) (string, error) {
	c, err := b.get()
	if err != nil {
		return "", err
	}
	var item models.ShoppingItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "malformed item", err)
	}
	if err := c.AddItemToList(context.Background(), listID, &item); err != nil {
		return "", err
	}
	return encode(&item)
}

func (b *bridge) getList(id string) (string, error) {
	c, err := b.get()
	if err != nil {
		return "", err
	}
	list, err := c.GetList(context.Background(), id)
	if err != nil {
		return "", err
	}
	return encode(list)
}

func (b *bridge) lists() (string, error) {
	c, err := b.get()
	if err != nil {
		return "", err
	}
	lists, err := c.Lists(context.Background())
	if err != nil {
		return "", err
	}
	return encode(map[string]interface{}{
		"items": lists,
		"total": len(lists),
	})
}

func (b *bridge) isOnline() bool {
	c, err := b.get()
	if err != nil {
		return false
	}
	return c.IsOnline(context.Background())
}

// syncWithServer always yields an outcome document, even before Init.
func (b *bridge) syncWithServer() (string, error) {
	c, err := b.get()
	if err != nil {
		return encode(&models.SyncOutcome{Error: err.Error(), Code: string(apperrors.ErrInternal)})
	}
	return encode(c.SyncWithServer(context.Background()))
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}
