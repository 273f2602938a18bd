// Package core wires the persisted store, change tracker, shopping service,
// sync engine and background scheduler from a config.Config. It is the
// library surface the binaries and mobile bindings call.
package core

import (
	"context"
	"time"

	"github.com/spf13/afero"

	"github.com/kimhsiao/cartsync/internal/config"
	"github.com/kimhsiao/cartsync/internal/db"
	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/shopping"
	"github.com/kimhsiao/cartsync/internal/store"
	"github.com/kimhsiao/cartsync/internal/store/docstore"
	syncpkg "github.com/kimhsiao/cartsync/internal/sync"
	"github.com/kimhsiao/cartsync/internal/sync/conflict"
	"github.com/kimhsiao/cartsync/internal/sync/connectivity"
	"github.com/kimhsiao/cartsync/internal/sync/queue"
	"github.com/kimhsiao/cartsync/internal/sync/remote"
	"github.com/kimhsiao/cartsync/internal/sync/scheduler"
	"github.com/kimhsiao/cartsync/internal/sync/tracker"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

// Core is an opened cartsync replica.
type Core struct {
	cfg       config.Config
	store     store.Store
	service   *shopping.Service
	engine    *syncpkg.Engine
	queue     *queue.SyncQueue
	scheduler *scheduler.Scheduler
}

type options struct {
	fs      afero.Fs
	client  remote.Client
	oracle  connectivity.Oracle
	now     func() time.Time
	ids     uuid.Generator
	logging bool
}

// Option overrides a collaborator, mostly for tests and embedding hosts.
type Option func(*options)

// WithFs sets the filesystem used by the file backend.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithRemote replaces the HTTP remote client.
func WithRemote(c remote.Client) Option {
	return func(o *options) { o.client = c }
}

// WithOracle replaces the connectivity probe, e.g. with a connectivity.Static
// driven by platform reachability events.
func WithOracle(oracle connectivity.Oracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithClock sets the time source for timestamps and checkpoints.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDs sets the generator for list, item and change ids.
func WithIDs(gen uuid.Generator) Option {
	return func(o *options) { o.ids = gen }
}

// WithoutLogging leaves the global logger as it is instead of configuring it from cfg.Log.
func WithoutLogging() Option {
	return func(o *options) { o.logging = false }
}

// Open validates cfg and opens the replica it describes.
func Open(cfg config.Config, opts ...Option) (*Core, error) {
	o := &options{
		fs:      afero.NewOsFs(),
		now:     time.Now,
		ids:     uuid.New,
		logging: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logging {
		logging.Init(logging.Config{
			Level:      logging.ParseLevel(cfg.Log.Level),
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}

	st, err := openStore(cfg.Store, o.fs)
	if err != nil {
		return nil, err
	}

	tr := tracker.New(st, tracker.WithIDs(o.ids), tracker.WithClock(o.now))
	svc := shopping.NewService(st, tr, shopping.WithIDs(o.ids), shopping.WithClock(o.now))

	oracle := o.oracle
	if oracle == nil {
		if cfg.Remote.BaseURL == "" {
			oracle = connectivity.NewStatic(false)
		} else {
			oracle = connectivity.NewProbe(cfg.ProbeAddress(), cfg.Connectivity.ProbeTimeout.Duration)
		}
	}
	client := o.client
	if client == nil {
		client = remote.NewHTTPClient(cfg.Remote.BaseURL)
	}

	engine := syncpkg.NewEngine(st, tr, oracle, client,
		syncpkg.WithConfig(syncpkg.Config{
			PullWhenIdle: cfg.Sync.PullWhenIdle,
			PushTimeout:  cfg.Remote.PushTimeout.Duration,
			PullTimeout:  cfg.Remote.PullTimeout.Duration,
			BatchSize:    cfg.Remote.BatchSize,
		}),
		syncpkg.WithClock(o.now),
		syncpkg.WithResolver(conflict.NewResolver(Policy(cfg.Conflict.Policy))),
	)

	q := queue.NewSyncQueue(queue.Config{
		MaxSize:     cfg.Sync.QueueSize,
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.RetryBase.Duration,
		BackoffMax:  cfg.Sync.RetryMax.Duration,
	}, queue.WithClock(o.now))

	probeInterval := scheduler.DefaultConfig().ProbeInterval
	if cfg.Remote.BaseURL == "" && o.oracle == nil {
		probeInterval = 0
	}
	sched := scheduler.NewScheduler(engine, q, &scheduler.Config{
		SyncInterval:  cfg.Sync.Interval.Duration,
		ProbeInterval: probeInterval,
	})

	logging.Info("Replica opened",
		map[string]interface{}{
			"backend":  cfg.Store.Backend,
			"data_dir": cfg.Store.DataDir,
			"remote":   cfg.Remote.BaseURL,
			"policy":   cfg.Conflict.Policy,
		})

	return &Core{
		cfg:       cfg,
		store:     st,
		service:   svc,
		engine:    engine,
		queue:     q,
		scheduler: sched,
	}, nil
}

func openStore(cfg config.Store, fs afero.Fs) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return db.OpenStore(cfg.DataDir)
	case config.BackendFile:
		return docstore.Open(fs, cfg.DataDir)
	}
	return nil, apperrors.Newf(apperrors.ErrConfig, "unknown store backend %q", cfg.Backend)
}

// Policy maps a config policy name onto a conflict policy.
func Policy(name string) conflict.Policy {
	switch name {
	case config.PolicyPreferLocal:
		return conflict.Policy{PreferLocal: true}
	case config.PolicyLastWrite:
		return conflict.Policy{}
	}
	return conflict.DefaultPolicy()
}

// Config returns the configuration the replica was opened with.
func (c *Core) Config() config.Config {
	return c.cfg
}

// Engine returns the sync engine.
func (c *Core) Engine() *syncpkg.Engine {
	return c.engine
}

// Scheduler returns the background scheduler.
func (c *Core) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Start runs background sync until ctx ends or Close is called.
func (c *Core) Start(ctx context.Context) {
	c.scheduler.Start(ctx)
}

// Close stops background sync and closes the store.
func (c *Core) Close() error {
	c.scheduler.Stop()
	return c.store.Close()
}

// SaveList creates or replaces a list.
func (c *Core) SaveList(ctx context.Context, list *models.ShoppingList) error {
	return c.service.SaveList(ctx, list)
}

// DeleteList removes a list, keeping a tombstone in the change log.
func (c *Core) DeleteList(ctx context.Context, id string) error {
	return c.service.DeleteList(ctx, id)
}

// AddItemToList appends a new item to a list.
func (c *Core) AddItemToList(ctx context.Context, listID string, item *models.ShoppingItem) error {
	return c.service.AddItemToList(ctx, listID, item)
}

// UpdateItem replaces an item on a list.
func (c *Core) UpdateItem(ctx context.Context, listID string, item *models.ShoppingItem) error {
	return c.service.UpdateItem(ctx, listID, item)
}

// RemoveItemFromList removes an item from a list.
func (c *Core) RemoveItemFromList(ctx context.Context, listID, itemID string) error {
	return c.service.RemoveItemFromList(ctx, listID, itemID)
}

// GetList returns one list.
func (c *Core) GetList(ctx context.Context, id string) (*models.ShoppingList, error) {
	return c.service.GetList(ctx, id)
}

// Lists returns every list.
func (c *Core) Lists(ctx context.Context) ([]*models.ShoppingList, error) {
	return c.service.Lists(ctx)
}

// IsOnline reports whether the sync service is reachable.
func (c *Core) IsOnline(ctx context.Context) bool {
	return c.engine.IsOnline(ctx)
}

// SyncWithServer runs one sync attempt now.
func (c *Core) SyncWithServer(ctx context.Context) *models.SyncOutcome {
	return c.scheduler.SyncNow(ctx)
}

// TriggerSync asks the background worker for a sync.
func (c *Core) TriggerSync() bool {
	return c.scheduler.TriggerSync()
}

// Status summarizes the replica for status displays.
type Status struct {
	Backend        string           `json:"backend"`
	Online         bool             `json:"online"`
	State          syncpkg.State    `json:"state"`
	LastSync       *time.Time       `json:"last_sync,omitempty"`
	Checkpoint     time.Time        `json:"checkpoint"`
	DataVersion    int64            `json:"data_version"`
	PendingChanges int              `json:"pending_changes"`
	LastError      string           `json:"last_error,omitempty"`
	Scheduler      scheduler.Status `json:"scheduler"`
}

// Status returns the current replica status.
func (c *Core) Status(ctx context.Context) (*Status, error) {
	pending, err := c.engine.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	var meta *models.SyncMetadata
	err = c.store.View(ctx, func(tx store.Tx) error {
		var err error
		meta, err = tx.Metadata()
		return err
	})
	if err != nil {
		return nil, err
	}

	status := &Status{
		Backend:        c.cfg.Store.Backend,
		Online:         c.engine.IsOnline(ctx),
		State:          c.engine.State(),
		Checkpoint:     meta.LastSyncCheckpoint,
		DataVersion:    meta.DataVersion,
		PendingChanges: pending,
		Scheduler:      c.scheduler.GetStatus(),
	}
	if last := c.engine.LastSync(); !last.IsZero() {
		status.LastSync = &last
	}
	if err := c.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status, nil
}

// PendingChanges returns the unsynced change records in log order.
func (c *Core) PendingChanges(ctx context.Context) ([]*models.ChangeRecord, error) {
	var pending []*models.ChangeRecord
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.Changes(true)
		return err
	})
	return pending, err
}
