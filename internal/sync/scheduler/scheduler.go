// Package scheduler runs sync attempts in the background: on a timer, when
// connectivity returns, and on request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
	syncpkg "github.com/kimhsiao/cartsync/internal/sync"
	"github.com/kimhsiao/cartsync/internal/sync/queue"
)

// Scheduler feeds sync requests through a queue to a single worker.
type Scheduler struct {
	engine        syncpkg.Syncer
	queue         *queue.SyncQueue
	syncInterval  time.Duration
	probeInterval time.Duration

	mu             sync.RWMutex
	cancel         context.CancelFunc
	group          *errgroup.Group
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastOutcome    *models.SyncOutcome
	syncInProgress int
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // How often to request a sync while online
	ProbeInterval time.Duration // How often to ask the engine about connectivity; zero disables polling
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.Syncer, q *queue.SyncQueue, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:        engine,
		queue:         q,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		isOnline:      true, // Assume online until the first probe
	}
}

// Start starts the timer, the connectivity probe and the worker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.group = g
	s.isRunning = true
	s.mu.Unlock()

	g.Go(func() error { return s.worker(ctx) })
	if s.syncInterval > 0 {
		g.Go(func() error { return s.timerLoop(ctx) })
	}
	if s.probeInterval > 0 {
		g.Go(func() error { return s.probeLoop(ctx) })
	}

	logging.Info("Background sync scheduler started",
		map[string]interface{}{
			"sync_interval":  s.syncInterval.String(),
			"probe_interval": s.probeInterval.String(),
		})
}

// Stop stops the scheduler and waits for a running attempt to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logging.Error("Background sync scheduler stopped with error", err)
	}

	logging.Info("Background sync scheduler stopped")
}

func (s *Scheduler) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.request(queue.ReasonTimer)
		}
	}
}

func (s *Scheduler) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	s.SetOnlineStatus(s.engine.IsOnline(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SetOnlineStatus(s.engine.IsOnline(ctx))
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) error {
	for {
		req, err := s.queue.Wait(ctx)
		if err != nil {
			return nil
		}
		s.execute(ctx, req)
	}
}

// execute runs one queued request. Offline and overlapping attempts are
// dropped: reconnecting or the running attempt takes care of them.
func (s *Scheduler) execute(ctx context.Context, req *queue.Request) {
	outcome := s.run(ctx)

	switch {
	case outcome.Success,
		outcome.Code == string(apperrors.ErrOffline),
		outcome.Code == string(apperrors.ErrSyncInProgress):
		if err := s.queue.Complete(req.ID); err != nil {
			logging.Error("Failed to complete sync request", err,
				map[string]interface{}{"request_id": req.ID})
		}
	default:
		if _, err := s.queue.Fail(req.ID, apperrors.New(apperrors.ErrorCode(outcome.Code), outcome.Error)); err != nil {
			logging.Error("Failed to reschedule sync request", err,
				map[string]interface{}{"request_id": req.ID})
		}
	}
}

func (s *Scheduler) run(ctx context.Context) *models.SyncOutcome {
	s.mu.Lock()
	s.syncInProgress++
	s.mu.Unlock()

	outcome := s.engine.SyncWithServer(ctx)

	s.mu.Lock()
	s.syncInProgress--
	s.lastOutcome = outcome
	if outcome.Success {
		s.lastSyncTime = outcome.Timestamp
	}
	s.mu.Unlock()
	return outcome
}

func (s *Scheduler) request(reason queue.Reason) bool {
	if _, err := s.queue.Enqueue(reason); err != nil {
		logging.Warn("Sync request dropped",
			map[string]interface{}{"reason": string(reason), "error": err.Error()})
		return false
	}
	return true
}

// SetOnlineStatus records reachability reported by the host or the probe.
// Coming back online requests a sync.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline {
		s.request(queue.ReasonConnectivity)
	}
}

// TriggerSync queues a manual sync for the worker. It returns false when the
// queue is full.
func (s *Scheduler) TriggerSync() bool {
	return s.request(queue.ReasonManual)
}

// SyncNow runs a sync on the calling goroutine and returns its outcome.
// It reports SYNC_IN_PROGRESS if the worker is mid-attempt.
func (s *Scheduler) SyncNow(ctx context.Context) *models.SyncOutcome {
	return s.run(ctx)
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning       bool                `json:"is_running"`
	IsOnline        bool                `json:"is_online"`
	LastSyncTime    *time.Time          `json:"last_sync_time,omitempty"`
	LastOutcome     *models.SyncOutcome `json:"last_outcome,omitempty"`
	SyncInProgress  bool                `json:"sync_in_progress"`
	PendingRequests int                 `json:"pending_requests"`
	QueueStats      map[string]int      `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		LastOutcome:    s.lastOutcome,
		SyncInProgress: s.syncInProgress > 0,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	status.PendingRequests = len(s.queue.Pending())
	status.QueueStats = s.queue.Stats()
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
