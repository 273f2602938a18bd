// Package queue holds requests for sync attempts with retry and backoff.
//
// Requests coalesce: while one is pending another Enqueue returns it instead
// of adding a second, since a single attempt pushes everything pending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/uuid"
)

// Reason says why a sync was requested.
type Reason string

const (
	ReasonManual       Reason = "manual"
	ReasonTimer        Reason = "timer"
	ReasonConnectivity Reason = "connectivity"
)

// Status represents the status of a queued request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("sync queue is full")

// Request is one requested sync attempt.
type Request struct {
	ID            string
	Reason        Reason
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastError     string
}

// Config controls capacity and retry behaviour.
type Config struct {
	MaxSize     int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     16,
		MaxRetries:  5,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
	}
}

// SyncQueue is a bounded FIFO of sync requests.
type SyncQueue struct {
	mu     sync.Mutex
	items  []*Request
	cfg    Config
	now    func() time.Time
	ids    uuid.Generator
	notify chan struct{}
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithClock sets the time source for scheduling retries.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// WithIDs sets the request id generator.
func WithIDs(gen uuid.Generator) Option {
	return func(q *SyncQueue) { q.ids = gen }
}

// NewSyncQueue creates a new SyncQueue.
func NewSyncQueue(cfg Config, opts ...Option) *SyncQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	q := &SyncQueue{
		cfg:    cfg,
		now:    time.Now,
		ids:    uuid.New,
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *SyncQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *SyncQueue) pendingLocked() *Request {
	for _, item := range q.items {
		if item.Status == StatusPending {
			return item
		}
	}
	return nil
}

func (q *SyncQueue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

// Enqueue requests a sync. If a request is already pending it is returned
// instead; a manual or connectivity request also cancels its backoff wait.
func (q *SyncQueue) Enqueue(reason Reason) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if existing := q.pendingLocked(); existing != nil {
		if reason != ReasonTimer && existing.NextAttemptAt.After(now) {
			existing.NextAttemptAt = now
			existing.UpdatedAt = now
			q.signal()
		}
		c := *existing
		return &c, nil
	}

	if len(q.items) >= q.cfg.MaxSize {
		return nil, fmt.Errorf("%w (max size: %d)", ErrFull, q.cfg.MaxSize)
	}

	item := &Request{
		ID:            q.ids(),
		Reason:        reason,
		MaxRetries:    q.cfg.MaxRetries,
		NextAttemptAt: now,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	q.items = append(q.items, item)
	q.signal()

	logging.Debug("Sync request queued",
		map[string]interface{}{"request_id": item.ID, "reason": string(reason)})

	c := *item
	return &c, nil
}

// Dequeue marks the oldest ready request in progress and returns it, or nil
// if none is ready.
func (q *SyncQueue) Dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, item := range q.items {
		if item.Status == StatusPending && !item.NextAttemptAt.After(now) {
			item.Status = StatusInProgress
			item.UpdatedAt = now
			c := *item
			return &c
		}
	}
	return nil
}

// nextDelay returns how long until the next pending request is ready, or
// false if nothing is pending.
func (q *SyncQueue) nextDelay() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := q.pendingLocked()
	if item == nil {
		return 0, false
	}
	d := item.NextAttemptAt.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Wait blocks until a request is ready and dequeues it. It returns the
// context error when ctx is done first.
func (q *SyncQueue) Wait(ctx context.Context) (*Request, error) {
	for {
		if item := q.Dequeue(); item != nil {
			return item, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if d, ok := q.nextDelay(); ok {
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.notify:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Complete removes a finished request from the queue.
func (q *SyncQueue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("request %s not found", id)
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return nil
}

// Fail records a failed attempt. The request is rescheduled with backoff
// until it reaches MaxRetries, after which it stays in the queue as failed.
// It reports whether another attempt will be made.
func (q *SyncQueue) Fail(id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false, fmt.Errorf("request %s not found", id)
	}
	item := q.items[idx]
	now := q.now()

	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now

	if item.RetryCount >= item.MaxRetries {
		item.Status = StatusFailed
		logging.Warn("Sync request failed permanently",
			map[string]interface{}{
				"request_id":  id,
				"retry_count": item.RetryCount,
				"error":       item.LastError,
			})
		return false, nil
	}

	// A newer request already covers the retry.
	if q.pendingLocked() != nil {
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		return true, nil
	}

	backoff := q.Backoff(item.RetryCount)
	item.NextAttemptAt = now.Add(backoff)
	item.Status = StatusPending
	q.signal()

	logging.Info("Sync request will be retried",
		map[string]interface{}{
			"request_id":  id,
			"retry_count": item.RetryCount,
			"max_retries": item.MaxRetries,
			"backoff":     backoff.String(),
			"error":       item.LastError,
		})
	return true, nil
}

// Backoff returns the delay before retry n: BackoffBase·2^n capped at BackoffMax.
func (q *SyncQueue) Backoff(n int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if q.cfg.BackoffMax > 0 && d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if q.cfg.BackoffMax > 0 && d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// Pending returns copies of the requests that are ready to run.
func (q *SyncQueue) Pending() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var pending []*Request
	for _, item := range q.items {
		if item.Status == StatusPending && !item.NextAttemptAt.After(now) {
			c := *item
			pending = append(pending, &c)
		}
	}
	return pending
}

// Get returns a copy of the request with the given id.
func (q *SyncQueue) Get(id string) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return nil, fmt.Errorf("request %s not found", id)
	}
	c := *q.items[idx]
	return &c, nil
}

// List returns copies of all requests in queue order.
func (q *SyncQueue) List() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*Request, len(q.items))
	for i, item := range q.items {
		c := *item
		items[i] = &c
	}
	return items
}

// Size returns the number of requests in the queue.
func (q *SyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear removes all requests.
func (q *SyncQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// RetryAll resets failed requests to pending. Only the first is kept when
// several failed, since one attempt covers them all.
func (q *SyncQueue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	count := 0
	kept := q.items[:0]
	hasPending := q.pendingLocked() != nil
	for _, item := range q.items {
		if item.Status != StatusFailed {
			kept = append(kept, item)
			continue
		}
		count++
		if hasPending {
			continue
		}
		item.Status = StatusPending
		item.RetryCount = 0
		item.NextAttemptAt = now
		item.LastError = ""
		item.UpdatedAt = now
		kept = append(kept, item)
		hasPending = true
	}
	q.items = kept

	if count > 0 {
		q.signal()
		logging.Info("Reset failed sync requests", map[string]interface{}{"count": count})
	}
	return count
}

// Stats returns request counts by status.
func (q *SyncQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]int{
		"total":       len(q.items),
		"pending":     0,
		"in_progress": 0,
		"failed":      0,
	}
	for _, item := range q.items {
		stats[string(item.Status)]++
	}
	return stats
}
