package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/sync/remote"
)

// PushCall is one recorded FakeRemote.Push invocation.
type PushCall struct {
	Changes []*models.ChangeRecord
}

// FakeRemote is a scriptable remote.Client. By default pushes are batch
// acknowledged and pulls return nothing.
type FakeRemote struct {
	mu sync.Mutex

	// PushErr and PullErr fail the next calls while set.
	PushErr error
	PullErr error
	// AckOnly, when non-nil, limits acknowledgements to these record ids.
	AckOnly []string
	// Pulled is returned by every Pull.
	Pulled []*models.ChangeRecord
	// OnPush runs inside Push before it returns, e.g. to block on a channel.
	OnPush func(ctx context.Context) error
	// OnPull runs inside Pull before it returns.
	OnPull func(ctx context.Context) error

	pushes []PushCall
	pulls  []time.Time
}

// NewFakeRemote returns a FakeRemote that accepts everything.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{}
}

// Push implements remote.Client.
func (f *FakeRemote) Push(ctx context.Context, changes []*models.ChangeRecord) (*remote.PushResult, error) {
	f.mu.Lock()
	copied := make([]*models.ChangeRecord, len(changes))
	for i, rec := range changes {
		c := *rec
		copied[i] = &c
	}
	f.pushes = append(f.pushes, PushCall{Changes: copied})
	hook, pushErr, ackOnly := f.OnPush, f.PushErr, f.AckOnly
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if pushErr != nil {
		return nil, pushErr
	}
	if ackOnly == nil {
		return &remote.PushResult{}, nil
	}

	allowed := make(map[string]bool, len(ackOnly))
	for _, id := range ackOnly {
		allowed[id] = true
	}
	acks := []*models.ChangeRecord{}
	for _, rec := range copied {
		if allowed[rec.ID] {
			acks = append(acks, rec)
		}
	}
	return &remote.PushResult{Acks: acks}, nil
}

// Pull implements remote.Client.
func (f *FakeRemote) Pull(ctx context.Context, since time.Time) ([]*models.ChangeRecord, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, since)
	hook, pullErr := f.OnPull, f.PullErr
	out := make([]*models.ChangeRecord, len(f.Pulled))
	for i, rec := range f.Pulled {
		c := *rec
		out[i] = &c
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if pullErr != nil {
		return nil, pullErr
	}
	return out, nil
}

// Pushes returns the recorded push calls.
func (f *FakeRemote) Pushes() []PushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PushCall(nil), f.pushes...)
}

// Pulls returns the checkpoints passed to Pull.
func (f *FakeRemote) Pulls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.pulls...)
}

// Script updates the fake's behaviour under its lock.
func (f *FakeRemote) Script(fn func(*FakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

var _ remote.Client = (*FakeRemote)(nil)
