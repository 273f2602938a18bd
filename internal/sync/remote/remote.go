// Package remote is the client side of the sync service exchange.
package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/cartsync/internal/models"
)

// PushResult is what the service returned for a push.
type PushResult struct {
	// Acks are the records the service confirmed. Nil means the whole batch
	// was accepted; an empty slice means none were.
	Acks []*models.ChangeRecord
}

// AckedIDs returns the ids of acknowledged records, or nil for a batch ack.
func (r *PushResult) AckedIDs() []string {
	if r == nil || r.Acks == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Acks))
	for _, rec := range r.Acks {
		ids = append(ids, rec.ID)
	}
	return ids
}

// Client exchanges change records with the sync service. The service must
// treat a re-pushed record id as already applied.
type Client interface {
	// Push sends changes in order.
	Push(ctx context.Context, changes []*models.ChangeRecord) (*PushResult, error)

	// Pull returns changes recorded by the service after since, in apply order.
	Pull(ctx context.Context, since time.Time) ([]*models.ChangeRecord, error)
}
