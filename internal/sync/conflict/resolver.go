// Package conflict decides what the Applying step keeps when a pulled change
// collides with a pending local change to the same entity.
package conflict

import (
	"github.com/kimhsiao/cartsync/internal/logging"
	"github.com/kimhsiao/cartsync/internal/models"
)

// Outcome tags what happened to one pulled record.
type Outcome int

const (
	// Applied means no local change collided and the record was applied as is.
	Applied Outcome = iota
	// Conflicted means the record collided and the policy chose the result.
	Conflicted
	// Skipped means the record had nothing to act on.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflicted:
		return "conflicted"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Action is what to do with the entity after resolution.
type Action int

const (
	// KeepLocal leaves the local entity untouched.
	KeepLocal Action = iota
	// Write stores Decision.List or Decision.Item.
	Write
	// Delete removes the entity.
	Delete
)

// Decision is the result of resolving one collision.
type Decision struct {
	Action     Action
	Resolution models.Resolution
	List       *models.ShoppingList
	Item       *models.ShoppingItem
}

// Policy configures conflict resolution.
//
// PreferLocal keeps the local side of every collision. Otherwise a merge
// function for the entity kind is used when set, and last-write-wins on
// LastModified (local wins ties) when not. A pending local delete always
// wins; a remote delete wins unless PreferLocal.
type Policy struct {
	PreferLocal bool
	MergeLists  func(local, remote *models.ShoppingList) *models.ShoppingList
	MergeItems  func(local, remote *models.ShoppingItem) *models.ShoppingItem
}

// DefaultPolicy merges lists by item union and resolves items by last write.
func DefaultPolicy() Policy {
	return Policy{MergeLists: UnionItems}
}

// Resolver applies a Policy.
type Resolver struct {
	policy Policy
}

// NewResolver creates a new Resolver with the specified policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// ResolveList resolves a pulled list change against the latest pending local
// change for the same list. current is the stored list, nil if absent.
func (r *Resolver) ResolveList(local, remote *models.ChangeRecord, current *models.ShoppingList) (*Decision, error) {
	if err := checkPair(local, remote, models.EntityList); err != nil {
		return nil, err
	}
	logResolving(local, remote, r.policy)

	if d, ok := r.resolveDeletes(local, remote); ok {
		return d, nil
	}
	incoming, err := remote.List()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &Decision{Action: Write, Resolution: models.ResolutionRemoteWins, List: incoming}, nil
	}
	if r.policy.PreferLocal {
		return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, nil
	}
	if r.policy.MergeLists != nil {
		return &Decision{Action: Write, Resolution: models.ResolutionMerged, List: r.policy.MergeLists(current.Clone(), incoming)}, nil
	}
	if incoming.LastModified.After(current.LastModified) {
		return &Decision{Action: Write, Resolution: models.ResolutionRemoteWins, List: incoming}, nil
	}
	return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, nil
}

// ResolveItem resolves a pulled item change against the latest pending local
// change for the same item. current is the stored item, nil if absent.
func (r *Resolver) ResolveItem(local, remote *models.ChangeRecord, current *models.ShoppingItem) (*Decision, error) {
	if err := checkPair(local, remote, models.EntityItem); err != nil {
		return nil, err
	}
	logResolving(local, remote, r.policy)

	if d, ok := r.resolveDeletes(local, remote); ok {
		return d, nil
	}
	incoming, err := remote.Item()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &Decision{Action: Write, Resolution: models.ResolutionRemoteWins, Item: incoming}, nil
	}
	if r.policy.PreferLocal {
		return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, nil
	}
	if r.policy.MergeItems != nil {
		c := *current
		return &Decision{Action: Write, Resolution: models.ResolutionMerged, Item: r.policy.MergeItems(&c, incoming)}, nil
	}
	if incoming.LastModified.After(current.LastModified) {
		return &Decision{Action: Write, Resolution: models.ResolutionRemoteWins, Item: incoming}, nil
	}
	return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, nil
}

func (r *Resolver) resolveDeletes(local, remote *models.ChangeRecord) (*Decision, bool) {
	switch {
	case local.Kind == models.ChangeDelete:
		return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, true
	case remote.Kind == models.ChangeDelete && r.policy.PreferLocal:
		return &Decision{Action: KeepLocal, Resolution: models.ResolutionLocalWins}, true
	case remote.Kind == models.ChangeDelete:
		return &Decision{Action: Delete, Resolution: models.ResolutionRemoteWins}, true
	}
	return nil, false
}

func checkPair(local, remote *models.ChangeRecord, kind models.EntityKind) error {
	if local == nil || remote == nil {
		return ErrInvalidConflict
	}
	if local.EntityKind != kind || remote.EntityKind != kind {
		return ErrEntityKindMismatch
	}
	if local.TargetID() != remote.TargetID() {
		return ErrEntityIDMismatch
	}
	return nil
}

func logResolving(local, remote *models.ChangeRecord, policy Policy) {
	logging.Info("Resolving conflict",
		map[string]interface{}{
			"entity_kind":      string(remote.EntityKind),
			"entity_id":        remote.TargetID(),
			"local_change":     local.ID,
			"remote_change":    remote.ID,
			"local_kind":       string(local.Kind),
			"remote_kind":      string(remote.Kind),
			"local_timestamp":  local.Timestamp,
			"remote_timestamp": remote.Timestamp,
			"prefer_local":     policy.PreferLocal,
		})
}

// Errors
var (
	ErrInvalidConflict    = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrEntityKindMismatch = &ConflictError{Message: "entity kind mismatch"}
	ErrEntityIDMismatch   = &ConflictError{Message: "entity ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
