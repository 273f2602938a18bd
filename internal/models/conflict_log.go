package models

import (
	"encoding/json"
	"time"
)

// Resolution names how a collision between a local and a remote change was settled.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerged     Resolution = "merged"
)

// Conflict records a pulled change that collided with a pending local change
// for the same entity, and what was kept.
type Conflict struct {
	EntityKind EntityKind      `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Local      *ChangeRecord   `json:"local"`
	Remote     *ChangeRecord   `json:"remote"`
	Resolved   json.RawMessage `json:"resolved,omitempty"` // null when the entity ended up deleted
	Resolution Resolution      `json:"resolution"`
	DetectedAt time.Time       `json:"detected_at"`
}
