package models

import "time"

// SyncOutcome is the structured result of one sync attempt. Failures are
// reported here instead of as errors.
type SyncOutcome struct {
	Success           bool          `json:"success"`
	Error             string        `json:"error,omitempty"`
	Code              string        `json:"code,omitempty"`
	SyncedChangeCount int           `json:"synced_change_count"`
	Pushed            int           `json:"pushed"`
	Pulled            int           `json:"pulled"`
	Applied           int           `json:"applied"`
	Rejected          []string      `json:"rejected,omitempty"`
	Conflicts         []Conflict    `json:"conflicts,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Duration          time.Duration `json:"duration"`
}
