package handlers

import (
	"context"
	"net/http"

	"github.com/kimhsiao/cartsync/internal/core"
	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
)

// SyncService is the part of the replica the sync handlers need.
type SyncService interface {
	SyncWithServer(ctx context.Context) *models.SyncOutcome
	TriggerSync() bool
	Status(ctx context.Context) (*core.Status, error)
}

// SyncHandler handles sync status and trigger operations.
type SyncHandler struct {
	svc SyncService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// GetStatus handles GET /api/sync/status
// Returns connectivity, engine state, checkpoint and pending change count.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/sync
// Runs a sync and returns its outcome. With ?async=true the request is only
// queued for the background scheduler.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued": h.svc.TriggerSync(),
		})
		return
	}

	outcome := h.svc.SyncWithServer(r.Context())
	status := http.StatusOK
	if !outcome.Success {
		status = syncFailureStatus(outcome.Code)
	}
	writeJSON(w, status, outcome)
}

func syncFailureStatus(code string) int {
	switch apperrors.ErrorCode(code) {
	case apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
