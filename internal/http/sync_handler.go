package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/JayeshGamer/GoGoGoGrocery2/internal/cartsync"
)

type SyncService interface {
	Status() cartsync.Status
	SyncNow(ctx context.Context) error
	Resolve(ctx context.Context, resolution cartsync.Resolution) error
}

type SyncHandler struct {
	engine  SyncService
	timeout time.Duration
}

func NewSyncHandler(engine SyncService, timeout time.Duration) *SyncHandler {
	return &SyncHandler{engine: engine, timeout: timeout}
}

type SyncStatusDTO struct {
	State     string     `json:"state"`
	Online    bool       `json:"online"`
	LastError string     `json:"last_error,omitempty"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
}

type ResolveRequestDTO struct {
	Resolution string `json:"resolution"`
}

// GET /api/v1/sync
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statusDTO(h.engine.Status()))
}

// POST /api/v1/sync
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.engine.SyncNow(ctx); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusDTO(h.engine.Status()))
}

// POST /api/v1/sync/resolve
func (h *SyncHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ResolveRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	var resolution cartsync.Resolution
	switch req.Resolution {
	case "keep_local":
		resolution = cartsync.KeepLocal
	case "take_remote":
		resolution = cartsync.TakeRemote
	default:
		respondError(w, http.StatusBadRequest, "invalid_resolution", "resolution must be keep_local or take_remote")
		return
	}

	if err := h.engine.Resolve(ctx, resolution); err != nil {
		handleDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusDTO(h.engine.Status()))
}

func statusDTO(s cartsync.Status) SyncStatusDTO {
	dto := SyncStatusDTO{
		State:     s.State.String(),
		Online:    s.Online,
		LastError: s.LastError,
	}
	if !s.LastSync.IsZero() {
		at := s.LastSync
		dto.LastSync = &at
	}
	return dto
}
