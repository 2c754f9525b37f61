// RoomSync - Real-Time Collaborative Interview Rooms
// Copyright 2026 RoomSync Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/collabforge/roomsync

// Package api exposes the HTTP control surface: room info and lifecycle,
// the WebSocket attach point, code execution, and previews.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/collabforge/roomsync/internal/logging"
	"github.com/collabforge/roomsync/internal/models"
	"github.com/collabforge/roomsync/internal/room"
	"github.com/collabforge/roomsync/internal/sandbox"
	"github.com/collabforge/roomsync/internal/websocket"
)

// executionHistory is the list container for finished run records, kept
// in the room's execution document.
const executionHistory = "executionHistory"

// previewURLContainer is the text container carrying the dev-server URL,
// kept in the room's code document.
const previewURLContainer = "previewUrl"

// Executor runs code and manages previews. *sandbox.Client satisfies it;
// tests substitute fakes.
type Executor interface {
	Exec(ctx context.Context, roomID string, req sandbox.ExecRequest) (models.ExecutionRecord, error)
	StartPreview(ctx context.Context, roomID string) (string, error)
	StopPreview(ctx context.Context, roomID string) error
}

// Handler implements the HTTP endpoints.
type Handler struct {
	manager  *room.Manager
	gateway  *websocket.Gateway
	executor Executor // nil when the sandbox service is not configured
	validate *validator.Validate
	started  time.Time
}

// NewHandler creates a handler. executor may be nil; execution and
// preview endpoints then answer 503.
func NewHandler(manager *room.Manager, gateway *websocket.Gateway, executor Executor) *Handler {
	return &Handler{
		manager:  manager,
		gateway:  gateway,
		executor: executor,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		started:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// coordinator resolves the {room}/{kind} pair from the URL, creating the
// coordinator on first touch.
func (h *Handler) coordinator(w http.ResponseWriter, r *http.Request) (*room.Coordinator, bool) {
	roomID := chi.URLParam(r, "room")
	kind := models.DocKind(chi.URLParam(r, "kind"))
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "missing room id")
		return nil, false
	}
	if !models.ValidKind(kind) {
		writeError(w, http.StatusBadRequest, "unknown document kind")
		return nil, false
	}
	coord, err := h.manager.GetOrCreate(r.Context(), roomID, kind)
	if err != nil {
		logging.Error().Err(err).Str("room", roomID).Str("kind", string(kind)).
			Msg("coordinator create failed")
		writeError(w, http.StatusInternalServerError, "room unavailable")
		return nil, false
	}
	return coord, true
}

// RoomInfo answers GET /rooms/{room}/{kind}.
func (h *Handler) RoomInfo(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, coord.Info())
}

// RoomStatus answers GET /rooms/{room}/{kind}/status.
func (h *Handler) RoomStatus(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, coord.Status())
}

// RoomReset answers POST /rooms/{room}/{kind}/reset.
func (h *Handler) RoomReset(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	if err := coord.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

// WebSocket answers GET /rooms/{room}/{kind}/ws and holds the connection
// until it ends.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	coord, ok := h.coordinator(w, r)
	if !ok {
		return
	}
	h.gateway.Serve(w, r, coord)
}

// execRequest is the POST /execute body.
type execRequest struct {
	Language models.Language `json:"language" validate:"required"`
	Code     string          `json:"code" validate:"required"`
}

// Execute answers POST /rooms/{room}/execute: run the code, append the
// record to the room's execution history so it persists and fans out to
// every participant. A failed run is a normal record with success=false,
// never a 5xx.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not configured")
		return
	}
	roomID := chi.URLParam(r, "room")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "language and code are required")
		return
	}
	if !models.ValidLanguage(req.Language) {
		writeError(w, http.StatusBadRequest, "unsupported language")
		return
	}

	rec, err := h.executor.Exec(r.Context(), roomID, sandbox.ExecRequest{
		Language: req.Language,
		Code:     req.Code,
	})
	if err != nil {
		// Transport-level failure: still surfaced to the room as a
		// failed record rather than an opaque HTTP error.
		rec = models.ExecutionRecord{
			Stderr:    "execution service unavailable: " + err.Error(),
			ExitCode:  -1,
			Success:   false,
			Timestamp: time.Now().UnixMilli(),
		}
	}

	coord, cerr := h.manager.GetOrCreate(r.Context(), roomID, models.KindExecution)
	if cerr != nil {
		logging.Error().Err(cerr).Str("room", roomID).Msg("execution room unavailable")
		writeError(w, http.StatusInternalServerError, "room unavailable")
		return
	}
	if err := coord.Doc().List(executionHistory).Push(rec, room.OriginExternal); err != nil {
		logging.Error().Err(err).Str("room", roomID).Msg("execution record append failed")
	}

	writeJSON(w, http.StatusOK, rec)
}

// PreviewStart answers POST /rooms/{room}/preview/start. The URL is
// written through the code document so every participant converges on it.
func (h *Handler) PreviewStart(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not configured")
		return
	}
	roomID := chi.URLParam(r, "room")

	url, err := h.executor.StartPreview(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, sandbox.ErrPreviewNotReady) {
			writeError(w, http.StatusGatewayTimeout, "preview did not become ready")
			return
		}
		writeError(w, http.StatusBadGateway, "preview start failed")
		return
	}

	if coord, cerr := h.manager.GetOrCreate(r.Context(), roomID, models.KindCode); cerr == nil {
		if err := coord.Doc().Text(previewURLContainer).SetString(url, room.OriginExternal); err != nil {
			logging.Error().Err(err).Str("room", roomID).Msg("preview url write failed")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"previewUrl": url})
}

// PreviewStop answers POST /rooms/{room}/preview/stop.
func (h *Handler) PreviewStop(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "execution service not configured")
		return
	}
	roomID := chi.URLParam(r, "room")

	if err := h.executor.StopPreview(r.Context(), roomID); err != nil {
		writeError(w, http.StatusBadGateway, "preview stop failed")
		return
	}
	if coord, cerr := h.manager.GetOrCreate(r.Context(), roomID, models.KindCode); cerr == nil {
		if err := coord.Doc().Text(previewURLContainer).SetString("", room.OriginExternal); err != nil {
			logging.Error().Err(err).Str("room", roomID).Msg("preview url clear failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// HealthLive answers GET /health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady answers GET /health/ready.
func (h *Handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       time.Since(h.started).String(),
		"active_rooms": h.manager.Count(),
	})
}
