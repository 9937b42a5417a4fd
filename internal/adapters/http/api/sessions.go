package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/resonance/internal/adapters/repository"
	"github.com/okian/resonance/internal/domain/model"
)

// SessionDependencies is the session record API the handlers need.
type SessionDependencies interface {
	CreateSession(ctx context.Context, s model.SyncSession) (model.SyncSession, error)
	GetSession(ctx context.Context, id string) (model.SyncSession, error)
	JoinSession(ctx context.Context, id, clientID string) (model.SyncSession, error)
	LeaveSession(ctx context.Context, id, clientID string) error
}

// SessionsHandler serves the session record routes.
type SessionsHandler struct {
	deps SessionDependencies
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// JoinRequest is the body of POST /sessions/{id}/participants.
type JoinRequest struct {
	ClientID string `json:"client_id"`
}

// HandleCreate handles POST /sessions.
func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_session"
	var req model.SyncSession
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	created, err := h.deps.CreateSession(r.Context(), req)
	if err != nil {
		writeStoreError(w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// HandleGet handles GET /sessions/{id}.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	s, err := h.deps.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleJoin handles POST /sessions/{id}/participants.
func (h *SessionsHandler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	const op = "api.join_session"
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	s, err := h.deps.JoinSession(r.Context(), r.PathValue("id"), strings.TrimSpace(req.ClientID))
	if err != nil {
		writeStoreError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleLeave handles DELETE /sessions/{id}/participants/{client}.
func (h *SessionsHandler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	const op = "api.leave_session"
	if err := h.deps.LeaveSession(r.Context(), r.PathValue("id"), r.PathValue("client")); err != nil {
		writeStoreError(w, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repository.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, model.ErrInvalidSession), errors.Is(err, repository.ErrInvalidClient):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
