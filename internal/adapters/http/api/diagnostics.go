package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/resonance/internal/domain/model"
)

// DiagnosticsSubmitter accepts reports for asynchronous handling. It returns
// false on backpressure.
type DiagnosticsSubmitter interface {
	Enqueue(ctx context.Context, r model.DiagnosticReport) bool
}

// DiagnosticsHandler handles POST /diagnostics.
type DiagnosticsHandler struct {
	sink DiagnosticsSubmitter
}

// NewDiagnosticsHandler creates a diagnostics handler.
func NewDiagnosticsHandler(sink DiagnosticsSubmitter) *DiagnosticsHandler {
	return &DiagnosticsHandler{sink: sink}
}

type ackResponse struct {
	Status string `json:"status"`
}

// HandlePostDiagnostics handles POST /diagnostics requests.
func (h *DiagnosticsHandler) HandlePostDiagnostics(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_diagnostics"
	var report model.DiagnosticReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if strings.TrimSpace(report.ClientID) == "" || strings.TrimSpace(report.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request",
			WrapKind(op, ErrBadRequest, errors.New("client_id and session_id are required")))
		return
	}
	if !h.sink.Enqueue(r.Context(), report) {
		writeError(w, http.StatusTooManyRequests, "backpressure", NewKind(op, ErrBackpressure))
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
