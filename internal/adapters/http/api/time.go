package api

import (
	"net/http"
	"time"
)

// TimeSource is the server's reference clock.
type TimeSource interface {
	Now() time.Time
}

// TimeResponse is the body of GET /time.
type TimeResponse struct {
	Epoch int64 `json:"epoch"`
}

// TimeHandler answers clock probes.
type TimeHandler struct {
	source TimeSource
}

// NewTimeHandler creates a time handler.
func NewTimeHandler(source TimeSource) *TimeHandler {
	return &TimeHandler{source: source}
}

// HandleTime handles GET /time requests.
func (h *TimeHandler) HandleTime(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TimeResponse{Epoch: h.source.Now().UnixMilli()})
}
