package handlers

import (
	"net/http"

	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	svc *recognizer.Service
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(svc *recognizer.Service) *StatsHandler {
	return &StatsHandler{svc: svc}
}

// Get returns catalog and unknown cache counts
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Stats())
}
