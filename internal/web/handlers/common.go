package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/enroll"
	"github.com/kozaktomas/doorbell/internal/imaging"
	"github.com/kozaktomas/doorbell/internal/recognizer"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxUploadSize bounds multipart uploads and raw image bodies.
const maxUploadSize = 32 << 20

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps domain errors to HTTP status codes.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, unknown.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, enroll.ErrInvalidPersonID),
		errors.Is(err, catalog.ErrDimensionMismatch),
		errors.Is(err, catalog.ErrLengthMismatch),
		errors.Is(err, catalog.ErrUnknownPolicy),
		errors.Is(err, unknown.ErrEmptyEmbedding),
		errors.Is(err, imaging.ErrDecode):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recognizer.ErrNoDetector):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, enroll.ErrEnrollFailed):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// unknownIDParam parses the {id} URL parameter.
func unknownIDParam(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

// queryBool reports whether the query parameter is set to a true value.
func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
