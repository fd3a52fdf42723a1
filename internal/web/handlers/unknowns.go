package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// UnknownsHandler handles the unknown face review endpoints.
type UnknownsHandler struct {
	svc *recognizer.Service
}

// NewUnknownsHandler creates a new unknowns handler.
func NewUnknownsHandler(svc *recognizer.Service) *UnknownsHandler {
	return &UnknownsHandler{svc: svc}
}

// UnknownResponse represents a cached unknown face.
type UnknownResponse struct {
	ID      uint64 `json:"id"`
	File    string `json:"file"`
	HasCrop bool   `json:"has_crop"`
}

// List returns cached unknown faces in admission order.
func (h *UnknownsHandler) List(w http.ResponseWriter, r *http.Request) {
	out := []UnknownResponse{}
	if cache := h.svc.Unknowns(); cache != nil {
		for _, e := range cache.Entries() {
			out = append(out, UnknownResponse{ID: e.ID, File: e.File, HasCrop: e.File != ""})
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// Crop serves the JPEG crop of an unknown face.
func (h *UnknownsHandler) Crop(w http.ResponseWriter, r *http.Request) {
	id, ok := unknownIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid unknown id")
		return
	}
	cache := h.svc.Unknowns()
	if cache == nil {
		respondError(w, http.StatusNotFound, "unknown face not found")
		return
	}
	entry, found := cache.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "unknown face not found")
		return
	}
	path := cache.CropPath(entry)
	if path == "" {
		respondError(w, http.StatusNotFound, "unknown face has no crop")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

// LabelRequest names an unknown face.
type LabelRequest struct {
	Name string `json:"name"`
}

// Label moves an unknown face into the catalog under the given name.
func (h *UnknownsHandler) Label(w http.ResponseWriter, r *http.Request) {
	id, ok := unknownIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid unknown id")
		return
	}
	var req LabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	out, err := h.svc.LabelUnknown(id, req.Name)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Delete discards an unknown face and its crop.
func (h *UnknownsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := unknownIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid unknown id")
		return
	}
	if err := h.svc.RemoveUnknown(id); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": id})
}
