package handlers

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/enroll"
	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// PersonsHandler handles catalog person endpoints.
type PersonsHandler struct {
	svc *recognizer.Service
}

// NewPersonsHandler creates a new persons handler.
func NewPersonsHandler(svc *recognizer.Service) *PersonsHandler {
	return &PersonsHandler{svc: svc}
}

// PersonResponse represents a registered person.
type PersonResponse struct {
	Label       catalog.Label `json:"label"`
	PersonID    string        `json:"person_id"`
	Name        *string       `json:"name"`
	DisplayName string        `json:"display_name"`
	Vectors     int           `json:"vectors"`
}

// List returns every registered person ordered by label.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	persons := h.svc.Store().Persons()
	out := make([]PersonResponse, len(persons))
	for i, p := range persons {
		out[i] = PersonResponse{
			Label:       p.Label,
			PersonID:    p.PersonID,
			Name:        p.Name,
			DisplayName: catalog.PersonRecord{PersonID: p.PersonID, Name: p.Name}.DisplayName(),
			Vectors:     p.Vectors,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// readPhotos loads uploaded multipart files into memory.
func readPhotos(files []*multipart.FileHeader) ([]enroll.Photo, error) {
	photos := make([]enroll.Photo, 0, len(files))
	for _, fh := range files {
		if err := func() error {
			f, err := fh.Open()
			if err != nil {
				return fmt.Errorf("failed to open file: %s", fh.Filename)
			}
			defer f.Close()

			data, err := io.ReadAll(f)
			if err != nil {
				return fmt.Errorf("failed to read file: %s", fh.Filename)
			}
			photos = append(photos, enroll.Photo{Name: fh.Filename, Data: data})
			return nil
		}(); err != nil {
			return nil, err
		}
	}
	return photos, nil
}

// Create saves uploaded photos for a person and re-enrolls the catalog.
// Form fields: person_id, one or more files, and optionally on_conflict
// (keep, rename or replace) deciding what happens when person_id exists.
func (h *PersonsHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	personID := r.FormValue("person_id")
	if err := enroll.ValidatePersonID(personID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := catalog.ParseConflictPolicy(r.FormValue("on_conflict"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	photos, err := readPhotos(files)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := h.svc.AddPerson(r.Context(), personID, photos, policy)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if added.Saved == 0 {
		respondError(w, http.StatusBadRequest, "no valid images provided")
		return
	}

	log.Printf("Added %d photos for %s", added.Saved, sanitizeForLog(added.PersonID))
	respondJSON(w, http.StatusCreated, added)
}

// Delete removes a person and their vectors. With ?photos=true the person's
// photo folder is deleted as well.
func (h *PersonsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personID")
	removed, err := h.svc.RemovePerson(personID, queryBool(r, "photos"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "person not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"removed": personID})
}

// Prune drops vectors whose person record no longer exists.
func (h *PersonsHandler) Prune(w http.ResponseWriter, r *http.Request) {
	before := h.svc.Store().Len()
	changed, err := h.svc.Prune()
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"dropped": before - h.svc.Store().Len(),
	})
}

// Enroll rebuilds the catalog from the images directory. With ?rebuild=true
// a populated catalog is reset to the embedder dimension first.
func (h *PersonsHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Enroll(r.Context(), queryBool(r, "rebuild"), nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
