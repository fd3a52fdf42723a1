package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kozaktomas/doorbell/internal/match"
	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// RecognizeHandler handles recognition endpoints.
type RecognizeHandler struct {
	svc *recognizer.Service
}

// NewRecognizeHandler creates a new recognize handler.
func NewRecognizeHandler(svc *recognizer.Service) *RecognizeHandler {
	return &RecognizeHandler{svc: svc}
}

// FaceInput is one precomputed face embedding.
type FaceInput struct {
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox,omitempty"`
}

// FacesRequest carries embeddings computed elsewhere.
type FacesRequest struct {
	Faces []FaceInput `json:"faces"`
}

// FacesResponse holds one result per input face.
type FacesResponse struct {
	Faces []match.Result `json:"faces"`
}

// Faces classifies precomputed embeddings. Unknown faces are cached without a crop.
func (h *RecognizeHandler) Faces(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	var req FacesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	faces := make([]match.Face, len(req.Faces))
	for i, f := range req.Faces {
		if len(f.Embedding) == 0 {
			respondError(w, http.StatusBadRequest, "face embedding is required")
			return
		}
		faces[i] = match.Face{Embedding: f.Embedding, BBox: f.BBox}
	}

	results, err := h.svc.ProcessFaces(faces)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, FacesResponse{Faces: results})
}

// readImage returns the uploaded image from a multipart "image" field or the raw body.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			respondError(w, http.StatusBadRequest, "failed to parse multipart form")
			return nil, false
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			respondError(w, http.StatusBadRequest, "image is required")
			return nil, false
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read image")
			return nil, false
		}
		return data, true
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read image")
		return nil, false
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "image is required")
		return nil, false
	}
	return data, true
}

// Image detects and classifies the faces in an uploaded image. With
// ?annotate=true the response is the image as JPEG with boxes and names drawn.
func (h *RecognizeHandler) Image(w http.ResponseWriter, r *http.Request) {
	data, ok := readImage(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.ProcessImage(r.Context(), data)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if queryBool(r, "annotate") {
		jpg, err := recognizer.EncodeAnnotated(rec)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.Write(jpg)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
