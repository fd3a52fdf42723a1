// Package mqttrpc serves recognition requests over MQTT.
package mqttrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kozaktomas/doorbell/internal/match"
	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// Recognizer is the part of recognizer.Service served over MQTT.
type Recognizer interface {
	ProcessImage(ctx context.Context, data []byte) (*recognizer.Recognition, error)
	ProcessFaces(faces []match.Face) ([]match.Result, error)
	Reload() error
}

// Topics derives the RPC topic names from a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) base() string {
	return strings.TrimSuffix(t.Prefix, "/") + "/rpc"
}

// RecognizeRequest is the topic recognition requests arrive on.
func (t Topics) RecognizeRequest() string { return t.base() + "/recognize/request" }

// RecognizeResponse is the topic the answer to requestID is published on.
func (t Topics) RecognizeResponse(requestID string) string {
	return t.base() + "/recognize/response/" + requestID
}

// ReloadRequest triggers a reload of the catalog and unknown cache from disk.
func (t Topics) ReloadRequest() string { return t.base() + "/reload/request" }

// FaceInput is one precomputed embedding.
type FaceInput struct {
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox,omitempty"`
}

// RecognizeRequest carries either a base64 image or precomputed faces.
type RecognizeRequest struct {
	RequestID string      `json:"request_id"`
	Image     string      `json:"image,omitempty"`
	Faces     []FaceInput `json:"faces,omitempty"`
}

// RecognizeResponse answers a RecognizeRequest.
type RecognizeResponse struct {
	RequestID string         `json:"request_id"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Faces     []match.Result `json:"faces"`
	Error     string         `json:"error,omitempty"`
}

var errEmptyRequest = errors.New("request has neither image nor faces")

// Handler turns request payloads into response payloads without touching the broker.
type Handler struct {
	rec    Recognizer
	topics Topics
	logger *slog.Logger
}

func NewHandler(rec Recognizer, topics Topics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{rec: rec, topics: topics, logger: logger.With("component", "mqttrpc")}
}

// HandleRecognize processes one request payload and returns the response
// topic and payload. Unparseable payloads produce no response.
func (h *Handler) HandleRecognize(ctx context.Context, payload []byte) (string, []byte, bool) {
	var req RecognizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Warn("error parsing request", "error", err, "size", len(payload))
		return "", nil, false
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	log := h.logger.With("request_id", req.RequestID)
	log.Debug("request received", "image", req.Image != "", "faces", len(req.Faces))

	resp := RecognizeResponse{RequestID: req.RequestID, Faces: []match.Result{}}
	if err := h.recognize(ctx, req, &resp); err != nil {
		log.Warn("recognition failed", "error", err)
		resp.Error = err.Error()
	}

	out, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to encode response", "error", err)
		return "", nil, false
	}
	return h.topics.RecognizeResponse(req.RequestID), out, true
}

func (h *Handler) recognize(ctx context.Context, req RecognizeRequest, resp *RecognizeResponse) error {
	switch {
	case req.Image != "":
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return errors.New("error decoding base64 image")
		}
		rec, err := h.rec.ProcessImage(ctx, data)
		if err != nil {
			return err
		}
		resp.Width, resp.Height, resp.Faces = rec.Width, rec.Height, rec.Faces
	case len(req.Faces) > 0:
		faces := make([]match.Face, len(req.Faces))
		for i, f := range req.Faces {
			faces[i] = match.Face{Embedding: f.Embedding, BBox: f.BBox}
		}
		results, err := h.rec.ProcessFaces(faces)
		if err != nil {
			return err
		}
		resp.Faces = results
	default:
		return errEmptyRequest
	}
	return nil
}

// HandleReload reloads persisted state.
func (h *Handler) HandleReload() error {
	if err := h.rec.Reload(); err != nil {
		h.logger.Error("reload failed", "error", err)
		return err
	}
	h.logger.Info("reloaded from disk")
	return nil
}
