package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/embedder"
	"github.com/kozaktomas/doorbell/internal/match"
	"github.com/kozaktomas/doorbell/internal/recognizer"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

// staticDetector returns the same faces for every image
type staticDetector struct {
	faces []embedder.FaceDetection
}

func (d *staticDetector) DetectFaces(context.Context, []byte) (*embedder.FaceResponse, error) {
	return &embedder.FaceResponse{FacesCount: len(d.faces), Faces: d.faces}, nil
}

// testEnv bundles a service backed by temporary directories
type testEnv struct {
	cfg *config.Config
	svc *recognizer.Service
	det *staticDetector
}

// testConfig creates a minimal config rooted at dir
func testConfig(dir string) *config.Config {
	cfg := &config.Config{DataDir: dir}
	cfg.Match.SimThreshold = 0.4
	cfg.Match.TopK = 1
	cfg.Match.UnknownDupSim = 0.8
	cfg.Match.EmbedDim = 3
	cfg.Embedding.URL = "http://localhost:8000"
	return cfg
}

// newTestEnv creates a 3-dimensional catalog with an unknown cache and a static detector
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig(t.TempDir())

	store := catalog.NewStore(catalog.DefaultPaths(cfg.CatalogDir(), cfg.RecordPath()), catalog.Options{Dim: 3})
	uopts := unknown.DefaultOptions(cfg.CatalogDir(), cfg.UnknownDir())
	uopts.Dim = 3
	det := &staticDetector{}
	svc := recognizer.New(store, unknown.New(uopts), det, recognizer.Options{ImagesDir: cfg.ImagesDir(), Match: match.DefaultOptions()})
	return &testEnv{cfg: cfg, svc: svc, det: det}
}

// enrollPerson adds vectors for a person directly to the catalog
func (e *testEnv) enrollPerson(t *testing.T, personID, name string, vectors ...[]float32) catalog.Label {
	t.Helper()
	label, _, err := e.svc.Store().Enroll(personID, name, vectors)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	return label
}

// personDir returns the photo folder of a person
func (e *testEnv) personDir(personID string) string {
	return filepath.Join(e.cfg.ImagesDir(), personID)
}

// pngImage encodes a blank image of the given size
func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// jsonBody encodes v as a request body
func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewReader(data)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
