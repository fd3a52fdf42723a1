package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/doorbell/internal/embedder"
	"github.com/kozaktomas/doorbell/internal/match"
)

func TestRecognizeHandler_Faces(t *testing.T) {
	env := newTestEnv(t)
	env.enrollPerson(t, "alice", "Alice", []float32{1, 0, 0})

	body := jsonBody(t, FacesRequest{Faces: []FaceInput{
		{Embedding: []float32{1, 0, 0}, BBox: []float64{1, 2, 3, 4}},
		{Embedding: []float32{0, 1, 0}},
	}})
	recorder := httptest.NewRecorder()
	NewRecognizeHandler(env.svc).Faces(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/recognize/faces", body))

	assertStatusCode(t, recorder, http.StatusOK)
	var resp FacesResponse
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Faces) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Faces))
	}
	if resp.Faces[0].Name != "Alice" || !resp.Faces[0].Known || len(resp.Faces[0].BBox) != 4 {
		t.Errorf("unexpected first result %+v", resp.Faces[0])
	}
	if resp.Faces[1].Name != match.UnknownName || !resp.Faces[1].Admitted {
		t.Errorf("expected admitted unknown, got %+v", resp.Faces[1])
	}
}

func TestRecognizeHandler_FacesValidation(t *testing.T) {
	env := newTestEnv(t)
	handler := NewRecognizeHandler(env.svc)

	recorder := httptest.NewRecorder()
	handler.Faces(recorder, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("nope"))))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)

	recorder = httptest.NewRecorder()
	handler.Faces(recorder, httptest.NewRequest(http.MethodPost, "/", jsonBody(t, FacesRequest{Faces: []FaceInput{{}}})))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "face embedding is required")
}

func TestRecognizeHandler_FacesBodyLimit(t *testing.T) {
	env := newTestEnv(t)

	// Valid JSON whose padding field pushes it past the upload limit.
	var buf bytes.Buffer
	buf.WriteString(`{"faces":[],"pad":"`)
	buf.Write(bytes.Repeat([]byte("a"), maxUploadSize))
	buf.WriteString(`"}`)

	recorder := httptest.NewRecorder()
	NewRecognizeHandler(env.svc).Faces(recorder, httptest.NewRequest(http.MethodPost, "/", &buf))

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, errInvalidRequestBody)
}

func TestRecognizeHandler_FacesDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.enrollPerson(t, "alice", "", []float32{1, 0, 0})

	recorder := httptest.NewRecorder()
	body := jsonBody(t, FacesRequest{Faces: []FaceInput{{Embedding: []float32{1, 0}}}})
	NewRecognizeHandler(env.svc).Faces(recorder, httptest.NewRequest(http.MethodPost, "/", body))

	assertStatusCode(t, recorder, http.StatusBadRequest)
}

func TestRecognizeHandler_ImageRawBody(t *testing.T) {
	env := newTestEnv(t)
	env.enrollPerson(t, "alice", "Alice", []float32{1, 0, 0})
	env.det.faces = []embedder.FaceDetection{{Embedding: []float32{1, 0, 0}, BBox: []float64{2, 2, 10, 10}}}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognize/image", bytes.NewReader(pngImage(t, 20, 16)))
	req.Header.Set("Content-Type", "image/png")
	recorder := httptest.NewRecorder()
	NewRecognizeHandler(env.svc).Image(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var result struct {
		Width  int            `json:"width"`
		Height int            `json:"height"`
		Faces  []match.Result `json:"faces"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.Width != 20 || result.Height != 16 {
		t.Errorf("expected 20x16, got %dx%d", result.Width, result.Height)
	}
	if len(result.Faces) != 1 || result.Faces[0].Name != "Alice" {
		t.Errorf("unexpected faces %+v", result.Faces)
	}
}

func TestRecognizeHandler_ImageMultipartAnnotated(t *testing.T) {
	env := newTestEnv(t)
	env.det.faces = []embedder.FaceDetection{{Embedding: []float32{0, 1, 0}, BBox: []float64{2, 2, 10, 10}}}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "frame.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(pngImage(t, 24, 24))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recognize/image?annotate=true", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	NewRecognizeHandler(env.svc).Image(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "image/jpeg")
	if !bytes.HasPrefix(recorder.Body.Bytes(), []byte{0xFF, 0xD8}) {
		t.Error("expected JPEG body")
	}
}

func TestRecognizeHandler_ImageErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := NewRecognizeHandler(env.svc)

	recorder := httptest.NewRecorder()
	handler.Image(recorder, httptest.NewRequest(http.MethodPost, "/", nil))
	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "image is required")

	recorder = httptest.NewRecorder()
	handler.Image(recorder, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not an image"))))
	assertStatusCode(t, recorder, http.StatusBadRequest)
}
