package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/embedder"
)

func TestPersonsHandler_List(t *testing.T) {
	env := newTestEnv(t)
	env.enrollPerson(t, "alice", "Alice", []float32{1, 0, 0}, []float32{0, 1, 0})
	env.enrollPerson(t, "bob", "", []float32{0, 0, 1})

	handler := NewPersonsHandler(env.svc)
	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var persons []PersonResponse
	parseJSONResponse(t, recorder, &persons)
	if len(persons) != 2 {
		t.Fatalf("expected 2 persons, got %d", len(persons))
	}
	if persons[0].DisplayName != "Alice" || persons[0].Vectors != 2 {
		t.Errorf("unexpected first person %+v", persons[0])
	}
	if persons[1].DisplayName != "bob" || persons[1].Name != nil || persons[1].Vectors != 1 {
		t.Errorf("unexpected second person %+v", persons[1])
	}
}

func multipartPhotos(t *testing.T, personID string, files map[string][]byte, fields ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if personID != "" {
		if err := writer.WriteField("person_id", personID); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i+1 < len(fields); i += 2 {
		if err := writer.WriteField(fields[i], fields[i+1]); err != nil {
			t.Fatal(err)
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, writer.FormDataContentType()
}

func TestPersonsHandler_Create(t *testing.T) {
	env := newTestEnv(t)
	env.det.faces = []embedder.FaceDetection{{Embedding: []float32{0, 1, 0}, BBox: []float64{0, 0, 4, 4}}}

	body, contentType := multipartPhotos(t, "carol", map[string][]byte{"carol.png": pngImage(t, 8, 8)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", body)
	req.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	NewPersonsHandler(env.svc).Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
	var result struct {
		PersonID string `json:"person_id"`
		Saved    int    `json:"saved"`
		Enroll   struct {
			Faces int `json:"faces"`
		} `json:"enroll"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.PersonID != "carol" || result.Saved != 1 || result.Enroll.Faces != 1 {
		t.Errorf("unexpected response %+v", result)
	}
	if _, err := os.Stat(env.personDir("carol")); err != nil {
		t.Errorf("expected photo folder: %v", err)
	}
}

func TestPersonsHandler_CreateOnConflictRename(t *testing.T) {
	env := newTestEnv(t)
	env.det.faces = []embedder.FaceDetection{{Embedding: []float32{0, 1, 0}, BBox: []float64{0, 0, 4, 4}}}
	original := env.enrollPerson(t, "carol", "Carol", []float32{1, 0, 0})

	body, contentType := multipartPhotos(t, "carol", map[string][]byte{"carol.png": pngImage(t, 8, 8)}, "on_conflict", "rename")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", body)
	req.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	NewPersonsHandler(env.svc).Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)
	var result struct {
		PersonID string `json:"person_id"`
	}
	parseJSONResponse(t, recorder, &result)
	if result.PersonID != "carol_new" {
		t.Errorf("expected carol_new, got %q", result.PersonID)
	}
	if _, err := os.Stat(env.personDir("carol_new")); err != nil {
		t.Errorf("expected photo folder for carol_new: %v", err)
	}
	if label, ok := env.svc.Store().LabelOf("carol"); !ok || label != original {
		t.Errorf("expected carol to keep label %d, got %d %v", original, label, ok)
	}
}

func TestPersonsHandler_CreateUnknownPolicy(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartPhotos(t, "carol", map[string][]byte{"carol.png": pngImage(t, 8, 8)}, "on_conflict", "merge")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", body)
	req.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	NewPersonsHandler(env.svc).Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	if _, err := os.Stat(env.personDir("carol")); !os.IsNotExist(err) {
		t.Errorf("expected no photo folder, got %v", err)
	}
}

func TestPersonsHandler_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	handler := NewPersonsHandler(env.svc)

	tests := []struct {
		name     string
		personID string
		files    map[string][]byte
		wantErr  string
	}{
		{"reserved id", "unknown", map[string][]byte{"a.png": pngImage(t, 4, 4)}, "invalid person id: \"unknown\" is reserved"},
		{"no files", "dave", nil, "no files provided"},
		{"no valid images", "dave", map[string][]byte{"a.png": []byte("nope")}, "no valid images provided"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := multipartPhotos(t, tc.personID, tc.files)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/persons", body)
			req.Header.Set("Content-Type", contentType)
			recorder := httptest.NewRecorder()
			handler.Create(recorder, req)

			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, tc.wantErr)
		})
	}
}

func TestPersonsHandler_Delete(t *testing.T) {
	env := newTestEnv(t)
	env.enrollPerson(t, "alice", "", []float32{1, 0, 0})
	handler := NewPersonsHandler(env.svc)

	req := requestWithChiParams(httptest.NewRequest(http.MethodDelete, "/api/v1/persons/alice", nil), map[string]string{"personID": "alice"})
	recorder := httptest.NewRecorder()
	handler.Delete(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	if env.svc.Store().Len() != 0 {
		t.Errorf("expected vectors removed, got %d", env.svc.Store().Len())
	}

	recorder = httptest.NewRecorder()
	handler.Delete(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "person not found")
}

func TestPersonsHandler_Prune(t *testing.T) {
	env := newTestEnv(t)
	store := env.svc.Store()
	if err := store.Add([][]float32{{1, 0, 0}, {0, 1, 0}}, []catalog.Label{5, 5}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	recorder := httptest.NewRecorder()
	NewPersonsHandler(env.svc).Prune(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/persons/prune", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result struct {
		Changed bool `json:"changed"`
		Dropped int  `json:"dropped"`
	}
	parseJSONResponse(t, recorder, &result)
	if !result.Changed || result.Dropped != 2 {
		t.Errorf("unexpected prune result %+v", result)
	}
}

func TestPersonsHandler_Enroll(t *testing.T) {
	env := newTestEnv(t)
	env.det.faces = []embedder.FaceDetection{{Embedding: []float32{1, 0, 0}}}
	if err := os.MkdirAll(env.personDir("alice"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.personDir("alice"), "1.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	recorder := httptest.NewRecorder()
	NewPersonsHandler(env.svc).Enroll(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/enroll", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var stats struct {
		Persons int `json:"persons"`
		Faces   int `json:"faces"`
	}
	parseJSONResponse(t, recorder, &stats)
	if stats.Persons != 1 || stats.Faces != 1 {
		t.Errorf("unexpected enroll stats %+v", stats)
	}
}
