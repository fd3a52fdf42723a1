package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/enroll"
	"github.com/kozaktomas/doorbell/internal/imaging"
	"github.com/kozaktomas/doorbell/internal/recognizer"
	"github.com/kozaktomas/doorbell/internal/unknown"
)

func TestRespondJSON_SetsStatusAndContentType(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"OK", http.StatusOK},
		{"Created", http.StatusCreated},
		{"NotFound", http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondJSON(recorder, tc.statusCode, map[string]int{"persons": 2})

			assertStatusCode(t, recorder, tc.statusCode)
			assertContentType(t, recorder, "application/json")
		})
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError_ContainsErrorKey(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondError(recorder, http.StatusBadRequest, "something went wrong")

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "something went wrong")
}

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("%w: id 3", unknown.ErrNotFound), http.StatusNotFound},
		{"invalid person", enroll.ErrInvalidPersonID, http.StatusBadRequest},
		{"dimension", catalog.ErrDimensionMismatch, http.StatusBadRequest},
		{"decode", imaging.ErrDecode, http.StatusBadRequest},
		{"no detector", recognizer.ErrNoDetector, http.StatusServiceUnavailable},
		{"unknown policy", catalog.ErrUnknownPolicy, http.StatusBadRequest},
		{"enroll failed", enroll.ErrEnrollFailed, http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			respondServiceError(recorder, tc.err)

			assertStatusCode(t, recorder, tc.want)
			assertJSONError(t, recorder, tc.err.Error())
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("alice\r\nINFO forged"); got != "aliceINFO forged" {
		t.Errorf("expected newlines stripped, got %q", got)
	}
}

func TestUnknownIDParam(t *testing.T) {
	tests := []struct {
		raw  string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"-1", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": tc.raw})
		got, ok := unknownIDParam(req)
		if ok != tc.ok || got != tc.want {
			t.Errorf("unknownIDParam(%q) = %d, %v; want %d, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestQueryBool(t *testing.T) {
	tests := map[string]bool{
		"/?annotate=true": true,
		"/?annotate=1":    true,
		"/?annotate=no":   false,
		"/":               false,
	}
	for target, want := range tests {
		if got := queryBool(httptest.NewRequest(http.MethodGet, target, nil), "annotate"); got != want {
			t.Errorf("queryBool(%s) = %v, want %v", target, got, want)
		}
	}
}

func TestHealthCheck_ReturnsStatusOk(t *testing.T) {
	for _, method := range []string{"GET", "HEAD"} {
		t.Run(method, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			HealthCheck(recorder, httptest.NewRequest(method, "/api/v1/health", nil))

			assertStatusCode(t, recorder, http.StatusOK)
			var result map[string]string
			parseJSONResponse(t, recorder, &result)
			if result["status"] != "ok" {
				t.Errorf("expected status 'ok', got '%s'", result["status"])
			}
		})
	}
}
