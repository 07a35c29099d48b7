package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/comparisonguide/clicktrack/internal/handler/dto"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/repository"
)

func doJSON(t *testing.T, fn http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestClickHandler_Create(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())

	rec := doJSON(t, h.Create, http.MethodPost, "/api/clicks",
		`{"clickId":"ABC123","source":"google","providerId":"acme","params":{"gclid":"x"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dto.ClickResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Click == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Click.Status != model.ClickStatusReceived {
		t.Errorf("expected default status received, got %s", resp.Click.Status)
	}

	rec = doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC123"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409 for duplicate, got %d", rec.Code)
	}
}

func TestClickHandler_CreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"clickId":`, "INVALID_JSON"},
		{"missing click id", `{"source":"google"}`, "VALIDATION_FAILED"},
		{"bad status", `{"clickId":"ABC123","status":"lost"}`, "VALIDATION_FAILED"},
		{"forwardedAt without providerUrl", `{"clickId":"ABC123","forwardedAt":"2024-06-01T12:00:00Z"}`, "VALIDATION_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			h := NewClickHandler(env.svc, discardLogger())

			rec := doJSON(t, h.Create, http.MethodPost, "/api/clicks", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if resp := decodeError(t, rec); resp.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, resp.Code)
			}
		})
	}
}

func TestClickHandler_CreatePersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.err = errors.Join(repository.ErrPersistence, errors.New("connection reset"))
	h := NewClickHandler(env.svc, discardLogger())

	rec := doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC123"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error == "" {
		t.Error("expected an error message")
	}
}

func TestClickHandler_GetByClickID(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())
	doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC123","source":"google"}`)

	rec := doJSON(t, h.Get, http.MethodGet, "/api/clicks?clickId=ABC123", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var click model.Click
	if err := json.NewDecoder(rec.Body).Decode(&click); err != nil {
		t.Fatalf("failed to decode click: %v", err)
	}
	if click.ClickID != "ABC123" || click.Source != "google" {
		t.Errorf("unexpected click: %+v", click)
	}

	rec = doJSON(t, h.Get, http.MethodGet, "/api/clicks?clickId=NOPE1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestClickHandler_GetStats(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())
	doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC123"}`)

	rec := doJSON(t, h.Get, http.MethodGet, "/api/clicks?timeframe=7d", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var stats model.ClickStats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Timeframe != "7d" || stats.Total != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClickHandler_List(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())
	doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC1","source":"google"}`)
	doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC2","source":"bing"}`)

	rec := doJSON(t, h.Get, http.MethodGet, "/api/clicks?source=google&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp dto.ClickListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if resp.Total != 1 || len(resp.Clicks) != 1 || resp.Clicks[0].ClickID != "ABC1" {
		t.Errorf("unexpected listing: %+v", resp)
	}
	if resp.Limit != 10 || resp.Offset != 0 {
		t.Errorf("unexpected paging: limit=%d offset=%d", resp.Limit, resp.Offset)
	}
}

func TestClickHandler_ListRejectsBadParams(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())

	for _, target := range []string{
		"/api/clicks?limit=ten",
		"/api/clicks?offset=-1",
		"/api/clicks?from=yesterday",
		"/api/clicks?status=received,lost",
	} {
		rec := doJSON(t, h.Get, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", target, rec.Code)
		}
	}
}

func TestClickHandler_Update(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())
	doJSON(t, h.Create, http.MethodPost, "/api/clicks", `{"clickId":"ABC123"}`)

	rec := doJSON(t, h.Update, http.MethodPut, "/api/clicks",
		`{"clickId":"ABC123","status":"forwarded","providerUrl":"https://acme.example/go?s=ABC123","forwardedAt":"1717243200000"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp dto.ClickResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Click.Status != model.ClickStatusForwarded {
		t.Errorf("expected forwarded, got %s", resp.Click.Status)
	}
	if resp.Click.ForwardedAt == nil || resp.Click.ForwardedAt.UnixMilli() != 1717243200000 {
		t.Errorf("forwardedAt not normalized: %v", resp.Click.ForwardedAt)
	}

	rec = doJSON(t, h.Update, http.MethodPut, "/api/clicks", `{"clickId":"ABC123","status":"received"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409 for backwards transition, got %d", rec.Code)
	}
}

func TestClickHandler_UpdateErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing click id", `{"status":"forwarded"}`, http.StatusBadRequest},
		{"bad status", `{"clickId":"ABC123","status":"lost"}`, http.StatusBadRequest},
		{"nothing to update", `{"clickId":"ABC123"}`, http.StatusBadRequest},
		{"unknown click", `{"clickId":"NOPE1","status":"failed"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			h := NewClickHandler(env.svc, discardLogger())

			rec := doJSON(t, h.Update, http.MethodPut, "/api/clicks", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestClickHandler_RecentReturnsArray(t *testing.T) {
	env := newTestEnv(t)
	h := NewClickHandler(env.svc, discardLogger())

	rec := doJSON(t, h.Recent, http.MethodGet, "/api/clicks/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}
