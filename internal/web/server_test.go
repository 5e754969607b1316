package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dequery/internal/run"
	"dequery/internal/store"
)

type fakeSubmitter struct {
	runID string
	err   error
	last  run.Request
}

func (f *fakeSubmitter) Execute(ctx context.Context, req run.Request) (string, error) {
	f.last = req
	return f.runID, f.err
}

type fakeRunAPI struct {
	runs     map[string]*run.Run
	pages    map[int][]json.RawMessage
	canceled []string
}

func (f *fakeRunAPI) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRunAPI) GetResultPage(ctx context.Context, runID string, pageNo int) ([]json.RawMessage, error) {
	rows, ok := f.pages[pageNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rows, nil
}

func (f *fakeRunAPI) Cancel(ctx context.Context, runID string) (bool, error) {
	f.canceled = append(f.canceled, runID)
	return true, nil
}

func newTestServer(t *testing.T, token string, allow *CIDRAllowlist) (*Server, *fakeSubmitter, *fakeRunAPI) {
	t.Helper()
	submitter := &fakeSubmitter{runID: "run-42"}
	api := &fakeRunAPI{
		runs:  map[string]*run.Run{},
		pages: map[int][]json.RawMessage{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(submitter, api, nil, ":0", token, allow, nil, logger)
	return srv, submitter, api
}

func TestSubmitAcceptsRun(t *testing.T) {
	srv, submitter, _ := newTestServer(t, "", nil)

	body := `{"tenant_id":"t1","user_id":"u1","query":"SELECT 1","idempotency_key":"k1"}`
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] != "run-42" {
		t.Fatalf("expected run-42, got %q", resp["run_id"])
	}
	if submitter.last.TenantID != "t1" || submitter.last.Query != "SELECT 1" {
		t.Fatalf("expected request forwarded, got %+v", submitter.last)
	}
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t, "", nil)

	body := `{"query":"SELECT 1"}`
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetRun(t *testing.T) {
	srv, _, api := newTestServer(t, "", nil)
	now := time.Now()
	api.runs["run-1"] = &run.Run{
		ID:        "run-1",
		TenantID:  "t1",
		Phase:     run.PhaseRunning,
		CreatedAt: now,
	}

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp wireRun
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RunID != "run-1" || resp.Phase != "RUNNING" {
		t.Fatalf("unexpected run payload: %+v", resp)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetPage(t *testing.T) {
	srv, _, api := newTestServer(t, "", nil)
	api.pages[1] = []json.RawMessage{json.RawMessage(`{"v":1}`)}

	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/pages?page=1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/runs/run-1/pages?page=banana", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page, got %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	srv, _, api := newTestServer(t, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(api.canceled) != 1 || api.canceled[0] != "run-1" {
		t.Fatalf("expected run-1 canceled, got %v", api.canceled)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, "s3cret", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestAllowlistBlocksOutsideHosts(t *testing.T) {
	allow, err := ParseCIDRAllowlist("10.0.0.0/8")
	if err != nil {
		t.Fatalf("parse allowlist: %v", err)
	}
	srv, _, _ := newTestServer(t, "", allow)

	// httptest requests originate from 192.0.2.1, outside the allowlist.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 outside allowlist, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 inside allowlist, got %d", rec.Code)
	}
}

func TestAuthFailuresGetRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t, "s3cret", nil)

	var last int
	for i := 0; i < DefaultAuthLimit+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated auth failures, got %d", last)
	}
}
