package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dequery/internal/driver"
	"dequery/internal/events"
	"dequery/internal/run"
	"dequery/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submitter accepts validated run requests (the driver).
type Submitter interface {
	Execute(ctx context.Context, req run.Request) (string, error)
}

// RunAPI is the read/cancel surface backed by the run store.
type RunAPI interface {
	GetRun(ctx context.Context, runID string) (*run.Run, error)
	GetResultPage(ctx context.Context, runID string, pageNo int) ([]json.RawMessage, error)
	Cancel(ctx context.Context, runID string) (bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	submitter Submitter
	runs      RunAPI
	db        Pinger
	addr      string
	token     string
	limiter   *authLimiter
	allow     *CIDRAllowlist
	events    *events.Broker
	logger    *slog.Logger
}

func NewServer(submitter Submitter, runs RunAPI, db Pinger, addr, token string, allowlist *CIDRAllowlist, broker *events.Broker, logger *slog.Logger) *Server {
	return &Server{
		submitter: submitter,
		runs:      runs,
		db:        db,
		addr:      addr,
		token:     token,
		limiter:   newAuthLimiter(DefaultAuthLimit, DefaultAuthWindow, DefaultAuthMaxEntries),
		allow:     allowlist,
		events:    broker,
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", s.guarded(s.handleSubmit))
	mux.HandleFunc("GET /runs/{id}", s.guarded(s.handleGetRun))
	mux.HandleFunc("GET /runs/{id}/pages", s.guarded(s.handleGetPage))
	mux.HandleFunc("POST /runs/{id}/cancel", s.guarded(s.handleCancel))
	mux.HandleFunc("GET /events", s.guarded(s.handleEvents))

	mux.HandleFunc("GET /healthz", s.guarded(func(w http.ResponseWriter, r *http.Request) {
		if s.db != nil {
			if err := s.db.Ping(r.Context()); err != nil {
				s.logger.Warn("Health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("GET /metrics", s.guarded(func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	}))

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req run.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.UserID == "" || req.IdempotencyKey == "" {
		http.Error(w, "tenant_id, user_id and idempotency_key are required", http.StatusBadRequest)
		return
	}

	runID, err := s.submitter.Execute(r.Context(), req)
	if err != nil {
		if errors.Is(err, driver.ErrEmptyQuery) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Submission failed", "error", err)
		http.Error(w, "submission failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load run", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toWireRun(rec))
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	pageNo := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid page number", http.StatusBadRequest)
			return
		}
		pageNo = parsed
	}

	rows, err := s.runs.GetResultPage(r.Context(), r.PathValue("id"), pageNo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "page not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load result page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": pageNo, "rows": rows})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	canceled, err := s.runs.Cancel(r.Context(), runID)
	if err != nil {
		s.logger.Error("Cancel failed", "run_id", runID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if canceled && s.events != nil {
		s.events.Publish(events.Event{Type: events.TypeRunCanceled, RunID: runID})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "events not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel, snapshot := s.events.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := !s.limiter.allow(host, time.Now())
		s.logger.Warn("Denied request", "path", r.URL.Path, "method", r.Method, "remote_host", host, "reason", "allowlist", "rate_limited", limited)
		if limited {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		} else {
			http.Error(w, "forbidden", http.StatusForbidden)
		}
		return false
	}
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if token == s.token {
			return true
		}
	}
	limited := !s.limiter.allow(host, time.Now())
	s.logger.Warn("Unauthorized request", "path", r.URL.Path, "method", r.Method, "remote_host", host, "rate_limited", limited)
	if limited {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	} else {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type wireRun struct {
	RunID        string     `json:"run_id"`
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id"`
	Phase        string     `json:"phase"`
	AttemptCount int        `json:"attempt_count"`
	RowCount     int64      `json:"row_count"`
	PageCount    int        `json:"page_count"`
	Error        *run.Error `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func toWireRun(r *run.Run) wireRun {
	return wireRun{
		RunID:        r.ID,
		TenantID:     r.TenantID,
		UserID:       r.UserID,
		Phase:        string(r.Phase),
		AttemptCount: r.AttemptCount,
		RowCount:     r.RowCount,
		PageCount:    r.PageCount,
		Error:        r.LastError,
		CreatedAt:    r.CreatedAt,
		SubmittedAt:  r.SubmittedAt,
		CompletedAt:  r.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
