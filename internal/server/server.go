// Package server exposes the job API: registrations are accepted onto the
// queue and their results are served back once a worker records them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/queue"
	"github.com/xkilldash9x/autoreg/internal/store"
)

// maxBodyBytes bounds a submitted job document.
const maxBodyBytes = 1 << 20

// Results is where finished runs are recorded and read back. Lookups of
// unknown jobs return store.ErrNotFound.
type Results interface {
	SaveResult(ctx context.Context, res *schemas.RegistrationResult) error
	ResultByJob(ctx context.Context, jobID string) (*schemas.RegistrationResult, error)
}

// Lister is implemented by Results backends that can list recent runs.
type Lister interface {
	RecentResults(ctx context.Context, status schemas.RunStatus, limit int) ([]schemas.RegistrationResult, error)
}

// Server is the HTTP front of the job queue.
type Server struct {
	cfg     config.ServerConfig
	queue   queue.Queue
	results Results
	logger  *zap.Logger
	router  *mux.Router
}

func New(cfg config.ServerConfig, q queue.Queue, results Results, logger *zap.Logger) (*Server, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if results == nil {
		return nil, errors.New("results cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	s := &Server{cfg: cfg, queue: q, results: results, logger: logger.Named("server"), router: mux.NewRouter()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/registrations", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/registrations", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/registrations/{id}", s.handleGet).Methods(http.MethodGet)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("Job API listening.", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("job API stopped: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("Shutting down job API.")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("job API shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job schemas.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&job); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validateTarget(job.TargetURL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Submitted = time.Now().UTC()

	if err := s.queue.Push(r.Context(), job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrFull) || errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("Failed to enqueue job.", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, status, "job could not be queued")
		return
	}
	s.logger.Info("Job queued.", zap.String("job_id", job.ID), zap.String("target_url", job.TargetURL))
	w.Header().Set("Location", "/v1/registrations/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: "queued"})
}

func validateTarget(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("target_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("target_url must be an absolute http(s) URL: %q", raw)
	}
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.results.ResultByJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no result for job "+id)
		return
	}
	if err != nil {
		s.logger.Error("Failed to read result.", zap.String("job_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.results.(Lister)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "listing is not supported by this result store")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	out, err := lister.RecentResults(r.Context(), schemas.RunStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.logger.Error("Failed to list results.", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if out == nil {
		out = []schemas.RegistrationResult{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Len(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// MemoryResults keeps the latest result per job in process memory. It backs
// the API when no database is configured.
type MemoryResults struct {
	mu    sync.RWMutex
	byJob map[string]*schemas.RegistrationResult
}

var (
	_ Results = (*MemoryResults)(nil)
	_ Results = (*store.Store)(nil)
	_ Lister  = (*store.Store)(nil)
)

func NewMemoryResults() *MemoryResults {
	return &MemoryResults{byJob: make(map[string]*schemas.RegistrationResult)}
}

func (m *MemoryResults) SaveResult(_ context.Context, res *schemas.RegistrationResult) error {
	if res == nil {
		return errors.New("result cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byJob[res.JobID] = res
	return nil
}

func (m *MemoryResults) ResultByJob(_ context.Context, jobID string) (*schemas.RegistrationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.byJob[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return res, nil
}
