// Package server provides the HTTP API for the signature cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	sigcache "github.com/wolfeidau/sigcache"
	"github.com/wolfeidau/sigcache/importer"
	"github.com/wolfeidau/sigcache/signature"
	"github.com/wolfeidau/sigcache/telemetry"
)

// maxRequestBody bounds request bodies; the largest legitimate payload is a
// batch import of hashes.
const maxRequestBody = 8 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when non-empty.
	// /health and /metrics stay unauthenticated.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server fronting the signature service.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	service *signature.Service
}

// New creates a server around the given signature service.
func New(svc *signature.Service, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		service: svc,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Service operation counters
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Signature operations. Hashes are standard Base64 and may contain '/'
	// and '+', so they travel in request bodies and query parameters rather
	// than path segments.
	mux.HandleFunc("POST /v1/signatures/check", s.handleCheck)
	mux.HandleFunc("POST /v1/signatures/check-batch", s.handleCheckBatch)
	mux.HandleFunc("POST /v1/signatures", s.handleStore)
	mux.HandleFunc("POST /v1/signatures/store-batch", s.handleStoreBatch)
	mux.HandleFunc("DELETE /v1/signatures", s.handleDelete)

	// Bulk import jobs
	mux.HandleFunc("POST /v1/imports", s.handleImportSubmit)
	mux.HandleFunc("GET /v1/imports", s.handleImportList)
	mux.HandleFunc("GET /v1/imports/{id}", s.handleImportStatus)
	mux.HandleFunc("DELETE /v1/imports/{id}", s.handleImportCancel)
}

type hashRequest struct {
	Hash string `json:"hash"`
}

type hashesRequest struct {
	Hashes []string `json:"hashes"`
}

type existsResponse struct {
	Hash   string `json:"hash"`
	Exists bool   `json:"exists"`
}

type checkBatchResponse struct {
	Results  map[string]bool `json:"results"`
	Complete bool            `json:"complete"`
}

type importResponse struct {
	JobID string `json:"job_id"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats returns per-operation counters for the service.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "stats")
	writeJSON(w, http.StatusOK, s.service.Metrics())
}

// handleCheck answers a single existence check.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "check")

	hash, ok := s.decodeHash(w, r)
	if !ok {
		return
	}

	exists := s.service.Contains(r.Context(), hash)
	writeJSON(w, http.StatusOK, existsResponse{Hash: string(hash), Exists: exists})
}

// handleCheckBatch answers existence checks for many hashes at once.
func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "check_batch")

	hashes, ok := s.decodeHashes(w, r)
	if !ok {
		return
	}

	results, complete := s.service.BatchContains(r.Context(), hashes)
	if results == nil {
		writeError(w, http.StatusBadRequest, "invalid batch")
		return
	}

	out := make(map[string]bool, len(results))
	for hash, exists := range results {
		out[string(hash)] = exists
	}
	writeJSON(w, http.StatusOK, checkBatchResponse{Results: out, Complete: complete})
}

// handleStore records a single hash as seen.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "store")

	hash, ok := s.decodeHash(w, r)
	if !ok {
		return
	}

	if !s.service.Store(r.Context(), hash) {
		writeError(w, http.StatusBadGateway, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, existsResponse{Hash: string(hash), Exists: true})
}

// handleStoreBatch records many hashes as seen.
func (s *Server) handleStoreBatch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "store_batch")

	hashes, ok := s.decodeHashes(w, r)
	if !ok {
		return
	}

	if !s.service.BatchStore(r.Context(), hashes) {
		writeError(w, http.StatusBadGateway, "batch store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": len(hashes)})
}

// handleDelete removes a hash. The hash arrives as a query parameter since
// Base64 is not path-safe.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "delete")

	hash, err := sigcache.ParseContentHash(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.service.Delete(r.Context(), hash) {
		writeError(w, http.StatusBadGateway, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImportSubmit starts a background import job.
func (s *Server) handleImportSubmit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "import_submit")

	hashes, ok := s.decodeHashes(w, r)
	if !ok {
		return
	}

	id, ok := s.service.BatchImport(r.Context(), hashes)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "import rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, importResponse{JobID: id})
}

// handleImportList returns all known import jobs.
func (s *Server) handleImportList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "import_list")

	jobs := s.service.Jobs()
	if jobs == nil {
		jobs = []*importer.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleImportStatus returns one job's status.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "import_status")

	job := s.service.JobStatus(r.PathValue("id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleImportCancel cancels a queued or processing job.
func (s *Server) handleImportCancel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "import_cancel")

	id := r.PathValue("id")
	if !s.service.CancelJob(id) {
		job := s.service.JobStatus(id)
		if job == nil {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeHash reads a single-hash request body and validates the hash.
func (s *Server) decodeHash(w http.ResponseWriter, r *http.Request) (sigcache.ContentHash, bool) {
	var req hashRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}

	hash, err := sigcache.ParseContentHash(req.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return hash, true
}

// decodeHashes reads a multi-hash request body and validates every hash, so
// a malformed batch is rejected before any backend work.
func (s *Server) decodeHashes(w http.ResponseWriter, r *http.Request) ([]sigcache.ContentHash, bool) {
	var req hashesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(req.Hashes) == 0 {
		writeError(w, http.StatusBadRequest, "no hashes provided")
		return nil, false
	}

	hashes := make([]sigcache.ContentHash, 0, len(req.Hashes))
	for i, raw := range req.Hashes {
		hash, err := sigcache.ParseContentHash(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hash %d: %s", i, err))
			return nil, false
		}
		hashes = append(hashes, hash)
	}
	return hashes, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r.Context())

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully assembled handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
