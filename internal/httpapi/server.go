// Package httpapi is Foundry's JSON/file HTTP surface: job submission and
// status, process introspection, output retrieval, and the remote
// result-backend proxy endpoint, gated by a single shared API key.
package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundryrun/foundry/internal/apierr"
	"github.com/foundryrun/foundry/internal/broker"
	"github.com/foundryrun/foundry/internal/config"
	"github.com/foundryrun/foundry/internal/logging"
	"github.com/foundryrun/foundry/internal/metrics"
	"github.com/foundryrun/foundry/internal/resultbackend"
	"github.com/foundryrun/foundry/internal/store"
)

// Server is Foundry's HTTP surface.
type Server struct {
	Cfg     config.Config
	Store   *store.Store
	Backend resultbackend.Backend
	Broker  *broker.Broker

	mux    *http.ServeMux
	logger zerolog.Logger
}

// New builds a Server wired to the given store, result backend, and
// broker, and registers its routes.
func New(cfg config.Config, st *store.Store, backend resultbackend.Backend, b *broker.Broker) *Server {
	s := &Server{
		Cfg:     cfg,
		Store:   st,
		Backend: backend,
		Broker:  b,
		logger:  logging.WithComponent("httpapi"),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /", s.handleBanner)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.handle("GET /processes", s.auth(s.handleListProcesses))
	s.handle("GET /processes/{name}", s.auth(s.handleProcessDoc))

	s.handle("POST /jobs", s.auth(s.handleSubmitJob))
	s.handle("GET /jobs", s.auth(s.handleListJobs))
	s.handle("GET /jobs/{uuid}", s.auth(s.handleGetJob))
	s.handle("GET /jobs/{uuid}/details", s.auth(s.handleJobDetails))
	s.handle("GET /jobs/{uuid}/outputs", s.auth(s.handleListOutputs))
	s.handle("GET /jobs/{uuid}/outputs/archive", s.auth(s.handleOutputArchive))
	s.handle("GET /jobs/{uuid}/outputs/{path...}", s.auth(s.handleOutputFile))

	s.handle("GET /backend/get_task_meta/{uuid}", s.auth(s.handleGetTaskMeta))
}

// handle registers next under pattern, wrapped so every request reports
// its method/path/status and latency to the API request metrics.
func (s *Server) handle(pattern string, next http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(pattern, next))
}

// statusRecorder captures the status code a handler wrote, defaulting to
// 200 if the handler never calls WriteHeader explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, pattern)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
	}
}

// Handler returns the server's root http.Handler, for tests and for
// embedding behind a custom listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Start blocks serving the HTTP surface on addr.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 15 * time.Second,
		// Output and archive streaming can run long; left unbounded.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	return server.ListenAndServe()
}

// auth wraps next with the x-api-key check. An empty configured digest
// disables auth entirely, matching a dev/test deployment with no
// GOD_PASSWORD_SHA256 set.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.APIKeySHA256 == "" {
			next(w, r)
			return
		}
		sum := sha256.Sum256([]byte(r.Header.Get("x-api-key")))
		got := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.Cfg.APIKeySHA256)) != 1 {
			apierr.WriteJSON(w, apierr.New(apierr.KindAuthFailure, "Unauthorized"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Foundry scheduler\n"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
