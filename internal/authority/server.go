// Package authority implements the DraftDesk License Authority: the durable
// source of truth for licenses, seats and activations, exposed as a small
// JSON-over-HTTP service.
package authority

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server wires the store and configuration into the HTTP surface.
type Server struct {
	cfg   Config
	store *Store
	http  *http.Server
}

// NewServer creates the License Authority server.
func NewServer(cfg Config, store *Store) *Server {
	s := &Server{cfg: cfg, store: store}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// ListenAndServe runs the HTTP server until the listener fails or Shutdown
// is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("License authority listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler, used by httptest in integration tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/activate", s.handleActivate)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/deactivate-license", s.handleDeactivate)
	mux.HandleFunc("/api/trial", s.handleTrial)
	mux.HandleFunc("/api/admin/generate-license", s.requireAdmin(s.handleGenerateLicense))
	mux.HandleFunc("/api/admin/licenses", s.requireAdmin(s.handleListLicenses))
	mux.HandleFunc("/api/stripe/webhook", s.handleStripeWebhook)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return s.withMiddleware(mux)
}

// withMiddleware adds request ids, request logging, panic recovery and
// request metrics around every handler.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in authority handler")
				writeError(rw, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
			apiRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
			if rw.status >= 400 {
				log.Warn().
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Int("status", rw.status).
					Str("request_id", requestID).
					Dur("elapsed", time.Since(start)).
					Msg("Request failed")
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

// requireAdmin guards admin endpoints with the x-admin-token header. The
// configured token may be a bcrypt hash; plain tokens are compared in
// constant time.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		supplied := strings.TrimSpace(r.Header.Get("x-admin-token"))
		if supplied == "" || !s.adminTokenMatches(supplied) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func (s *Server) adminTokenMatches(supplied string) bool {
	configured := s.cfg.AdminToken
	if configured == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// apiError is the consistent error envelope for all failure responses.
type apiError struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Success: false, Code: code, Message: message})
}

// internalError logs the real error server-side and returns a generic 500;
// storage details never reach clients.
func internalError(w http.ResponseWriter, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("Authority operation failed")
	writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("%s failed", op))
}
