// Package api is the HTTP surface over the receipt service and the
// processing pipeline.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

// UserHeader carries the owner identity set by the authentication layer
// in front of this server.
const UserHeader = "X-User-ID"

// Processor runs the pipeline for one receipt.
type Processor interface {
	Process(ctx context.Context, userID, receiptID string) (*pipeline.Outcome, error)
}

// Server handles HTTP requests for receipts and expenses
type Server struct {
	service   *receipt.Service
	processor Processor
	basicAuth BasicAuth
	cors      CORS
	mux       *http.ServeMux
}

// CORS selects the browser origins allowed to call the API.
type CORS struct {
	FrontendURL    string
	AllowLocalhost bool
}

// allows reports whether origin may read responses.
func (c CORS) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if c.FrontendURL != "" && strings.EqualFold(origin, strings.TrimSuffix(c.FrontendURL, "/")) {
		return true
	}
	if !c.AllowLocalhost {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *receipt.Service, processor Processor, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, processor, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *receipt.Service, processor Processor, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		processor: processor,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// WithCORS sets the allowed browser origins. Without it no cross-origin
// request is allowed.
func (s *Server) WithCORS(cors CORS) *Server {
	s.cors = cors
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userMatch && passMatch
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r.Header.Get("Origin"))

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger puts a request-scoped logger in the context and logs each
// request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log, ctx := logger.With(r.Context(), "method", r.Method, "path", r.URL.Path)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		log.Debug("Request handled", "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Ledger"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized", Code: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// requireUser rejects requests without an owner identity and scopes the
// request logger to that user.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error: UserHeader + " header required",
				Code:  "unauthorized",
			})
			return
		}
		_, ctx := logger.With(r.Context(), "user_id", userID)
		next(w, r.WithContext(ctx), userID)
	})
}

// setCORSHeaders sets CORS headers on a response when origin is allowed
func (s *Server) setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Add("Vary", "Origin")
	if !s.cors.allows(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// API endpoints - receipts (most specific paths first)
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireUser(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}/attempts", s.requireUser(s.handleListAttempts))
	s.mux.HandleFunc("POST /api/receipts/{id}/process", s.requireUser(s.handleProcessReceipt))
	s.mux.HandleFunc("POST /api/receipts/{id}/expense", s.requireUser(s.handleReceiptExpense))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireUser(s.handleGetReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireUser(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireUser(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireUser(s.handleUploadReceipt))

	// API endpoints - expenses
	s.mux.HandleFunc("GET /api/expenses", s.requireUser(s.handleListExpenses))
	s.mux.HandleFunc("POST /api/expenses", s.requireUser(s.handleCreateExpense))
}

// Handler returns the mux wrapped in the request logging and CORS middleware
func (s *Server) Handler() http.Handler {
	return s.requestLogger(s.corsMiddleware(s.mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
