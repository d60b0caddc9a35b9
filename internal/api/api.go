// Package api provides the HTTP server for PromptDesk.
//
// It exposes the WhatsApp webhook consumed by the conversation orchestrator,
// the operator endpoints used by the dashboard (conversations, manual sends,
// statistics) and the configuration records (settings, prompts, channel
// instances). Prometheus metrics are served on /metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/evolution"
	"github.com/BTreeMap/PromptDesk/internal/flow"
	"github.com/BTreeMap/PromptDesk/internal/metrics"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/store"
)

// DefaultServerAddress is the default listen address.
const DefaultServerAddress = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// ConnectionChecker reports the gateway connection state of an instance.
type ConnectionChecker interface {
	ConnectionState(ctx context.Context, target evolution.Target) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	orch     *flow.Orchestrator
	operator *flow.Operator
	st       store.Store
	checker  ConnectionChecker
	addr     string
}

// NewServer creates a Server. checker may be nil, in which case instance
// status lookups report the gateway as unavailable.
func NewServer(orch *flow.Orchestrator, st store.Store, checker ConnectionChecker, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		orch:     orch,
		operator: orch.Operator(),
		st:       st,
		checker:  checker,
		addr:     cfg.Addr,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/{webhookID}", s.webhookHandler)

	mux.HandleFunc("GET /conversations", s.listConversationsHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/transfer", s.transferConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/close", s.closeConversationHandler)
	mux.HandleFunc("POST /send-message", s.sendMessageHandler)
	mux.HandleFunc("GET /dashboard/stats", s.statsHandler)

	mux.HandleFunc("GET /settings", s.getSettingsHandler)
	mux.HandleFunc("PUT /settings", s.updateSettingsHandler)

	mux.HandleFunc("GET /prompts", s.listPromptsHandler)
	mux.HandleFunc("POST /prompts", s.createPromptHandler)
	mux.HandleFunc("GET /prompts/active", s.activePromptHandler)
	mux.HandleFunc("PUT /prompts/{id}", s.updatePromptHandler)
	mux.HandleFunc("DELETE /prompts/{id}", s.deletePromptHandler)

	mux.HandleFunc("GET /instances", s.listInstancesHandler)
	mux.HandleFunc("POST /instances", s.createInstanceHandler)
	mux.HandleFunc("POST /instances/{id}/default", s.setDefaultInstanceHandler)
	mux.HandleFunc("GET /instances/{id}/status", s.instanceStatusHandler)

	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	return instrument(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "promptdesk"}))
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records one metric sample per request, labelled by route pattern.
func instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, rec.status)
	})
}
