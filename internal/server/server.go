// Package server exposes the provider over HTTP: blobstore calls, link
// lifecycle events, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/logger"
	"github.com/koustreak/blobstore-s3/internal/tenant"
)

// TenantHeader carries the calling tenant on /rpc requests and on chunk
// callbacks.
const TenantHeader = "X-Tenant-Id"

// maxBodyBytes bounds one request body (a chunk plus JSON overhead).
const maxBodyBytes = 64 << 20

// Dispatcher routes one named call. *rpc.Router satisfies it.
type Dispatcher interface {
	Route(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// Lifecycle applies link events. *provider.Provider satisfies it.
type Lifecycle interface {
	Link(ctx context.Context, tenantID string, values map[string]string) error
	Unlink(tenantID string)
	Tenants() []string
}

type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Log      *logger.Logger
}

type Server struct {
	cfg       *Config
	log       *logger.Logger
	dispatch  Dispatcher
	lifecycle Lifecycle
	isReady   atomic.Bool

	srv *http.Server
}

func New(cfg *Config, dispatch Dispatcher, lifecycle Lifecycle) *Server {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		dispatch:  dispatch,
		lifecycle: lifecycle,
	}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.Recoverer, s.httpLogger)

	mux.Post("/rpc/{method}", s.handleRPC)
	mux.Route("/links", func(r chi.Router) {
		r.Get("/", s.handleListLinks)
		r.Put("/{tenant}", s.handleLink)
		r.Delete("/{tenant}", s.handleUnlink)
	})

	mux.Get("/healthz", s.handleHealth)
	if s.cfg.Gatherer != nil {
		mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Infof("starting HTTP server on %s", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.Wrap(errs.ErrKindConnectionFailed, "HTTP server failed", err)
	}
	return nil
}

// Shutdown marks the server unready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.isReady.Store(false)
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.ErrorWith("graceful HTTP shutdown failed", err, nil)
		return err
	}
	s.log.Info("HTTP server gracefully stopped")
	return nil
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		reqLog := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		next.ServeHTTP(ww, r.WithContext(reqLog.WithContext(r.Context())))
		s.log.HTTPEvent().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errs.Wrap(errs.ErrKindInvalidInput, "failed to read request body", err))
		return
	}

	ctx := r.Context()
	if id := r.Header.Get(TenantHeader); id != "" {
		ctx = tenant.WithID(ctx, id)
	}

	method := chi.URLParam(r, "method")
	out, err := s.dispatch.Route(ctx, method, payload)
	if err != nil {
		logger.FromContext(ctx).WarnWith("rpc call failed", err, map[string]interface{}{"method": method})
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&values); err != nil {
		writeError(w, errs.Wrap(errs.ErrKindInvalidInput, "link body must be a JSON object of strings", err))
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	if err := s.lifecycle.Link(r.Context(), tenantID, values); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tenant": tenantID, "status": "linked"})
}

func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	s.lifecycle.Unlink(chi.URLParam(r, "tenant"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tenants": s.lifecycle.Tenants()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusOf maps an error kind to the HTTP status reported to callers.
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.ErrKindInvalidInput, errs.ErrKindConfigInvalid:
		return http.StatusBadRequest
	case errs.ErrKindUnlinkedTenant:
		return http.StatusUnauthorized
	case errs.ErrKindPermissionDenied:
		return http.StatusForbidden
	case errs.ErrKindNotFound, errs.ErrKindUnhandledMethod:
		return http.StatusNotFound
	case errs.ErrKindTimeout:
		return http.StatusGatewayTimeout
	case errs.ErrKindConnectionFailed, errs.ErrKindOperationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Kind: errs.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
