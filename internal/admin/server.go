// Package admin serves the tunedesk admin HTTP API.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/tunedesk/internal/automation"
	"github.com/3cpo-dev/tunedesk/internal/catalog"
	"github.com/3cpo-dev/tunedesk/internal/core"
	"github.com/3cpo-dev/tunedesk/internal/healthcheck"
	"github.com/3cpo-dev/tunedesk/internal/registry"
	"github.com/3cpo-dev/tunedesk/internal/telemetry"
	"github.com/3cpo-dev/tunedesk/internal/upstream"
	"github.com/3cpo-dev/tunedesk/pkg/api"
)

// ServiceRegistry is the registry API the admin server proxies.
type ServiceRegistry interface {
	ServiceLister
	Create(ctx context.Context, req registry.CreateRequest) (*registry.Service, error)
	Delete(ctx context.Context, id string) error
}

// AlbumStore is the album side of core.Store.
type AlbumStore interface {
	ListAlbums(ctx context.Context) ([]core.Album, error)
	ListAlbumsWithoutLabel(ctx context.Context) ([]core.Album, error)
	ListAlbumsReleasedSince(ctx context.Context, since time.Time) ([]core.Album, error)
	UpdateReleaseDate(ctx context.Context, id string, release time.Time) error
}

// RunHistory is the read side of persisted runs.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error)
	GetRun(ctx context.Context, id string) (*core.RunRecord, error)
}

// CatalogSearcher looks albums up in the external catalog.
type CatalogSearcher interface {
	SearchAlbums(ctx context.Context, query string) ([]catalog.Album, error)
	AlbumByLink(ctx context.Context, link string) (*catalog.Album, error)
}

// Enqueuer hands album ids to the automation worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, ids []string) (automation.Result, error)
}

// Server is the admin API. Nil dependencies make their routes answer 503.
type Server struct {
	Version    string
	Token      string
	Registry   ServiceRegistry
	Checks     *Checks
	Albums     AlbumStore
	History    RunHistory
	Catalog    CatalogSearcher
	Automation Enqueuer
	Collector  *telemetry.Collector
	SelfChecks *telemetry.SelfChecks
	Scheduler  *Scheduler

	srv *http.Server
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.Collector.Handler())

	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("POST /api/services", s.auth(s.handleCreateService))
	mux.HandleFunc("DELETE /api/services/{id}", s.auth(s.handleDeleteService))

	mux.HandleFunc("POST /api/checks", s.auth(s.handleStartCheck))
	mux.HandleFunc("GET /api/checks/current", s.handleCurrentCheck)
	mux.HandleFunc("DELETE /api/checks/current", s.auth(s.handleCancelCheck))
	mux.HandleFunc("GET /api/checks/events", s.handleEvents)
	mux.HandleFunc("GET /api/checks/history", s.handleHistory)
	mux.HandleFunc("GET /api/checks/history/{id}", s.handleHistoryRun)

	mux.HandleFunc("GET /api/albums", s.handleListAlbums)
	mux.HandleFunc("PATCH /api/v1/album/release-date", s.auth(s.handleReleaseDate))
	mux.HandleFunc("GET /api/catalog/albums", s.handleCatalogSearch)
	mux.HandleFunc("POST /api/automate", s.auth(s.handleAutomate))
}

// Handler returns the full admin handler without TLS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return logRequests(mux)
}

// auth enforces the bearer or X-Auth-Token header when a token is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			bearer := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if !tokenEqual(bearer, "Bearer "+s.Token) && !tokenEqual(x, s.Token) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ListenAndServe serves plain HTTP, or TLS when tlsCfg has a certificate.
// It returns nil after Shutdown.
func (s *Server) ListenAndServe(addr string, tlsCfg TLSConfig) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln, tlsCfg)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener, tlsCfg TLSConfig) error {
	handler := s.Handler()
	s.srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	if tlsCfg.Enabled() {
		s.srv.TLSConfig, err = ConfigureTLS(tlsCfg)
		if err != nil {
			ln.Close()
			return err
		}
		s.srv.Handler = MTLSMiddleware(tlsCfg.RequireClientCert())(handler)
		log.Info().
			Str("addr", ln.Addr().String()).
			Bool("mtls_required", tlsCfg.RequireClientCert()).
			Msg("Starting admin API with TLS")
		err = s.srv.ServeTLS(ln, "", "")
	} else {
		log.Info().Str("addr", ln.Addr().String()).Msg("Starting admin API")
		err = s.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the scheduler, cancels any active run and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	var err error
	if s.srv != nil {
		err = multierr.Append(err, s.srv.Shutdown(ctx))
	}
	if s.Checks != nil {
		err = multierr.Append(err, s.Checks.Shutdown(ctx))
	}
	return err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
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

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Message: msg})
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr    registry.ValidationError
		invalid *healthcheck.InvalidServiceError
		apiErr  *upstream.APIError
		fields  core.FieldErrors
	)
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Message: "Invalid data", Errors: fields})
	case errors.As(err, &invalid):
		writeJSONError(w, http.StatusUnprocessableEntity, invalid.Error())
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Message: verr.Message, Errors: map[string][]string{verr.Field: {verr.Message}}})
	case errors.Is(err, ErrRunInProgress):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrChecksClosed):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, core.ErrAlbumNotFound), errors.Is(err, core.ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, automation.ErrNoAlbums):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		writeJSONError(w, http.StatusBadGateway, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		log.Error().Err(err).Msg("Admin request failed")
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}
