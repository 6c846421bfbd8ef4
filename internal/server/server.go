// Package server provides the HTTP control surface for QuoteHub: account
// CRUD, session control actions, the aggregated health view, and the
// dashboard WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/quotehub/internal/accounts"
	"github.com/aristath/quotehub/internal/domain"
	"github.com/aristath/quotehub/internal/events"
)

// AccountStore is the account repository surface the handlers use.
type AccountStore interface {
	List() ([]domain.Account, error)
	Get(id string) (*domain.Account, error)
	Create(account domain.Account) (*domain.Account, error)
	Update(id string, patch accounts.Update) (*domain.Account, error)
	Delete(id string) error
}

// SessionController is the supervisor surface the control handlers use.
type SessionController interface {
	StartSession(accountID string) error
	StopSession(accountID string) error
	RestartSession(accountID string) error
	ListSessions() []domain.SessionSnapshot
	RejectedTicks() uint64
}

// HealthView exposes the health monitor's committed classifications.
type HealthView interface {
	Snapshots() []domain.HealthSnapshot
}

// RecoveryView exposes recovery state and the manual reset.
type RecoveryView interface {
	Snapshots() []domain.RecoverySnapshot
	Reset(accountID string)
}

// BindingView exposes contract bindings and the subscription operations.
type BindingView interface {
	Snapshots() []domain.BindingSnapshot
	Subscribe(gatewayType domain.GatewayType, symbols []string) error
	Unsubscribe(symbols []string)
}

// Config wires the server's collaborators.
type Config struct {
	Log         zerolog.Logger
	Bind        string
	DevMode     bool
	Store       AccountStore
	Supervisor  SessionController
	Health      HealthView
	Recovery    RecoveryView
	Bindings    BindingView
	Bus         *events.Bus
	Broadcaster *Broadcaster
}

// Server is the HTTP server.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	store       AccountStore
	sup         SessionController
	health      HealthView
	recovery    RecoveryView
	bindings    BindingView
	bus         *events.Bus
	broadcaster *Broadcaster
	startTime   time.Time
}

// New creates the HTTP server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		store:       cfg.Store,
		sup:         cfg.Supervisor,
		health:      cfg.Health,
		recovery:    cfg.Recovery,
		bindings:    cfg.Bindings,
		bus:         cfg.Bus,
		broadcaster: cfg.Broadcaster,
		startTime:   time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.broadcaster != nil {
		s.router.Get("/ws", s.broadcaster.HandleWS)
	}

	s.router.Route("/accounts", func(r chi.Router) {
		// The websocket endpoint stays outside the request timeout; the
		// REST surface gets one.
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/", s.handleListAccounts)
		r.Post("/", s.handleCreateAccount)
		r.Put("/{id}", s.handleUpdateAccount)
		r.Delete("/{id}", s.handleDeleteAccount)

		r.Post("/{id}/start", s.controlHandler("start"))
		r.Post("/{id}/stop", s.controlHandler("stop"))
		r.Post("/{id}/restart", s.controlHandler("restart"))
		r.Post("/{id}/reset-recovery", s.handleResetRecovery)
	})

	s.router.Route("/subscriptions", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/", s.handleListBindings)
		r.Post("/", s.handleSubscribe)
		r.Delete("/", s.handleUnsubscribe)
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("bind", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON serializes a response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDependencyUnavailable), errors.Is(err, domain.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    domain.Kind(err),
		Message: err.Error(),
	}})
}
