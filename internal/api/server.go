package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"elspot-advisor/internal/broadcast"
	"elspot-advisor/internal/savings"
	"elspot-advisor/internal/scheduler"
	"elspot-advisor/internal/service"
)

// Backend is the part of the data service the API exposes.
type Backend interface {
	Latest() (broadcast.Snapshot, bool)
	RunCycle(ctx context.Context) (broadcast.Snapshot, error)
	ProbeSources(ctx context.Context) service.ProbeReport
	SetTariff(name string) error
	Tariff() savings.Tariff
	Tariffs() []savings.Tariff
}

// PolicyController switches the refresh policy.
type PolicyController interface {
	State() scheduler.State
	SetPolicy(ctx context.Context, policy scheduler.Policy) error
}

// Options configure the HTTP listener.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP and WebSocket surface for the presentation layer.
type Server struct {
	backend    Backend
	policy     PolicyController
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server
	baseCtx    context.Context
	logger     zerolog.Logger
}

// NewServer wires routes. Background work triggered by requests, such as a
// refresh or a re-armed timer, runs under baseCtx rather than the request.
func NewServer(baseCtx context.Context, opts Options, backend Backend, policy PolicyController, hub *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		backend: backend,
		policy:  policy,
		hub:     hub,
		baseCtx: baseCtx,
		logger:  logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.hub != nil {
		s.router.Handle("/ws", s.hub).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/probe", s.handleProbe).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/policy", s.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/policy", s.handleSetPolicy).Methods(http.MethodPut)
	api.HandleFunc("/tariff", s.handleGetTariff).Methods(http.MethodGet)
	api.HandleFunc("/tariff", s.handleSetTariff).Methods(http.MethodPut)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, ready := s.backend.Latest()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": ready})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.backend.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.ProbeSources(r.Context()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.backend.RunCycle(s.baseCtx)
	if errors.Is(err, service.ErrCycleInFlight) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type policyBody struct {
	Policy   string    `json:"policy"`
	Phase    string    `json:"phase,omitempty"`
	NextWake time.Time `json:"next_wake,omitempty"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	st := s.policy.State()
	writeJSON(w, http.StatusOK, policyBody{Policy: string(st.Policy), Phase: string(st.Phase), NextWake: st.NextWake})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	var body policyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	policy, err := scheduler.ParsePolicy(body.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.policy.SetPolicy(s.baseCtx, policy); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleGetPolicy(w, r)
}

type tariffView struct {
	Name      string `json:"name"`
	Surcharge string `json:"surcharge"`
}

func toView(t savings.Tariff) tariffView {
	return tariffView{Name: t.Name, Surcharge: t.Surcharge.String()}
}

func (s *Server) handleGetTariff(w http.ResponseWriter, _ *http.Request) {
	all := s.backend.Tariffs()
	views := make([]tariffView, 0, len(all))
	for _, t := range all {
		views = append(views, toView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"selected": toView(s.backend.Tariff()),
		"tariffs":  views,
	})
}

func (s *Server) handleSetTariff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.backend.SetTariff(body.Name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnknownTariff) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	s.handleGetTariff(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
