// Package api exposes the dispatcher over HTTP: health, metrics, ticket
// intake, the list of running tickets and cancellation.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/portsec/internal/dispatcher"
	"github.com/lvonguyen/portsec/internal/message"
	"github.com/lvonguyen/portsec/internal/observability"
	"github.com/lvonguyen/portsec/internal/tasklog"
	"github.com/lvonguyen/portsec/internal/tracker"
)

const maxBodySize = 1 << 20

// Intake routes inbound requests.
type Intake interface {
	Handle(ctx context.Context, msg message.Message) (dispatcher.Route, error)
}

// Canceller terminates running tickets.
type Canceller interface {
	Kill(ctx context.Context, text, by string) (tracker.ID, error)
}

// Config configures the router.
type Config struct {
	Version  string
	TokenEnv string
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// RateLimit wraps the /api/v1 routes when set.
	RateLimit func(http.Handler) http.Handler
}

// Server holds the handlers' dependencies.
type Server struct {
	config    Config
	intake    Intake
	canceller Canceller
	store     *tasklog.Store
	telemetry *observability.Telemetry
	logger    *zap.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config, intake Intake, canceller Canceller, store *tasklog.Store, telemetry *observability.Telemetry, logger *zap.Logger) *Server {
	return &Server{
		config:    cfg,
		intake:    intake,
		canceller: canceller,
		store:     store,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.RateLimit != nil {
			r.Use(s.config.RateLimit)
		}
		r.Use(s.requireToken)

		r.Post("/tickets", s.handleCreateTicket)
		r.Get("/tickets", s.handleListTickets)
		r.Delete("/tickets/{tracker}", s.handleKillTicket)
	})

	return r
}

// requireToken accepts "Authorization: Bearer <token>". Without a configured
// token the API stays closed.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := os.Getenv(s.config.TokenEnv)
		if expected == "" {
			writeError(w, http.StatusServiceUnavailable, "api token not configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := s.telemetry.Metrics()
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.config.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.config.Ready != nil {
		if err := s.config.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// TicketRequest is the body of POST /api/v1/tickets.
type TicketRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req TicketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "from and body are required")
		return
	}

	msg, err := message.New(req.From, req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	route, err := s.intake.Handle(r.Context(), msg)
	switch {
	case errors.Is(err, dispatcher.ErrRejected):
		writeJSON(w, http.StatusForbidden, map[string]string{"route": string(route), "error": err.Error()})
	case err != nil:
		s.logger.Error("handling api request", zap.String("from", msg.From), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"route": string(route), "error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"route": string(route)})
	}
}

// TicketInfo describes a running ticket.
type TicketInfo struct {
	Tracker string    `json:"tracker"`
	PID     int       `json:"pid"`
	MAC     string    `json:"mac,omitempty"`
	Created time.Time `json:"created"`
}

func (s *Server) handleListTickets(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.store.ListActive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tickets := make([]TicketInfo, 0, len(entries))
	for _, e := range entries {
		id, err := tracker.Parse(e.Tracker)
		if err != nil {
			continue
		}
		tickets = append(tickets, TicketInfo{Tracker: e.Tracker, PID: id.PID, MAC: id.MAC, Created: id.Created})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": tickets, "count": len(tickets)})
}

func (s *Server) handleKillTicket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tracker")
	by := r.Header.Get("X-Operator")
	if by == "" {
		by = "api"
	}

	id, err := s.canceller.Kill(r.Context(), name, by)
	switch {
	case errors.Is(err, dispatcher.ErrNoSuchRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("kill via api", zap.String("tracker", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "terminated", "tracker": id.String()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
