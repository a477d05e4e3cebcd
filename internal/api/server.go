package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/rapport/internal/assessment"
	"github.com/MikeSquared-Agency/rapport/internal/deception"
	"github.com/MikeSquared-Agency/rapport/internal/engine"
	"github.com/MikeSquared-Agency/rapport/internal/profile"
	"github.com/MikeSquared-Agency/rapport/internal/session"
	"github.com/MikeSquared-Agency/rapport/internal/store"
)

// Scorer is the slice of the engine the HTTP API exposes.
type Scorer interface {
	AssessExchange(ctx context.Context, req engine.ExchangeRequest) (assessment.ExchangeAssessment, error)
	EndSession(ctx context.Context, req engine.EndRequest) (session.Summary, error)
	NextSession(ctx context.Context, agentID string) (engine.SessionPlan, error)
	Profile(ctx context.Context, agentID string) (profile.AgentProfile, error)
	Summary(ctx context.Context, sessionID string) (session.Summary, error)
	Exchanges(ctx context.Context, sessionID string) ([]assessment.ExchangeAssessment, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// EventBus reports the event bus connection for /health.
type EventBus interface {
	Connected() bool
}

type Server struct {
	router *chi.Mux
	port   int
	scorer Scorer
	db     Pinger
	bus    EventBus
	http   *http.Server
}

func NewServer(port int, apiToken string, scorer Scorer, db Pinger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		scorer: scorer,
		db:     db,
	}

	router.Get("/health", s.health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/rapport/status", s.status)
		r.Get("/rapport/tactics", s.tactics)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(apiToken))
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/exchanges", s.assessExchange)
				r.Get("/exchanges", s.listExchanges)
				r.Post("/end", s.endSession)
				r.Get("/summary", s.getSummary)
			})
			r.Route("/agents/{agentID}", func(r chi.Router) {
				r.Get("/profile", s.getProfile)
				r.Get("/next-session", s.nextSession)
			})
		})
	})

	return s
}

// SetEventBus adds the event bus to the health report. The service stays
// healthy while the bus is down; only the database is required.
func (s *Server) SetEventBus(bus EventBus) {
	s.bus = bus
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API server starting", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.bus != nil {
		body["nats"] = "disconnected"
		if s.bus.Connected() {
			body["nats"] = "connected"
		}
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":  "rapport",
		"status": "active",
	})
}

// tactics lists the deception catalog in tier order.
func (s *Server) tactics(w http.ResponseWriter, r *http.Request) {
	entries := deception.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"tactics": entries,
		"count":   len(entries),
	})
}

// assessExchange handles POST /api/v1/sessions/{sessionID}/exchanges.
// When the record cannot be stored the assessment is still returned
// alongside the error.
func (s *Server) assessExchange(w http.ResponseWriter, r *http.Request) {
	var req engine.ExchangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")

	a, err := s.scorer.AssessExchange(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, a)
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrPersistence):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      err.Error(),
			"assessment": a,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	records, err := s.scorer.Exchanges(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchanges": records,
		"count":     len(records),
	})
}

// endSession handles POST /api/v1/sessions/{sessionID}/end. The body is
// optional apart from agent_id.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req engine.EndRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	req.SessionID = chi.URLParam(r, "sessionID")

	sum, err := s.scorer.EndSession(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sum)
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrPersistence):
		body := map[string]any{"error": err.Error()}
		if sum.SessionID != "" {
			body["summary"] = sum
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// getSummary handles GET /api/v1/sessions/{sessionID}/summary, the debrief
// export.
func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.scorer.Summary(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not summarized")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.scorer.Profile(r.Context(), chi.URLParam(r, "agentID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent has no profile")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) nextSession(w http.ResponseWriter, r *http.Request) {
	plan, err := s.scorer.NextSession(r.Context(), chi.URLParam(r, "agentID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, plan)
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
