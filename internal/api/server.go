package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rockfall-ai/risk-engine/internal/database"
	"github.com/rockfall-ai/risk-engine/internal/engine"
	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/internal/rules"
	"github.com/rockfall-ai/risk-engine/internal/state"
)

// RuleStore is the configuration CRUD surface.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *rules.AlertRule) error
	UpdateRule(ctx context.Context, rule *rules.AlertRule) error
	DeleteRule(ctx context.Context, id int64) error
	GetRule(ctx context.Context, id int64) (*rules.AlertRule, error)
	ListRules(ctx context.Context, locationID string) ([]rules.AlertRule, error)
}

// EventStore is the read-only history surface.
type EventStore interface {
	ListEvents(ctx context.Context, filter database.EventFilter) ([]database.AlertEvent, error)
	ListAttempts(ctx context.Context, eventID string) ([]database.NotificationAttempt, error)
	SummarizeEvents(ctx context.Context, filter database.EventFilter) ([]database.EventSummary, error)
}

// Controller is the live engine surface: condition listing and manual
// suppression.
type Controller interface {
	Conditions(ctx context.Context) ([]*state.ConditionSnapshot, error)
	Suppress(ctx context.Context, locationID, channel string) error
	Reactivate(ctx context.Context, locationID, channel string) error
}

// Invalidator lets the API force a rule-cache reload after writes.
type Invalidator interface {
	Invalidate(locationID string)
}

// HealthChecker reports scorer reachability.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type Server struct {
	ruleStore  RuleStore
	eventStore EventStore
	controller Controller
	cache      Invalidator   // may be nil
	scorer     HealthChecker // may be nil
	router     chi.Router
}

func NewServer(ruleStore RuleStore, eventStore EventStore, controller Controller, cache Invalidator, scorer HealthChecker) *Server {
	s := &Server{
		ruleStore:  ruleStore,
		eventStore: eventStore,
		controller: controller,
		cache:      cache,
		scorer:     scorer,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Post("/", s.createRule)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Delete("/{id}", s.deleteRule)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.listEvents)
			r.Get("/summary", s.summarizeEvents)
			r.Get("/{id}/attempts", s.listAttempts)
		})

		r.Route("/conditions", func(r chi.Router) {
			r.Get("/", s.listConditions)
			r.Post("/{location}/{channel}/suppress", s.suppress)
			r.Post("/{location}/{channel}/reactivate", s.reactivate)
		})
	})

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

// --- rules ---

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// Configuration errors surface synchronously to the submitter; the
	// previously stored rules stay in effect.
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ruleStore.CreateRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store rule")
		lg := logger.WithComponent("api")
		lg.Error().Err(err).Msg("create rule failed")
		return
	}

	s.invalidate(rule.LocationID)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var rule rules.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	rule.ID = id

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.ruleStore.UpdateRule(r.Context(), &rule); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update rule")
		lg := logger.WithComponent("api")
		lg.Error().Err(err).Msg("update rule failed")
		return
	}

	s.invalidate(rule.LocationID)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.ruleStore.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	if err := s.ruleStore.DeleteRule(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		lg := logger.WithComponent("api")
		lg.Error().Err(err).Msg("delete rule failed")
		return
	}

	s.invalidate(rule.LocationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.ruleStore.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.ruleStore.ListRules(r.Context(), r.URL.Query().Get("location_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if list == nil {
		list = []rules.AlertRule{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- history ---

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.eventStore.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query events")
		lg := logger.WithComponent("api")
		lg.Error().Err(err).Msg("event query failed")
		return
	}
	if events == nil {
		events = []database.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.eventStore.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query attempts")
		return
	}
	if attempts == nil {
		attempts = []database.NotificationAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) summarizeEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.eventStore.SummarizeEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize events")
		return
	}
	if summary == nil {
		summary = []database.EventSummary{}
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- conditions ---

func (s *Server) listConditions(w http.ResponseWriter, r *http.Request) {
	conditions, err := s.controller.Conditions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conditions")
		return
	}
	if conditions == nil {
		conditions = []*state.ConditionSnapshot{}
	}
	writeJSON(w, http.StatusOK, conditions)
}

func (s *Server) suppress(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "location")
	channel := chi.URLParam(r, "channel")

	if err := s.controller.Suppress(r.Context(), location, channel); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"location_id": location,
		"channel":     channel,
		"state":       string(engine.StateSuppressed),
	})
}

func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "location")
	channel := chi.URLParam(r, "channel")

	if err := s.controller.Reactivate(r.Context(), location, channel); err != nil {
		if errors.Is(err, engine.ErrUnknownCondition) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"location_id": location,
		"channel":     channel,
		"state":       "IDLE",
	})
}

// --- health ---

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}

	if s.scorer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.scorer.Healthy(ctx); err != nil {
			status["status"] = "degraded"
			status["scorer"] = err.Error()
			writeJSON(w, http.StatusOK, status)
			return
		}
		status["scorer"] = "ok"
	}

	writeJSON(w, http.StatusOK, status)
}

// --- helpers ---

func (s *Server) invalidate(locationID string) {
	if s.cache != nil {
		s.cache.Invalidate(locationID)
	}
}

func eventFilterFromQuery(r *http.Request) (database.EventFilter, error) {
	q := r.URL.Query()
	filter := database.EventFilter{
		LocationID: q.Get("location_id"),
		Channel:    q.Get("channel"),
		RiskClass:  q.Get("risk_class"),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid 'from' timestamp, want RFC3339")
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid 'to' timestamp, want RFC3339")
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid 'limit'")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("invalid 'offset'")
		}
		filter.Offset = n
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
