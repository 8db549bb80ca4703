// Package queryapi exposes the Health evaluator (C5) over HTTP: a single
// GET endpoint that runs the full raw-datapoint -> flag -> health-score
// pipeline for one (service, environment) pair and returns the resulting
// timeseries as JSON.
package queryapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/expansion"
	"github.com/ipiton/stackmon/internal/health"
)

// Evaluator is the subset of *health.Evaluator the handler needs; an
// interface so tests can substitute a fake.
type Evaluator interface {
	Score(ctx context.Context, service, env, from, to string, maxPoints int) ([]health.TimestampWeight, error)
}

// Handler serves GET /v1/health?service=&environment=&from=&to=&max_data_points=.
type Handler struct {
	eval    Evaluator
	tables  *expansion.Tables
	logger  *slog.Logger
	fromDef string
	toDef   string
	maxDef  int
}

// NewHandler builds the Query API handler. fromDefault/toDefault/maxDefault
// are used when the corresponding query parameter is omitted.
func NewHandler(eval Evaluator, tables *expansion.Tables, logger *slog.Logger, fromDefault, toDefault string, maxDefault int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eval: eval, tables: tables, logger: logger, fromDef: fromDefault, toDef: toDefault, maxDef: maxDefault}
}

type healthResponse struct {
	Name            string       `json:"name"`
	ServiceCategory string       `json:"service_category"`
	Environment     string       `json:"environment"`
	Metrics         [][2]float64 `json:"metrics"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// ServeHTTP implements net/http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	env := r.URL.Query().Get("environment")

	if service == "" || env == "" {
		writeError(w, http.StatusBadRequest, "service and environment query parameters are required")
		return
	}

	from := r.URL.Query().Get("from")
	if from == "" {
		from = h.fromDef
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = h.toDef
	}

	maxPoints := h.maxDef
	if raw := r.URL.Query().Get("max_data_points"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "max_data_points must be a positive integer")
			return
		}
		maxPoints = parsed
	}

	series, err := h.eval.Score(r.Context(), service, env, from, to, maxPoints)
	if err != nil {
		h.writeEvalError(w, err)
		return
	}

	def := h.tables.HealthDefs[service]

	metrics := make([][2]float64, len(series))
	for i, tw := range series {
		metrics[i] = [2]float64{float64(tw.Timestamp), float64(tw.Weight)}
	}

	resp := healthResponse{
		Name:            def.ComponentName,
		ServiceCategory: def.Category,
		Environment:     env,
		Metrics:         metrics,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed encoding health response", "error", err)
	}
}

func (h *Handler) writeEvalError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		h.logger.Warn("health query failed", "kind", appErr.Kind, "error", appErr)
		writeError(w, appErr.HTTPStatus(), appErr.Message)
		return
	}
	h.logger.Error("health query failed with unclassified error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Message: message})
}
