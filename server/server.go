// Package server exposes the tool-style request/response surface of
// PromptChain over HTTP. Routes map one-to-one onto the façade operations:
// chain creation, chain execution, handoff coordination and analytics
// queries. Error taxonomy maps onto status codes: invalid definitions to
// 400, unknown ids to 404, step timeouts to 504 and everything else to 500.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hupe1980/promptchain"
	"github.com/hupe1980/promptchain/analytics"
	"github.com/hupe1980/promptchain/core"
	"github.com/hupe1980/promptchain/engine"
	"github.com/hupe1980/promptchain/logging"
	"github.com/hupe1980/promptchain/registry"
)

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	pc     *promptchain.PromptChain
	logger logging.Logger
}

// Options configures a Handler.
type Options struct {
	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
}

// NewHandler creates a new API handler around the façade.
func NewHandler(pc *promptchain.PromptChain, optFns ...func(o *Options)) *Handler {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Handler{pc: pc, logger: opts.Logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Post("/chains", h.createChain)
		r.Get("/chains", h.listChains)
		r.Get("/chains/{chainID}", h.getChain)
		r.Post("/chains/{chainID}/executions", h.executeChain)

		r.Post("/executions/{executionID}/handoff", h.coordinateHandoff)

		r.Get("/analytics", h.getAnalytics)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createChainRequest struct {
	Name         string                   `json:"name"`
	Description  string                   `json:"description,omitempty"`
	Steps        []core.ChainStep         `json:"steps"`
	ContextFlow  *core.ContextFlowConfig  `json:"context_flow,omitempty"`
	Optimization *core.OptimizationConfig `json:"optimization,omitempty"`
}

func (h *Handler) createChain(w http.ResponseWriter, r *http.Request) {
	var req createChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var optFns []func(o *registry.CreateOptions)
	if req.ContextFlow != nil {
		optFns = append(optFns, registry.WithContextFlow(*req.ContextFlow))
	}
	if req.Optimization != nil {
		optFns = append(optFns, registry.WithOptimization(*req.Optimization))
	}

	chainID, err := h.pc.CreateChain(r.Context(), req.Name, req.Description, req.Steps, optFns...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"chain_id": chainID})
}

func (h *Handler) listChains(w http.ResponseWriter, r *http.Request) {
	defs, err := h.pc.ListChains(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *Handler) getChain(w http.ResponseWriter, r *http.Request) {
	def, err := h.pc.GetChain(r.Context(), chi.URLParam(r, "chainID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type executeChainRequest struct {
	Problem     string         `json:"problem"`
	Context     map[string]any `json:"context,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

func (h *Handler) executeChain(w http.ResponseWriter, r *http.Request) {
	var req executeChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	input := core.ExecutionInput{
		Problem:     req.Problem,
		Context:     req.Context,
		Preferences: req.Preferences,
	}
	result, err := h.pc.ExecuteChain(r.Context(), chi.URLParam(r, "chainID"), input)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type handoffRequest struct {
	FromStep int `json:"from_step"`
	ToStep   int `json:"to_step"`

	// ContextOptimization, when present, replaces the chain's context flow
	// policy for this transfer only.
	ContextOptimization *core.ContextFlowConfig `json:"context_optimization,omitempty"`
}

func (h *Handler) coordinateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var optFns []func(o *engine.HandoffOptions)
	if req.ContextOptimization != nil {
		optFns = append(optFns, engine.WithContextFlow(*req.ContextOptimization))
	}

	metrics, err := h.pc.CoordinateHandoff(chi.URLParam(r, "executionID"), req.FromStep, req.ToStep, optFns...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *Handler) getAnalytics(w http.ResponseWriter, r *http.Request) {
	chainID := r.URL.Query().Get("chain_id")
	windowDays := 7
	if v := r.URL.Query().Get("window_days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("window_days must be a positive integer"))
			return
		}
		windowDays = parsed
	}

	var optFns []func(o *analytics.QueryOptions)
	if r.URL.Query().Get("include_details") == "true" {
		optFns = append(optFns, analytics.WithDetails())
	}

	var agg *analytics.Aggregate
	var err error
	if chainID == "" {
		agg, err = h.pc.GetSystemAnalytics(r.Context(), windowDays, optFns...)
	} else {
		agg, err = h.pc.GetAnalytics(r.Context(), chainID, windowDays, optFns...)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// writeDomainError maps the engine error taxonomy onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidDefinition):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, core.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		h.logger.Error("request failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
