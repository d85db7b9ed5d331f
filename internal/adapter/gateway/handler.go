// Package gateway is the HTTP surface of the dispatch gateway. Handlers are a
// thin translation layer: transport request in, one admission check, one call
// into the dispatch executor, response shape out. No fallback logic lives
// here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"agentgate/internal/dispatch"
	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/middleware"
	"agentgate/internal/stats"
)

// Endpoint classes used for admission.
const (
	classAgentChat = "agent-chat"
	classGeneral   = "general"
)

// Dispatcher runs dispatches. Implemented by dispatch.Executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, message string, opts domain.DispatchOptions) (*domain.DispatchResult, error)
	DispatchStream(ctx context.Context, agentID, message string, opts domain.DispatchOptions) (*dispatch.StreamingDispatch, error)
}

// Admitter gates requests per (identifier, endpoint class).
type Admitter interface {
	Admit(identifier, endpointClass string) domain.AdmissionDecision
}

// RegistryView is the read surface of the provider registry.
type RegistryView interface {
	Resolve(agentID string) (domain.AgentProviderProfile, bool)
	Agents() []string
	Len() int
	ByPrimaryProvider() map[string][]string
}

// StatsSource yields the aggregate counters.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	dispatcher Dispatcher
	admitter   Admitter
	registry   RegistryView
	stats      StatsSource
	auth       *StaticTokenAuth
	trusted    []string
	wsOrigins  []string
	logger     *slog.Logger
	started    time.Time

	admissionRejects atomic.Int64
}

// NewHandler wires the handler dependencies. Trusted proxies and allowed
// WebSocket origins come from the server config.
func NewHandler(d Dispatcher, a Admitter, reg RegistryView, st StatsSource, auth *StaticTokenAuth, cfg config.ServerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: d,
		admitter:   a,
		registry:   reg,
		stats:      st,
		auth:       auth,
		trusted:    cfg.TrustedProxies,
		wsOrigins:  cfg.WSOrigins,
		logger:     logger,
		started:    time.Now(),
	}
}

// --- request/response shapes ---

type dispatchRequest struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
	Options struct {
		Temperature   float64 `json:"temperature,omitempty"`
		MaxTokens     int     `json:"maxTokens,omitempty"`
		ForceProvider string  `json:"forceProvider,omitempty"`
	} `json:"options"`
	Stream bool `json:"stream,omitempty"`
}

type agentBlock struct {
	ID             string   `json:"id"`
	SpecializedFor []string `json:"specializedFor,omitempty"`
}

type aiBlock struct {
	Provider        string   `json:"provider"`
	Model           string   `json:"model"`
	UsedFallback    bool     `json:"usedFallback"`
	PrimaryProvider string   `json:"primaryProvider"`
	Fallbacks       []string `json:"fallbacks"`
}

type metricsBlock struct {
	TokensUsed int    `json:"tokensUsed"`
	LatencyMs  int64  `json:"latencyMs"`
	Timestamp  string `json:"timestamp"`
}

type dispatchResponse struct {
	Response string       `json:"response"`
	Agent    agentBlock   `json:"agent"`
	AI       aiBlock      `json:"ai"`
	Metrics  metricsBlock `json:"metrics"`
}

type errorResponse struct {
	Error    string                   `json:"error"`
	Code     domain.ErrorCode         `json:"code"`
	Attempts []domain.DispatchAttempt `json:"attempts,omitempty"`
}

type rateLimitResponse struct {
	Limit      int   `json:"limit"`
	Remaining  int   `json:"remaining"`
	Reset      int64 `json:"reset"`
	RetryAfter int   `json:"retryAfter"`
}

// identity resolves the admission identifier for a request: the authenticated
// caller name when token auth is configured, the client IP otherwise.
func (h *Handler) identity(r *http.Request) (string, error) {
	if !h.auth.Enabled() {
		return middleware.ClientIP(r, h.trusted), nil
	}

	token := bearerToken(r)
	name, err := h.auth.Authenticate(token)
	if err != nil {
		return "", err
	}
	return name, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	return ""
}

// HandleDispatch serves POST /api/v1/dispatch.
func (h *Handler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := h.identity(r)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	decision := h.admitter.Admit(caller, classAgentChat)
	if !decision.Allowed {
		h.admissionRejects.Add(1)
		h.writeRateLimited(w, decision)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError("HandleDispatch", domain.ErrInvalidInput, "malformed JSON body"), nil)
		return
	}

	opts := domain.DispatchOptions{
		Temperature:   req.Options.Temperature,
		MaxTokens:     req.Options.MaxTokens,
		ForceProvider: req.Options.ForceProvider,
	}

	if req.Stream {
		h.dispatchSSE(w, r, req, opts)
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req.AgentID, req.Message, opts)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	if !result.Succeeded() {
		h.writeError(w,
			domain.NewDomainError("HandleDispatch", domain.ErrAllProvidersFailed, req.AgentID),
			result.Attempts)
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildResponse(result))
}

func (h *Handler) buildResponse(result *domain.DispatchResult) dispatchResponse {
	profile, _ := h.registry.Resolve(result.AgentID)
	return dispatchResponse{
		Response: result.Content,
		Agent: agentBlock{
			ID:             result.AgentID,
			SpecializedFor: profile.SpecializedFor,
		},
		AI: aiBlock{
			Provider:        result.FinalProvider,
			Model:           result.Model,
			UsedFallback:    result.UsedFallback,
			PrimaryProvider: profile.PrimaryProvider,
			Fallbacks:       profile.FallbackProviders,
		},
		Metrics: metricsBlock{
			TokensUsed: result.TokensUsed,
			LatencyMs:  result.LatencyMs,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// sseEvent is one event on the dispatch SSE stream. Delta events carry only
// Delta; the terminal event has IsFinal set plus either the metadata blocks
// or an error.
type sseEvent struct {
	Delta   string        `json:"delta,omitempty"`
	IsFinal bool          `json:"isFinal"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`
	Agent   *agentBlock   `json:"agent,omitempty"`
	AI      *aiBlock      `json:"ai,omitempty"`
	Metrics *metricsBlock `json:"metrics,omitempty"`
}

func (h *Handler) dispatchSSE(w http.ResponseWriter, r *http.Request, req dispatchRequest, opts domain.DispatchOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	handle, err := h.dispatcher.DispatchStream(r.Context(), req.AgentID, req.Message, opts)
	if err != nil {
		// Pre-flight failure: the stream never opened, plain JSON error.
		h.writeError(w, err, nil)
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeEvent := func(ev sseEvent) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for delta := range handle.Deltas() {
		if !delta.IsFinal {
			if !writeEvent(sseEvent{Delta: delta.Delta}) {
				return
			}
			continue
		}

		if delta.Err != nil {
			result := handle.Finish()
			writeEvent(sseEvent{
				IsFinal: true,
				Error:   delta.Err.Error(),
				Code:    string(domain.ErrorCodeOf(delta.Err)),
			})
			h.logger.Warn("streaming dispatch failed",
				"agent", req.AgentID,
				"attempts", len(result.Attempts),
				"error", delta.Err,
			)
			return
		}

		result := handle.Finish()
		resp := h.buildResponse(result)
		writeEvent(sseEvent{
			IsFinal: true,
			Agent:   &resp.Agent,
			AI:      &resp.AI,
			Metrics: &resp.Metrics,
		})
	}
}

// registryListResponse is the no-argument registry view.
type registryListResponse struct {
	TotalAgents      int                 `json:"totalAgents"`
	ConfiguredAgents []string            `json:"configuredAgents"`
	ProviderStats    map[string]int      `json:"providerStats"`
	Providers        map[string][]string `json:"providers"`
}

// HandleRegistry serves GET /api/v1/registry.
func (h *Handler) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := h.identity(r)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	decision := h.admitter.Admit(caller, classGeneral)
	if !decision.Allowed {
		h.admissionRejects.Add(1)
		h.writeRateLimited(w, decision)
		return
	}

	if agentID := r.URL.Query().Get("agentId"); agentID != "" {
		profile, ok := h.registry.Resolve(agentID)
		if !ok {
			h.writeError(w, domain.NewDomainError("HandleRegistry", domain.ErrAgentNotFound, agentID), nil)
			return
		}
		h.writeJSON(w, http.StatusOK, profile)
		return
	}

	byPrimary := h.registry.ByPrimaryProvider()
	resp := registryListResponse{
		TotalAgents:      h.registry.Len(),
		ConfiguredAgents: h.registry.Agents(),
		ProviderStats:    make(map[string]int, len(byPrimary)),
		Providers:        make(map[string][]string, len(byPrimary)),
	}
	for provider, agents := range byPrimary {
		resp.ProviderStats[provider] = len(agents)
		resp.Providers[provider+"Agents"] = agents
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleStats serves GET /api/v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// HandleHealth serves GET /api/v1/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- response helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write response", "error", err)
	}
}

// statusForCode maps the error taxonomy to HTTP statuses. The categories are
// deliberately never collapsed: a caller must be able to tell retry-later,
// bad-request, and temporarily-unavailable apart.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeAgentNotFound, domain.CodeProviderNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeAuthInvalid:
		return http.StatusUnauthorized
	case domain.CodeAllProvidersFailed:
		return http.StatusServiceUnavailable
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, attempts []domain.DispatchAttempt) {
	if errors.Is(err, context.Canceled) {
		// Caller went away; nothing useful to write.
		return
	}

	code := domain.ErrorCodeOf(err)
	h.writeJSON(w, statusForCode(code), errorResponse{
		Error:    err.Error(),
		Code:     code,
		Attempts: attempts,
	})
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, d domain.AdmissionDecision) {
	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))

	h.writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		Reset:      d.ResetAt.Unix(),
		RetryAfter: retryAfter,
	})
}
