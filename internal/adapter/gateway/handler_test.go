package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentgate/internal/admission"
	"agentgate/internal/dispatch"
	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/registry"
	"agentgate/internal/stats"
)

// fakeProvider answers every chat with a canned response or error.
type fakeProvider struct {
	name    string
	content string
	err     error
	deltas  []string // non-nil makes the provider streaming-capable
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ChatResponse{
		Model:   req.Model,
		Content: f.content,
		Usage:   domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.StreamDelta, len(f.deltas)+1)
	for _, d := range f.deltas {
		ch <- domain.StreamDelta{Content: d}
	}
	ch <- domain.StreamDelta{Done: true, Usage: &domain.Usage{TotalTokens: 12}}
	close(ch)
	return ch, nil
}

type fakeClients struct {
	providers map[string]domain.ProviderClient
}

func (f *fakeClients) Get(name string) (domain.ProviderClient, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, domain.NewDomainError("fakeClients.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

type testGateway struct {
	handler *Handler
	stats   *stats.Aggregator
}

// newTestGateway wires a real executor, registry, admission controller and
// stats aggregator around stub providers.
func newTestGateway(t *testing.T, providers map[string]domain.ProviderClient, tokens []config.AuthTokenConfig, classes map[string]domain.RateLimitClass) *testGateway {
	t.Helper()
	logger := slog.Default()

	reg, err := registry.New([]domain.AgentProviderProfile{
		{
			AgentID:           "demo",
			PrimaryProvider:   "alpha",
			FallbackProviders: []string{"beta"},
			Model:             "test-model",
			SpecializedFor:    []string{"demos"},
		},
	})
	require.NoError(t, err)

	if classes == nil {
		classes = map[string]domain.RateLimitClass{
			classAgentChat: {Name: classAgentChat, Limit: 1000, Window: time.Minute},
			classGeneral:   {Name: classGeneral, Limit: 1000, Window: time.Minute},
		}
	}
	ctrl := admission.NewController(admission.NewMemoryStore(), classes, logger)
	agg := stats.New(logger)
	exec := dispatch.NewExecutor(reg, &fakeClients{providers: providers}, agg, config.DispatchConfig{}, logger)

	h := NewHandler(exec, ctrl, reg, agg, NewStaticTokenAuth(tokens), config.ServerConfig{}, logger)
	return &testGateway{handler: h, stats: agg}
}

func defaultProviders() map[string]domain.ProviderClient {
	return map[string]domain.ProviderClient{
		"alpha": &fakeProvider{name: "alpha", content: "hello from alpha"},
		"beta":  &fakeProvider{name: "beta", content: "hello from beta"},
	}
}

func postDispatch(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleDispatch(rec, req)
	return rec
}

func TestDispatchSuccess(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello from alpha", resp.Response)
	require.Equal(t, "demo", resp.Agent.ID)
	require.Equal(t, []string{"demos"}, resp.Agent.SpecializedFor)
	require.Equal(t, "alpha", resp.AI.Provider)
	require.Equal(t, "alpha", resp.AI.PrimaryProvider)
	require.False(t, resp.AI.UsedFallback)
	require.Equal(t, []string{"beta"}, resp.AI.Fallbacks)
	require.Equal(t, 12, resp.Metrics.TokensUsed)
	require.NotEmpty(t, resp.Metrics.Timestamp)
}

func TestDispatchFallback(t *testing.T) {
	providers := defaultProviders()
	providers["alpha"] = &fakeProvider{name: "alpha", err: domain.ErrProviderError}
	gw := newTestGateway(t, providers, nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello from beta", resp.Response)
	require.Equal(t, "beta", resp.AI.Provider)
	require.True(t, resp.AI.UsedFallback)
}

func TestDispatchExhaustion(t *testing.T) {
	providers := map[string]domain.ProviderClient{
		"alpha": &fakeProvider{name: "alpha", err: domain.ErrProviderError},
		"beta":  &fakeProvider{name: "beta", err: domain.ErrNetwork},
	}
	gw := newTestGateway(t, providers, nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, domain.CodeAllProvidersFailed, resp.Code)
	require.Len(t, resp.Attempts, 2)
	require.Equal(t, domain.OutcomeProviderError, resp.Attempts[0].Outcome)
	require.Equal(t, domain.OutcomeNetworkError, resp.Attempts[1].Outcome)
}

func TestDispatchUnknownAgent(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"ghost","message":"hi"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, domain.CodeAgentNotFound, resp.Code)
}

func TestDispatchInvalidBody(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	rec := postDispatch(t, gw.handler, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatch", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleDispatch(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDispatchAuthRequired(t *testing.T) {
	tokens := []config.AuthTokenConfig{{Token: "secret-token", Name: "ci"}}
	gw := newTestGateway(t, defaultProviders(), tokens, nil)

	// No token.
	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatch",
		strings.NewReader(`{"agentId":"demo","message":"hi"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	gw.handler.HandleDispatch(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatchAdmissionRejection(t *testing.T) {
	classes := map[string]domain.RateLimitClass{
		classAgentChat: {Name: classAgentChat, Limit: 1, Window: time.Minute},
		classGeneral:   {Name: classGeneral, Limit: 1000, Window: time.Minute},
	}
	gw := newTestGateway(t, defaultProviders(), nil, classes)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp rateLimitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Limit)
	require.Equal(t, 0, resp.Remaining)
	require.GreaterOrEqual(t, resp.RetryAfter, 1)
}

func TestDispatchSSE(t *testing.T) {
	providers := map[string]domain.ProviderClient{
		"alpha": &fakeProvider{name: "alpha", content: "streamed", deltas: []string{"strea", "med"}},
		"beta":  &fakeProvider{name: "beta", content: "unused"},
	}
	gw := newTestGateway(t, providers, nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSEBody(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)

	var content strings.Builder
	finals := 0
	var final sseEvent
	for _, ev := range events {
		if ev.IsFinal {
			finals++
			final = ev
			continue
		}
		content.WriteString(ev.Delta)
	}
	require.Equal(t, 1, finals)
	require.Equal(t, "streamed", content.String())
	require.Empty(t, final.Error)
	require.NotNil(t, final.AI)
	require.Equal(t, "alpha", final.AI.Provider)
	require.NotNil(t, final.Metrics)
	require.Equal(t, 12, final.Metrics.TokensUsed)
}

func TestDispatchSSEExhaustion(t *testing.T) {
	providers := map[string]domain.ProviderClient{
		"alpha": &fakeProvider{name: "alpha", err: domain.ErrProviderError},
		"beta":  &fakeProvider{name: "beta", err: domain.ErrProviderError},
	}
	gw := newTestGateway(t, providers, nil, nil)

	rec := postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSEBody(t, rec.Body.String())
	require.Len(t, events, 1)
	require.True(t, events[0].IsFinal)
	require.Equal(t, string(domain.CodeAllProvidersFailed), events[0].Code)
	require.NotEmpty(t, events[0].Error)
}

func parseSSEBody(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestRegistryList(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleRegistry(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registryListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.TotalAgents)
	require.Equal(t, []string{"demo"}, resp.ConfiguredAgents)
	require.Equal(t, 1, resp.ProviderStats["alpha"])
	require.Equal(t, []string{"demo"}, resp.Providers["alphaAgents"])
}

func TestRegistryByAgent(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry?agentId=demo", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleRegistry(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile domain.AgentProviderProfile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	require.Equal(t, "demo", profile.AgentID)
	require.Equal(t, "alpha", profile.PrimaryProvider)
}

func TestRegistryUnknownAgent(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry?agentId=ghost", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleRegistry(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)
	postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleStats(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.PerAgent["demo"].Dispatches)
	require.Equal(t, int64(1), snap.PerProvider["alpha"].Count)
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleHealth(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	providers := map[string]domain.ProviderClient{
		"alpha": &fakeProvider{name: "alpha", err: domain.ErrProviderError},
		"beta":  &fakeProvider{name: "beta", content: "ok"},
	}
	gw := newTestGateway(t, providers, nil, nil)
	postDispatch(t, gw.handler, `{"agentId":"demo","message":"hi"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	gw.handler.HandleMetrics(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.Contains(t, body, "agentgate_dispatches_total 1")
	require.Contains(t, body, "agentgate_fallbacks_total 1")
	require.Contains(t, body, fmt.Sprintf("agentgate_provider_failures_total{provider=%q} 1", "alpha"))
	require.Contains(t, body, fmt.Sprintf("agentgate_provider_attempts_total{provider=%q} 1", "beta"))
	require.Contains(t, body, "agentgate_uptime_seconds")
}

func TestAuthenticateConstantTime(t *testing.T) {
	auth := NewStaticTokenAuth([]config.AuthTokenConfig{
		{Token: "tok-a", Name: "alice"},
		{Token: "tok-b", Name: "bob"},
	})

	name, err := auth.Authenticate("tok-b")
	require.NoError(t, err)
	require.Equal(t, "bob", name)

	_, err = auth.Authenticate("tok-c")
	require.ErrorIs(t, err, domain.ErrAuthInvalid)

	_, err = auth.Authenticate("")
	require.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestAuthDisabledWithoutTokens(t *testing.T) {
	require.False(t, NewStaticTokenAuth(nil).Enabled())
	require.False(t, NewStaticTokenAuth([]config.AuthTokenConfig{{Token: "", Name: "x"}}).Enabled())
}
