// Package dispatch implements the gateway's core operation: resolving an
// agent's provider chain and trying each provider in declared order until one
// succeeds or the chain is exhausted. Attempts within one dispatch are
// strictly sequential, so the first provider to succeed is deterministic for
// a given provider health state.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
	"agentgate/internal/infra/tracer"
)

// ProfileSource resolves agent IDs to provider profiles.
type ProfileSource interface {
	Resolve(agentID string) (domain.AgentProviderProfile, bool)
}

// ClientSource resolves provider names to clients.
type ClientSource interface {
	Get(name string) (domain.ProviderClient, error)
}

// Recorder receives per-attempt and per-dispatch counters. Implementations
// must not block; the executor calls them inline on the dispatch path.
type Recorder interface {
	RecordAttempt(attempt domain.DispatchAttempt)
	RecordDispatch(res *domain.DispatchResult)
}

// Executor runs the sequential fallback chain for each dispatch.
type Executor struct {
	profiles ProfileSource
	clients  ClientSource
	stats    Recorder
	cfg      config.DispatchConfig
	logger   *slog.Logger
	tokens   tokenEstimator

	// now is injected for tests.
	now func() time.Time
}

// NewExecutor creates a dispatch executor. Zero-valued cfg fields fall back
// to the config package defaults.
func NewExecutor(profiles ProfileSource, clients ClientSource, stats Recorder, cfg config.DispatchConfig, logger *slog.Logger) *Executor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = config.Duration(8 * time.Second)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 32 * 1024
	}
	if cfg.MaxMessageTokens <= 0 {
		cfg.MaxMessageTokens = 8000
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}

	return &Executor{
		profiles: profiles,
		clients:  clients,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch resolves the agent's provider chain and tries each provider in
// order until one succeeds. A non-nil error is returned only for pre-flight
// failures (unknown agent, invalid input, caller cancellation); exhausting
// the chain is a terminal result, not an error — the caller checks
// result.Succeeded() and inspects Attempts.
func (e *Executor) Dispatch(ctx context.Context, agentID, message string, opts domain.DispatchOptions) (*domain.DispatchResult, error) {
	const op = "Executor.Dispatch"

	if err := e.validateInput(agentID, message); err != nil {
		return nil, err
	}

	profile, ok := e.profiles.Resolve(agentID)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrAgentNotFound, agentID)
	}

	chain := reorderChain(profile.ProviderChain(), opts.ForceProvider)

	ctx, span := tracer.StartSpan(ctx, "dispatch",
		trace.WithAttributes(
			tracer.StringAttr("dispatch.agent", agentID),
			tracer.IntAttr("dispatch.chain_len", len(chain)),
		),
	)
	defer span.End()

	result := &domain.DispatchResult{
		ID:      ulid.Make().String(),
		AgentID: agentID,
	}
	started := e.now()

	req := domain.ChatRequest{
		Model:       profile.Model,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: message}},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	for _, name := range chain {
		if ctx.Err() != nil {
			tracer.RecordError(span, ctx.Err())
			return nil, domain.WrapOp(op, ctx.Err())
		}

		attemptReq := req
		if name != profile.PrimaryProvider {
			// profile.Model is the primary's model name; fallbacks run on
			// their own configured default.
			attemptReq.Model = ""
		}

		resp, attempt := e.attempt(ctx, name, attemptReq)
		result.Attempts = append(result.Attempts, attempt)
		e.stats.RecordAttempt(attempt)

		if resp == nil {
			e.logger.Warn("provider attempt failed",
				"dispatch", result.ID,
				"agent", agentID,
				"provider", name,
				"outcome", attempt.Outcome,
				"error", attempt.ErrorDetail,
			)
			continue
		}

		result.FinalProvider = name
		result.UsedFallback = name != profile.PrimaryProvider
		result.Model = resp.Model
		if result.Model == "" {
			result.Model = profile.Model
		}
		result.Content = resp.Content
		result.TokensUsed = resp.Usage.TotalTokens
		if result.TokensUsed == 0 {
			result.TokensUsed = e.tokens.Count(message) + e.tokens.Count(resp.Content)
		}
		result.LatencyMs = e.now().Sub(started).Milliseconds()

		e.stats.RecordDispatch(result)
		tracer.SetOK(span)
		e.logger.Info("dispatch completed",
			"dispatch", result.ID,
			"agent", agentID,
			"provider", name,
			"fallback", result.UsedFallback,
			"attempts", len(result.Attempts),
			"latency_ms", result.LatencyMs,
		)
		return result, nil
	}

	// Terminal failure: every provider in the chain was tried.
	result.LatencyMs = e.now().Sub(started).Milliseconds()
	e.stats.RecordDispatch(result)
	tracer.RecordError(span, domain.ErrAllProvidersFailed)
	e.logger.Error("dispatch exhausted provider chain",
		"dispatch", result.ID,
		"agent", agentID,
		"attempts", len(result.Attempts),
	)
	return result, nil
}

// attempt runs one provider call bounded by the per-attempt timeout and
// returns the response (nil on failure) plus the attempt record.
func (e *Executor) attempt(ctx context.Context, provider string, req domain.ChatRequest) (*domain.ChatResponse, domain.DispatchAttempt) {
	attempt := domain.DispatchAttempt{
		Provider:  provider,
		StartedAt: e.now(),
	}

	client, err := e.clients.Get(provider)
	if err != nil {
		attempt.CompletedAt = e.now()
		attempt.Outcome = domain.OutcomeProviderError
		attempt.ErrorDetail = err.Error()
		return nil, attempt
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout.Std())
	defer cancel()

	resp, err := client.Chat(attemptCtx, req)
	attempt.CompletedAt = e.now()

	if err != nil {
		attempt.Outcome = classifyOutcome(err)
		attempt.ErrorDetail = err.Error()
		return nil, attempt
	}

	attempt.Outcome = domain.OutcomeSuccess
	attempt.TokensUsed = resp.Usage.TotalTokens
	return resp, attempt
}

func (e *Executor) validateInput(agentID, message string) error {
	const op = "Executor.Dispatch"

	if agentID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "agentId is required")
	}
	if message == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "message is required")
	}
	// Byte check first: it is free, and a message failing it would be slow
	// to tokenize anyway.
	if len(message) > e.cfg.MaxMessageBytes {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "message exceeds size limit")
	}
	if e.tokens.Count(message) > e.cfg.MaxMessageTokens {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "message exceeds token limit")
	}
	return nil
}

// reorderChain moves force to the front of the chain when present, keeping
// the relative order of the remaining providers. A name outside the chain is
// ignored: forceProvider narrows preference, never widens the set.
func reorderChain(chain []string, force string) []string {
	if force == "" {
		return chain
	}
	idx := -1
	for i, name := range chain {
		if name == force {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return chain
	}

	reordered := make([]string, 0, len(chain))
	reordered = append(reordered, force)
	reordered = append(reordered, chain[:idx]...)
	reordered = append(reordered, chain[idx+1:]...)
	return reordered
}

// classifyOutcome buckets a provider error into the attempt taxonomy.
func classifyOutcome(err error) domain.AttemptOutcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return domain.OutcomeTimeout
	case errors.Is(err, domain.ErrNetwork):
		return domain.OutcomeNetworkError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.OutcomeTimeout
		}
		return domain.OutcomeNetworkError
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return domain.OutcomeTimeout
		}
		return domain.OutcomeNetworkError
	}

	return domain.OutcomeProviderError
}
