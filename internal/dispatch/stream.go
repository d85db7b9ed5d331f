package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentgate/internal/domain"
)

// StreamingDispatch is the handle for one streaming dispatch. The consumer
// reads normalized TextDelta events from Deltas until the channel closes;
// the stream terminates in exactly one IsFinal event (carrying Err if the
// provider failed mid-stream). Close abandons the stream and releases the
// provider connection. Finish blocks until the stream has ended and returns
// the finalized result; it is the only way to observe latency and token
// totals, which do not exist until the last delta has been produced.
type StreamingDispatch struct {
	deltas    chan domain.TextDelta
	closeSig  chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	result    *domain.DispatchResult
}

// Deltas returns the normalized event channel.
func (s *StreamingDispatch) Deltas() <-chan domain.TextDelta { return s.deltas }

// Close abandons the stream from the consumer side. The provider pull stops
// and the underlying connection is released; the partial output already
// delivered stands.
func (s *StreamingDispatch) Close() {
	s.closeOnce.Do(func() {
		close(s.closeSig)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Finish blocks until the stream has ended and returns the final result.
func (s *StreamingDispatch) Finish() *domain.DispatchResult {
	<-s.done
	return s.result
}

// DispatchStream is the streaming variant of Dispatch. Fallback applies only
// while choosing a provider: once a provider has started emitting output the
// chain never advances, because partial output cannot be un-sent — a
// mid-stream failure terminates the stream with an error event instead.
// Non-streaming providers are served by synthesizing a single-chunk stream
// from their complete response, so callers treat every provider uniformly.
func (e *Executor) DispatchStream(ctx context.Context, agentID, message string, opts domain.DispatchOptions) (*StreamingDispatch, error) {
	const op = "Executor.DispatchStream"

	if err := e.validateInput(agentID, message); err != nil {
		return nil, err
	}

	profile, ok := e.profiles.Resolve(agentID)
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrAgentNotFound, agentID)
	}

	chain := reorderChain(profile.ProviderChain(), opts.ForceProvider)

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
		Stream:      true,
	}

	for _, name := range chain {
		if ctx.Err() != nil {
			return nil, domain.WrapOp(op, ctx.Err())
		}

		client, err := e.clients.Get(name)
		if err != nil {
			attempt := domain.DispatchAttempt{
				Provider:    name,
				StartedAt:   e.now(),
				CompletedAt: e.now(),
				Outcome:     domain.OutcomeProviderError,
				ErrorDetail: err.Error(),
			}
			result.Attempts = append(result.Attempts, attempt)
			e.stats.RecordAttempt(attempt)
			continue
		}

		attemptReq := req
		if name != profile.PrimaryProvider {
			// profile.Model is the primary's model name; fallbacks run on
			// their own configured default.
			attemptReq.Model = ""
		}

		if sp, streams := streamingClient(client); streams {
			handle, opened := e.openAndNormalize(ctx, sp, name, profile, attemptReq, message, result, started)
			if opened {
				return handle, nil
			}
			continue
		}

		// Non-streaming provider: a complete call, so the request must not
		// ask for a streamed body.
		attemptReq.Stream = false
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

		return e.synthesize(name, profile, resp, message, result, started), nil
	}

	// Terminal failure: the handle delivers a single final error event so
	// streaming consumers see the same shape as any other stream.
	result.LatencyMs = e.now().Sub(started).Milliseconds()
	e.stats.RecordDispatch(result)
	e.logger.Error("streaming dispatch exhausted provider chain",
		"dispatch", result.ID,
		"agent", agentID,
		"attempts", len(result.Attempts),
	)

	handle := &StreamingDispatch{
		deltas:   make(chan domain.TextDelta, 1),
		closeSig: make(chan struct{}),
		done:     make(chan struct{}),
		result:   result,
	}
	handle.deltas <- domain.TextDelta{
		IsFinal: true,
		Err:     domain.NewDomainError(op, domain.ErrAllProvidersFailed, agentID),
	}
	close(handle.deltas)
	close(handle.done)
	return handle, nil
}

// openAndNormalize tries to open a provider stream within the attempt
// timeout. The timeout bounds the open only; once deltas flow, the stream
// runs under the caller's context. Returns opened=false (with the failed
// attempt recorded) when the provider never started emitting.
func (e *Executor) openAndNormalize(ctx context.Context, sp domain.StreamingProviderClient, name string, profile domain.AgentProviderProfile, req domain.ChatRequest, message string, result *domain.DispatchResult, started time.Time) (*StreamingDispatch, bool) {
	attempt := domain.DispatchAttempt{
		Provider:  name,
		StartedAt: e.now(),
	}

	streamCtx, cancel := context.WithCancel(ctx)

	type openResult struct {
		ch  <-chan domain.StreamDelta
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		ch, err := sp.ChatStream(streamCtx, req)
		opened <- openResult{ch, err}
	}()

	timer := time.NewTimer(e.cfg.AttemptTimeout.Std())
	defer timer.Stop()

	var providerCh <-chan domain.StreamDelta
	select {
	case res := <-opened:
		if res.err != nil {
			cancel()
			attempt.CompletedAt = e.now()
			attempt.Outcome = classifyOutcome(res.err)
			attempt.ErrorDetail = res.err.Error()
			result.Attempts = append(result.Attempts, attempt)
			e.stats.RecordAttempt(attempt)
			return nil, false
		}
		providerCh = res.ch
	case <-timer.C:
		cancel()
		attempt.CompletedAt = e.now()
		attempt.Outcome = domain.OutcomeTimeout
		attempt.ErrorDetail = "stream open timed out"
		result.Attempts = append(result.Attempts, attempt)
		e.stats.RecordAttempt(attempt)
		return nil, false
	case <-ctx.Done():
		cancel()
		attempt.CompletedAt = e.now()
		attempt.Outcome = classifyOutcome(ctx.Err())
		attempt.ErrorDetail = ctx.Err().Error()
		result.Attempts = append(result.Attempts, attempt)
		e.stats.RecordAttempt(attempt)
		return nil, false
	}

	handle := &StreamingDispatch{
		deltas:   make(chan domain.TextDelta, e.cfg.StreamBuffer),
		closeSig: make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
		result:   result,
	}

	go e.normalize(handle, providerCh, name, profile, attempt, message, started)
	return handle, true
}

// normalize pumps provider deltas into the uniform TextDelta shape and
// finalizes the result when the stream ends.
func (e *Executor) normalize(s *StreamingDispatch, providerCh <-chan domain.StreamDelta, name string, profile domain.AgentProviderProfile, attempt domain.DispatchAttempt, message string, started time.Time) {
	defer close(s.done)
	defer close(s.deltas)
	defer s.cancel()

	var content strings.Builder
	var usage *domain.Usage
	var streamErr error
	abandoned := false

pump:
	for {
		select {
		case d, ok := <-providerCh:
			if !ok {
				break pump
			}
			if d.Usage != nil {
				usage = d.Usage
			}
			if d.Err != nil {
				streamErr = d.Err
				break pump
			}
			if d.Content != "" {
				content.WriteString(d.Content)
				select {
				case s.deltas <- domain.TextDelta{Delta: d.Content}:
				case <-s.closeSig:
					abandoned = true
					break pump
				}
			}
			if d.Done {
				break pump
			}
		case <-s.closeSig:
			abandoned = true
			break pump
		}
	}

	result := s.result
	attempt.CompletedAt = e.now()

	if streamErr != nil {
		attempt.Outcome = classifyOutcome(streamErr)
		attempt.ErrorDetail = streamErr.Error()
		result.Attempts = append(result.Attempts, attempt)
		e.stats.RecordAttempt(attempt)
		result.LatencyMs = e.now().Sub(started).Milliseconds()
		e.stats.RecordDispatch(result)
		e.logger.Warn("stream failed mid-flight",
			"dispatch", result.ID,
			"provider", name,
			"error", streamErr,
		)
		select {
		case s.deltas <- domain.TextDelta{IsFinal: true, Err: streamErr}:
		case <-s.closeSig:
		}
		return
	}

	// Clean end or consumer abandonment: the provider served the request,
	// so the dispatch counts as succeeded with whatever was delivered.
	attempt.Outcome = domain.OutcomeSuccess
	result.FinalProvider = name
	result.UsedFallback = name != profile.PrimaryProvider
	result.Model = profile.Model
	result.Content = content.String()
	if usage != nil {
		result.TokensUsed = usage.TotalTokens
		attempt.TokensUsed = usage.TotalTokens
	} else {
		result.TokensUsed = e.tokens.Count(message) + e.tokens.Count(result.Content)
		attempt.TokensUsed = result.TokensUsed
	}
	result.Attempts = append(result.Attempts, attempt)
	result.LatencyMs = e.now().Sub(started).Milliseconds()

	e.stats.RecordAttempt(attempt)
	e.stats.RecordDispatch(result)

	if !abandoned {
		select {
		case s.deltas <- domain.TextDelta{IsFinal: true}:
		case <-s.closeSig:
		}
	}
}

// synthesize wraps a complete response in a single-chunk stream.
func (e *Executor) synthesize(name string, profile domain.AgentProviderProfile, resp *domain.ChatResponse, message string, result *domain.DispatchResult, started time.Time) *StreamingDispatch {
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

	handle := &StreamingDispatch{
		deltas:   make(chan domain.TextDelta, 2),
		closeSig: make(chan struct{}),
		done:     make(chan struct{}),
		result:   result,
	}
	if resp.Content != "" {
		handle.deltas <- domain.TextDelta{Delta: resp.Content}
	}
	handle.deltas <- domain.TextDelta{IsFinal: true}
	close(handle.deltas)
	close(handle.done)
	return handle
}

// streamCapable is implemented by wrappers (the circuit breaker) that always
// satisfy StreamingProviderClient but may hide a non-streaming backend.
type streamCapable interface {
	SupportsStreaming() bool
}

func streamingClient(c domain.ProviderClient) (domain.StreamingProviderClient, bool) {
	sp, ok := c.(domain.StreamingProviderClient)
	if !ok {
		return nil, false
	}
	if probe, ok := c.(streamCapable); ok && !probe.SupportsStreaming() {
		return nil, false
	}
	return sp, true
}
