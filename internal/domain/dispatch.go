package domain

import "time"

// AttemptOutcome classifies how a single provider attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess       AttemptOutcome = "success"
	OutcomeTimeout       AttemptOutcome = "timeout"
	OutcomeProviderError AttemptOutcome = "provider_error"
	OutcomeNetworkError  AttemptOutcome = "network_error"
)

// DispatchAttempt records one provider tried during a single dispatch.
type DispatchAttempt struct {
	Provider    string         `json:"provider"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Outcome     AttemptOutcome `json:"outcome"`
	// ErrorDetail is set iff Outcome != OutcomeSuccess.
	ErrorDetail string `json:"errorDetail,omitempty"`
	// TokensUsed is set iff Outcome == OutcomeSuccess.
	TokensUsed int `json:"tokensUsed,omitempty"`
}

// LatencyMs returns the attempt's wall-clock duration in milliseconds.
func (a DispatchAttempt) LatencyMs() int64 {
	return a.CompletedAt.Sub(a.StartedAt).Milliseconds()
}

// DispatchOptions are the per-request knobs a caller may set.
type DispatchOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	// ForceProvider moves the named provider to the front of the agent's
	// chain. It narrows preference, not the fallback set: on failure the
	// remaining providers are still tried, and a name outside the chain
	// is ignored.
	ForceProvider string `json:"forceProvider,omitempty"`
}

// DispatchResult is the terminal artifact of one dispatch call. It is created
// per inbound request, handed to the caller, and discarded; only aggregate
// counters survive in the stats aggregator.
type DispatchResult struct {
	ID      string `json:"id"`
	AgentID string `json:"agentId"`
	// FinalProvider is the provider that produced the answer, empty if
	// every candidate failed.
	FinalProvider string            `json:"finalProvider"`
	Model         string            `json:"model,omitempty"`
	UsedFallback  bool              `json:"usedFallback"`
	Attempts      []DispatchAttempt `json:"attempts"`
	Content       string            `json:"content,omitempty"`
	LatencyMs     int64             `json:"latencyMs"`
	TokensUsed    int               `json:"tokensUsed"`
}

// Succeeded reports whether any provider produced an answer.
func (r *DispatchResult) Succeeded() bool { return r.FinalProvider != "" }

// TextDelta is one incremental unit of normalized streamed output.
// A stream terminates in exactly one event with IsFinal set; if Err is
// non-nil that event is an error event and Delta is empty.
type TextDelta struct {
	Delta   string `json:"delta"`
	IsFinal bool   `json:"isFinal"`
	Err     error  `json:"-"`
}
