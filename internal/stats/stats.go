// Package stats keeps in-memory aggregate counters of provider usage,
// fallback frequency, and latency. Counters are purely additive and bounded
// by the number of distinct providers and agents, never by traffic volume.
package stats

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentgate/internal/domain"
)

type providerCounters struct {
	count          atomic.Int64
	failureCount   atomic.Int64
	totalLatencyMs atomic.Int64
}

type agentCounters struct {
	dispatches atomic.Int64
	fallbacks  atomic.Int64
	exhausted  atomic.Int64
}

// Aggregator records dispatch attempts and results. Recording is
// fire-and-forget: it never blocks on I/O and never surfaces an error to the
// dispatch path.
type Aggregator struct {
	mu        sync.RWMutex
	providers map[string]*providerCounters
	agents    map[string]*agentCounters
	logger    *slog.Logger
	startedAt time.Time
}

// New creates an empty aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		providers: make(map[string]*providerCounters),
		agents:    make(map[string]*agentCounters),
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (a *Aggregator) providerFor(name string) *providerCounters {
	a.mu.RLock()
	c, ok := a.providers[name]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.providers[name]; ok {
		return c
	}
	c = &providerCounters{}
	a.providers[name] = c
	return c
}

func (a *Aggregator) agentFor(id string) *agentCounters {
	a.mu.RLock()
	c, ok := a.agents[id]
	a.mu.RUnlock()
	if ok {
		return c
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.agents[id]; ok {
		return c
	}
	c = &agentCounters{}
	a.agents[id] = c
	return c
}

// RecordAttempt counts a single provider attempt. Only aggregate sums are
// retained; the attempt's content never reaches the aggregator.
func (a *Aggregator) RecordAttempt(attempt domain.DispatchAttempt) {
	c := a.providerFor(attempt.Provider)
	c.count.Add(1)
	c.totalLatencyMs.Add(attempt.LatencyMs())
	if attempt.Outcome != domain.OutcomeSuccess {
		c.failureCount.Add(1)
	}
}

// RecordDispatch counts a completed dispatch for fallback-rate tracking.
func (a *Aggregator) RecordDispatch(res *domain.DispatchResult) {
	if res == nil {
		return
	}
	c := a.agentFor(res.AgentID)
	c.dispatches.Add(1)
	if res.UsedFallback {
		c.fallbacks.Add(1)
	}
	if !res.Succeeded() {
		c.exhausted.Add(1)
	}
}

// ProviderSnapshot is the aggregate view of one provider.
type ProviderSnapshot struct {
	Count          int64 `json:"count"`
	FailureCount   int64 `json:"failureCount"`
	TotalLatencyMs int64 `json:"totalLatencyMs"`
}

// AgentSnapshot is the aggregate view of one agent.
type AgentSnapshot struct {
	Dispatches   int64   `json:"dispatches"`
	Fallbacks    int64   `json:"fallbacks"`
	Exhausted    int64   `json:"exhausted"`
	FallbackRate float64 `json:"fallbackRate"`
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	TakenAt     time.Time                   `json:"takenAt"`
	UptimeSecs  int64                       `json:"uptimeSecs"`
	PerProvider map[string]ProviderSnapshot `json:"perProvider"`
	PerAgent    map[string]AgentSnapshot    `json:"perAgent"`
}

// Snapshot copies the current counters. The copy is not updated afterwards.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		TakenAt:     time.Now(),
		UptimeSecs:  int64(time.Since(a.startedAt).Seconds()),
		PerProvider: make(map[string]ProviderSnapshot),
		PerAgent:    make(map[string]AgentSnapshot),
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for name, c := range a.providers {
		snap.PerProvider[name] = ProviderSnapshot{
			Count:          c.count.Load(),
			FailureCount:   c.failureCount.Load(),
			TotalLatencyMs: c.totalLatencyMs.Load(),
		}
	}
	for id, c := range a.agents {
		s := AgentSnapshot{
			Dispatches: c.dispatches.Load(),
			Fallbacks:  c.fallbacks.Load(),
			Exhausted:  c.exhausted.Load(),
		}
		if s.Dispatches > 0 {
			s.FallbackRate = float64(s.Fallbacks) / float64(s.Dispatches)
		}
		snap.PerAgent[id] = s
	}
	return snap
}
