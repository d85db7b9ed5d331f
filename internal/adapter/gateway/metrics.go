package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// HandleMetrics serves GET /metrics in Prometheus text exposition format.
// Written by hand rather than via a client library: the counter set is small
// and fixed, and the gateway already keeps the aggregates in the stats
// snapshot.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.stats.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP agentgate_uptime_seconds Time since the gateway started.\n")
	fmt.Fprintf(w, "# TYPE agentgate_uptime_seconds gauge\n")
	fmt.Fprintf(w, "agentgate_uptime_seconds %d\n\n", int64(time.Since(h.started).Seconds()))

	fmt.Fprintf(w, "# HELP agentgate_goroutines Current goroutine count.\n")
	fmt.Fprintf(w, "# TYPE agentgate_goroutines gauge\n")
	fmt.Fprintf(w, "agentgate_goroutines %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP agentgate_admission_rejected_total Requests rejected by admission control.\n")
	fmt.Fprintf(w, "# TYPE agentgate_admission_rejected_total counter\n")
	fmt.Fprintf(w, "agentgate_admission_rejected_total %d\n\n", h.admissionRejects.Load())

	var dispatches, fallbacks, exhausted int64
	agents := make([]string, 0, len(snap.PerAgent))
	for id := range snap.PerAgent {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	for _, id := range agents {
		s := snap.PerAgent[id]
		dispatches += s.Dispatches
		fallbacks += s.Fallbacks
		exhausted += s.Exhausted
	}

	fmt.Fprintf(w, "# HELP agentgate_dispatches_total Completed dispatches.\n")
	fmt.Fprintf(w, "# TYPE agentgate_dispatches_total counter\n")
	fmt.Fprintf(w, "agentgate_dispatches_total %d\n\n", dispatches)

	fmt.Fprintf(w, "# HELP agentgate_fallbacks_total Dispatches answered by a non-primary provider.\n")
	fmt.Fprintf(w, "# TYPE agentgate_fallbacks_total counter\n")
	fmt.Fprintf(w, "agentgate_fallbacks_total %d\n\n", fallbacks)

	fmt.Fprintf(w, "# HELP agentgate_exhausted_total Dispatches that ran out of providers.\n")
	fmt.Fprintf(w, "# TYPE agentgate_exhausted_total counter\n")
	fmt.Fprintf(w, "agentgate_exhausted_total %d\n\n", exhausted)

	providers := make([]string, 0, len(snap.PerProvider))
	for name := range snap.PerProvider {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	fmt.Fprintf(w, "# HELP agentgate_provider_attempts_total Provider attempts, by provider.\n")
	fmt.Fprintf(w, "# TYPE agentgate_provider_attempts_total counter\n")
	for _, name := range providers {
		fmt.Fprintf(w, "agentgate_provider_attempts_total{provider=%q} %d\n", name, snap.PerProvider[name].Count)
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP agentgate_provider_failures_total Failed provider attempts, by provider.\n")
	fmt.Fprintf(w, "# TYPE agentgate_provider_failures_total counter\n")
	for _, name := range providers {
		fmt.Fprintf(w, "agentgate_provider_failures_total{provider=%q} %d\n", name, snap.PerProvider[name].FailureCount)
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP agentgate_provider_latency_ms_total Summed attempt latency in milliseconds, by provider.\n")
	fmt.Fprintf(w, "# TYPE agentgate_provider_latency_ms_total counter\n")
	for _, name := range providers {
		fmt.Fprintf(w, "agentgate_provider_latency_ms_total{provider=%q} %d\n", name, snap.PerProvider[name].TotalLatencyMs)
	}
}
