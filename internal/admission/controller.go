// Package admission gates every request before any provider is contacted.
// It implements fixed-window counting per (identifier, endpoint class) key.
//
// Fixed windows deliberately permit a burst of up to 2x the limit across a
// window boundary. That trade-off is part of the contract; do not replace
// this with a sliding window without changing the documented semantics.
package admission

import (
	"log/slog"
	"time"

	"agentgate/internal/domain"
)

// Controller is the admission gate.
type Controller struct {
	store        WindowStore
	classes      map[string]domain.RateLimitClass
	defaultClass domain.RateLimitClass
	logger       *slog.Logger
	now          func() time.Time // injected for tests
}

// NewController builds a controller over the given store and class table.
// Unknown endpoint classes fall back to the "general" class when present,
// else to a permissive built-in default.
func NewController(store WindowStore, classes map[string]domain.RateLimitClass, logger *slog.Logger) *Controller {
	def, ok := classes["general"]
	if !ok {
		def = domain.RateLimitClass{Name: "general", Limit: 120, Window: time.Minute}
	}
	return &Controller{
		store:        store,
		classes:      classes,
		defaultClass: def,
		logger:       logger,
		now:          time.Now,
	}
}

// Admit checks and counts one request for (identifier, endpointClass).
// The rejected request is not counted: an admitted sequence never exceeds
// the class limit within one window.
func (c *Controller) Admit(identifier, endpointClass string) domain.AdmissionDecision {
	class, ok := c.classes[endpointClass]
	if !ok {
		class = c.defaultClass
	}

	now := c.now()
	key := identifier + "|" + class.Name
	windowStart, count, admitted := c.store.CompareAndIncrement(key, class.Limit, class.Window, now)

	resetAt := windowStart.Add(class.Window)
	decision := domain.AdmissionDecision{
		Allowed:   admitted,
		Limit:     class.Limit,
		Remaining: class.Limit - count,
		ResetAt:   resetAt,
	}
	if !admitted {
		decision.Remaining = 0
		decision.RetryAfter = resetAt.Sub(now)
		c.logger.Debug("admission rejected",
			"identifier", identifier,
			"class", class.Name,
			"retry_after", decision.RetryAfter,
		)
	}
	return decision
}

// Sweep removes expired window entries. Wired to a cron schedule by the
// process entrypoint.
func (c *Controller) Sweep() {
	removed := c.store.SweepExpired(c.now())
	if removed > 0 {
		c.logger.Debug("admission sweep", "removed", removed, "live", c.store.Len())
	}
}
