package domain

import "time"

// RateLimitClass is the admission configuration for one endpoint class.
type RateLimitClass struct {
	Name   string        `yaml:"name"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// AdmissionDecision is the outcome of one admission check.
type AdmissionDecision struct {
	Allowed   bool `json:"allowed"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	// ResetAt is when the current counting window ends.
	ResetAt time.Time `json:"resetAt"`
	// RetryAfter is non-zero only on rejection.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}
