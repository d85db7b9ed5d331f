package domain

import "fmt"

// AgentProviderProfile maps an agent identity to its ordered provider chain.
// Profiles are loaded at process start and immutable thereafter; the fallback
// order is the single source of truth the dispatch executor consumes.
type AgentProviderProfile struct {
	AgentID           string   `json:"agentId" yaml:"id"`
	PrimaryProvider   string   `json:"primaryProvider" yaml:"provider"`
	FallbackProviders []string `json:"fallbackProviders" yaml:"fallbacks"`
	// Model is the provider-specific model name used with the primary
	// provider. Fallback providers use their own configured default.
	Model string `json:"model" yaml:"model"`
	// SpecializedFor is informational only and never affects routing.
	SpecializedFor []string `json:"specializedFor" yaml:"specialized_for"`
}

// ProviderChain returns the full ordered candidate list:
// primary first, then fallbacks in declared order.
func (p AgentProviderProfile) ProviderChain() []string {
	chain := make([]string, 0, 1+len(p.FallbackProviders))
	chain = append(chain, p.PrimaryProvider)
	chain = append(chain, p.FallbackProviders...)
	return chain
}

// Validate checks the structural invariants of a profile: non-empty
// identifiers, no duplicate fallbacks, and the primary never repeated
// in the fallback list.
func (p AgentProviderProfile) Validate() error {
	if p.AgentID == "" {
		return NewDomainError("AgentProviderProfile.Validate", ErrInvalidInput, "empty agent id")
	}
	if p.PrimaryProvider == "" {
		return NewDomainError("AgentProviderProfile.Validate", ErrInvalidInput,
			fmt.Sprintf("agent %q has no primary provider", p.AgentID))
	}
	seen := map[string]bool{p.PrimaryProvider: true}
	for _, fb := range p.FallbackProviders {
		if fb == p.PrimaryProvider {
			return NewDomainError("AgentProviderProfile.Validate", ErrInvalidInput,
				fmt.Sprintf("agent %q lists primary %q as fallback", p.AgentID, fb))
		}
		if seen[fb] {
			return NewDomainError("AgentProviderProfile.Validate", ErrInvalidInput,
				fmt.Sprintf("agent %q has duplicate fallback %q", p.AgentID, fb))
		}
		seen[fb] = true
	}
	return nil
}
