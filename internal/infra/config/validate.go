package config

import (
	"fmt"

	"agentgate/internal/domain"
)

var knownProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
	"ollama":    true,
	"bedrock":   true,
}

// Validate checks cross-field invariants the YAML schema cannot express.
// Agent profiles are validated here too, so a malformed fallback chain is a
// startup failure rather than a dispatch-time surprise.
func (c *Config) Validate() error {
	providerNames := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, "provider with empty name")
		}
		if providerNames[p.Name] {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("duplicate provider %q", p.Name))
		}
		if !knownProviderTypes[p.Type] {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("provider %q has unknown type %q", p.Name, p.Type))
		}
		providerNames[p.Name] = true
	}

	agentIDs := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		profile := a.Profile()
		if err := profile.Validate(); err != nil {
			return err
		}
		if agentIDs[a.ID] {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("duplicate agent %q", a.ID))
		}
		agentIDs[a.ID] = true

		for _, name := range profile.ProviderChain() {
			if !providerNames[name] {
				return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
					fmt.Sprintf("agent %q references unknown provider %q", a.ID, name))
			}
		}
	}

	for _, cl := range c.RateLimits.Classes {
		if cl.Name == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, "rate limit class with empty name")
		}
		if cl.Limit <= 0 || cl.Window <= 0 {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("rate limit class %q needs positive limit and window", cl.Name))
		}
	}

	return nil
}
