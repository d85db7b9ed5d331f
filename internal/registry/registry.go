// Package registry resolves agent identities to their ordered provider
// chains. The registry is built once at startup and read-only afterwards,
// so lookups need no locking.
package registry

import (
	"fmt"
	"sort"

	"agentgate/internal/domain"
)

// Registry is the static agent -> profile lookup table.
type Registry struct {
	profiles map[string]domain.AgentProviderProfile
	agentIDs []string // sorted, for stable list views
}

// New validates every profile and builds the registry.
// Duplicate agent IDs are rejected: every agentId maps to exactly one profile.
func New(profiles []domain.AgentProviderProfile) (*Registry, error) {
	r := &Registry{
		profiles: make(map[string]domain.AgentProviderProfile, len(profiles)),
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.profiles[p.AgentID]; exists {
			return nil, domain.NewDomainError("registry.New", domain.ErrInvalidInput,
				fmt.Sprintf("duplicate agent %q", p.AgentID))
		}
		r.profiles[p.AgentID] = p
		r.agentIDs = append(r.agentIDs, p.AgentID)
	}
	sort.Strings(r.agentIDs)
	return r, nil
}

// Resolve returns the profile for agentID. The boolean distinguishes an
// unknown agent from any transient failure; there is no error path.
func (r *Registry) Resolve(agentID string) (domain.AgentProviderProfile, bool) {
	p, ok := r.profiles[agentID]
	return p, ok
}

// ListProviders returns the ordered candidate list for agentID:
// primary first, then fallbacks in declared order.
func (r *Registry) ListProviders(agentID string) ([]string, bool) {
	p, ok := r.profiles[agentID]
	if !ok {
		return nil, false
	}
	return p.ProviderChain(), true
}

// Agents returns all configured agent IDs in sorted order.
func (r *Registry) Agents() []string {
	out := make([]string, len(r.agentIDs))
	copy(out, r.agentIDs)
	return out
}

// Len returns the number of configured agents.
func (r *Registry) Len() int { return len(r.profiles) }

// ByPrimaryProvider groups agent IDs by their primary provider,
// each group sorted. Used by the registry list view.
func (r *Registry) ByPrimaryProvider() map[string][]string {
	out := make(map[string][]string)
	for _, id := range r.agentIDs {
		p := r.profiles[id]
		out[p.PrimaryProvider] = append(out[p.PrimaryProvider], id)
	}
	return out
}
