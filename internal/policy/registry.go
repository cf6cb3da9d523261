package policy

import (
	"fmt"
	"sort"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// Registry holds the access policy for every tier.
type Registry struct {
	policies map[domain.Tier]AccessPolicy
}

// NewRegistry creates a registry with the default tier policies.
func NewRegistry() *Registry {
	return NewRegistryWithPolicies(NewUIPolicy(), NewObserverPolicy())
}

// NewRegistryWithPolicies creates a registry with custom policies (for testing).
func NewRegistryWithPolicies(policies ...AccessPolicy) *Registry {
	r := &Registry{
		policies: make(map[domain.Tier]AccessPolicy),
	}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// Register adds a policy to the registry, replacing any for the same tier.
func (r *Registry) Register(p AccessPolicy) {
	r.policies[p.Tier()] = p
}

// Get returns the policy for a tier. Unknown tiers are an error so that an
// unrecognized caller never falls through to a permissive default.
func (r *Registry) Get(tier domain.Tier) (AccessPolicy, error) {
	p, ok := r.policies[tier]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrForbidden, tier)
	}
	return p, nil
}

// List returns all registered tiers.
func (r *Registry) List() []domain.Tier {
	tiers := make([]domain.Tier, 0, len(r.policies))
	for t := range r.policies {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}
