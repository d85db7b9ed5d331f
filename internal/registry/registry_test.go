package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
)

func testProfiles() []domain.AgentProviderProfile {
	return []domain.AgentProviderProfile{
		{
			AgentID:           "demo",
			PrimaryProvider:   "alpha",
			FallbackProviders: []string{"beta", "gamma"},
			Model:             "alpha-large",
			SpecializedFor:    []string{"general chat"},
		},
		{
			AgentID:         "coder",
			PrimaryProvider: "beta",
			Model:           "beta-code",
		},
	}
}

func TestResolve(t *testing.T) {
	r, err := New(testProfiles())
	require.NoError(t, err)

	p, ok := r.Resolve("demo")
	require.True(t, ok)
	assert.Equal(t, "alpha", p.PrimaryProvider)
	assert.Equal(t, []string{"beta", "gamma"}, p.FallbackProviders)

	_, ok = r.Resolve("nope")
	assert.False(t, ok)
}

func TestResolveIdempotent(t *testing.T) {
	r, err := New(testProfiles())
	require.NoError(t, err)

	first, ok := r.Resolve("demo")
	require.True(t, ok)
	second, ok := r.Resolve("demo")
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestListProvidersOrder(t *testing.T) {
	r, err := New(testProfiles())
	require.NoError(t, err)

	chain, ok := r.ListProviders("demo")
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, chain)

	chain, ok = r.ListProviders("coder")
	require.True(t, ok)
	assert.Equal(t, []string{"beta"}, chain)

	_, ok = r.ListProviders("nope")
	assert.False(t, ok)
}

func TestNewRejectsDuplicateAgent(t *testing.T) {
	profiles := testProfiles()
	profiles = append(profiles, domain.AgentProviderProfile{
		AgentID: "demo", PrimaryProvider: "gamma",
	})
	_, err := New(profiles)
	require.Error(t, err)
}

func TestNewRejectsPrimaryInFallbacks(t *testing.T) {
	_, err := New([]domain.AgentProviderProfile{{
		AgentID:           "bad",
		PrimaryProvider:   "alpha",
		FallbackProviders: []string{"alpha"},
	}})
	require.Error(t, err)
}

func TestNewRejectsDuplicateFallback(t *testing.T) {
	_, err := New([]domain.AgentProviderProfile{{
		AgentID:           "bad",
		PrimaryProvider:   "alpha",
		FallbackProviders: []string{"beta", "beta"},
	}})
	require.Error(t, err)
}

func TestByPrimaryProvider(t *testing.T) {
	r, err := New(testProfiles())
	require.NoError(t, err)

	groups := r.ByPrimaryProvider()
	assert.Equal(t, []string{"demo"}, groups["alpha"])
	assert.Equal(t, []string{"coder"}, groups["beta"])
}

func TestAgentsSorted(t *testing.T) {
	r, err := New(testProfiles())
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "demo"}, r.Agents())
	assert.Equal(t, 2, r.Len())
}
