package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
server:
  addr: ":9090"
  shutdown_timeout: 5s
  auth_tokens:
    - token: "tok-ci"
      name: "ci"
providers:
  - name: openai
    type: openai
    model: gpt-4o-mini
    api_key: "${TEST_OPENAI_KEY}"
  - name: local
    type: ollama
    base_url: "http://127.0.0.1:11434"
agents:
  - id: support
    provider: openai
    fallbacks: [local]
    model: gpt-4o-mini
    specialized_for: [customer support]
rate_limits:
  classes:
    - name: agent-chat
      limit: 10
      window: 1m
dispatch:
  attempt_timeout: 3s
`

func TestLoadValid(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Std())
	require.Len(t, cfg.Server.AuthTokens, 1)
	require.Equal(t, "ci", cfg.Server.AuthTokens[0].Name)

	require.Len(t, cfg.Providers, 2)
	require.Equal(t, "sk-test-123", cfg.Providers[0].APIKey)

	require.Len(t, cfg.Agents, 1)
	profile := cfg.Agents[0].Profile()
	require.Equal(t, "support", profile.AgentID)
	require.Equal(t, []string{"openai", "local"}, profile.ProviderChain())

	require.Equal(t, 3*time.Second, cfg.Dispatch.AttemptTimeout.Std())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers: []\n"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout.Std())
	require.Equal(t, 300, cfg.Server.RequestsPerMin)
	require.Equal(t, []string{"localhost:*", "127.0.0.1:*"}, cfg.Server.WSOrigins)
	require.Equal(t, 8*time.Second, cfg.Dispatch.AttemptTimeout.Std())
	require.Equal(t, 32*1024, cfg.Dispatch.MaxMessageBytes)
	require.Equal(t, "@every 5m", cfg.RateLimits.SweepSchedule)

	classes := cfg.Classes()
	require.Contains(t, classes, ClassAgentChat)
	require.Contains(t, classes, ClassGeneral)
	require.Equal(t, 30, classes[ClassAgentChat].Limit)
	require.Equal(t, time.Hour, classes[ClassAgentChat].Window)
}

func TestLoadExplicitClassNotOverridden(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
rate_limits:
  classes:
    - name: agent-chat
      limit: 5
      window: 30s
`))
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Classes()[ClassAgentChat].Limit)
	require.Equal(t, 30*time.Second, cfg.Classes()[ClassAgentChat].Window)
}

func TestLoadWSOrigins(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  ws_origins: [\"chat.example.com\"]\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"chat.example.com"}, cfg.Server.WSOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not a map"))
	require.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			name: "unknown provider type",
			body: `
providers:
  - name: p1
    type: mystery
`,
		},
		{
			name: "duplicate provider",
			body: `
providers:
  - name: p1
    type: openai
  - name: p1
    type: ollama
`,
		},
		{
			name: "agent references unknown provider",
			body: `
providers:
  - name: p1
    type: openai
agents:
  - id: a1
    provider: ghost
`,
		},
		{
			name: "primary repeated as fallback",
			body: `
providers:
  - name: p1
    type: openai
agents:
  - id: a1
    provider: p1
    fallbacks: [p1]
`,
		},
		{
			name: "duplicate agent",
			body: `
providers:
  - name: p1
    type: openai
agents:
  - id: a1
    provider: p1
  - id: a1
    provider: p1
`,
		},
		{
			name: "non-positive rate limit",
			body: `
rate_limits:
  classes:
    - name: agent-chat
      limit: 0
      window: 1m
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTGATE_ADDR", ":7070")
	t.Setenv("AGENTGATE_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9090\"\n"))
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, "debug", cfg.Logger.Level)
}

func TestDurationUnmarshal(t *testing.T) {
	cfg, err := Load(writeConfig(t, "dispatch:\n  attempt_timeout: 1500ms\n"))
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, cfg.Dispatch.AttemptTimeout.Std())

	_, err = Load(writeConfig(t, "dispatch:\n  attempt_timeout: soon\n"))
	require.Error(t, err)
}
