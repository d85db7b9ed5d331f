package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"agentgate/internal/infra/config"
)

func TestRoutesSecurityHeaders(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)
	srv := NewServer(config.ServerConfig{}, gw.handler, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := httptest.NewServer(srv.Routes(ctx))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRoutesTransportRateLimit(t *testing.T) {
	gw := newTestGateway(t, defaultProviders(), nil, nil)
	srv := NewServer(config.ServerConfig{RequestsPerMin: 60, Burst: 2}, gw.handler, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := httptest.NewServer(srv.Routes(ctx))
	defer ts.Close()

	// Burst of 2, so the third immediate request is turned away.
	limited := false
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/v1/health")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	require.True(t, limited)
}
