package gateway

import (
	"crypto/subtle"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

// StaticTokenAuth authenticates callers against a fixed token list from the
// config. Uses constant-time comparison to prevent timing attacks. With no
// tokens configured auth is disabled and callers are identified by IP.
type StaticTokenAuth struct {
	entries []authEntry
}

type authEntry struct {
	token []byte
	name  string
}

// NewStaticTokenAuth builds the authenticator from the configured token list.
func NewStaticTokenAuth(cfgs []config.AuthTokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, c := range cfgs {
		if c.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{token: []byte(c.Token), name: c.Name})
	}
	return a
}

// Enabled reports whether any tokens are configured.
func (a *StaticTokenAuth) Enabled() bool {
	return a != nil && len(a.entries) > 0
}

// Authenticate checks token against every configured entry and returns the
// matching caller name. Every entry is compared so the duration does not
// depend on which (if any) token matched.
func (a *StaticTokenAuth) Authenticate(token string) (string, error) {
	got := []byte(token)
	name := ""
	matched := 0
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(got, e.token) == 1 {
			name = e.name
			matched = 1
		}
	}
	if matched == 1 {
		return name, nil
	}
	return "", domain.NewDomainError("StaticTokenAuth.Authenticate", domain.ErrAuthInvalid, "unknown token")
}
