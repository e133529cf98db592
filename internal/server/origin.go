package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// OriginPolicy decides which browser origins may open a websocket.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewOriginPolicy builds a policy from raw origins. "*" allows every origin;
// entries that are not scheme://host are ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	normalized, allowAll := normalizeOrigins(origins)

	p := &OriginPolicy{allowAll: allowAll, allowed: make(map[string]struct{}, len(normalized))}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string) ([]string, bool) {
	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		n, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("module", "origin").Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		normalized = append(normalized, n)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether r carries an acceptable Origin header. Requests
// without one are refused.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}
	origin, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[origin]
	return exists
}

// Check is the gorilla Upgrader.CheckOrigin hook.
func (p *OriginPolicy) Check(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}
	log.Warn().Str("module", "origin").Str("origin", r.Header.Get("Origin")).Str("addr", r.RemoteAddr).
		Msg("blocked websocket connection from disallowed origin")
	return false
}
