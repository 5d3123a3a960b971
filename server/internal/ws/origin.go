package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which Origin headers may open a websocket.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.allowAll = true
		default:
			n, ok := normalizeOrigin(o)
			if !ok {
				slog.Warn("ws: ignoring invalid allowed origin", "origin", o)
				continue
			}
			p.allowed[n] = struct{}{}
		}
	}
	return p
}

// check is an Upgrader.CheckOrigin func. Requests without an Origin header
// come from non-browser clients and are accepted.
func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	if n, ok := normalizeOrigin(origin); ok {
		if _, found := p.allowed[n]; found {
			return true
		}
	}
	slog.Warn("ws: blocked connection from disallowed origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
