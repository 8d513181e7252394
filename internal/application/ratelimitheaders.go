package application

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// epochThreshold separates absolute unix timestamps from delta seconds in
// X-RateLimit-Reset. No daily window resets more than ~31 years out.
const epochThreshold = 1_000_000_000

// rateLimitObservation holds whatever quota fields one response carried.
// Zero-valued fields with their has* flag unset were absent.
type rateLimitObservation struct {
	limit     int
	remaining int
	used      int
	resetAt   time.Time

	hasLimit     bool
	hasRemaining bool
	hasUsed      bool
}

// empty reports whether the response carried no quota information at all.
func (o rateLimitObservation) empty() bool {
	return !o.hasLimit && !o.hasRemaining && !o.hasUsed && o.resetAt.IsZero()
}

// parseRateLimitHeaders extracts quota fields from h. Two dialects are read:
//
//	RateLimit-Policy: "perday";q=5000;w=86400
//	RateLimit: "perday";r=4990;t=5904
//
// and the X-RateLimit-Limit/-Remaining/-Used/-Reset family. The structured
// draft headers win when both are present. Malformed values are ignored.
func parseRateLimitHeaders(h http.Header, now time.Time) rateLimitObservation {
	var obs rateLimitObservation

	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, ok := parseNonNegative(v); ok {
			obs.limit, obs.hasLimit = n, true
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, ok := parseNonNegative(v); ok {
			obs.remaining, obs.hasRemaining = n, true
		}
	}
	if v := h.Get("X-RateLimit-Used"); v != "" {
		if n, ok := parseNonNegative(v); ok {
			obs.used, obs.hasUsed = n, true
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, ok := parseNonNegative(v); ok {
			if n >= epochThreshold {
				obs.resetAt = time.Unix(int64(n), 0)
			} else {
				obs.resetAt = now.Add(time.Duration(n) * time.Second)
			}
		}
	}

	if params := structuredParams(h.Get("RateLimit-Policy")); params != nil {
		if n, ok := parseNonNegative(params["q"]); ok {
			obs.limit, obs.hasLimit = n, true
		}
	}
	if params := structuredParams(h.Get("RateLimit")); params != nil {
		if n, ok := parseNonNegative(params["r"]); ok {
			obs.remaining, obs.hasRemaining = n, true
		}
		if n, ok := parseNonNegative(params["t"]); ok {
			obs.resetAt = now.Add(time.Duration(n) * time.Second)
		}
	}

	if !obs.hasUsed && obs.hasLimit && obs.hasRemaining {
		obs.used = max(obs.limit-obs.remaining, 0)
		obs.hasUsed = true
	}

	return obs
}

// structuredParams parses the parameters of the first list member of a
// structured header value, e.g. `"perday";q=5000;w=86400` → {q:5000, w:86400}.
// Returns nil for an empty value.
func structuredParams(value string) map[string]string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}

	params := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params
}

func parseNonNegative(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
