package relay

import (
	"net/http"
	"strings"
)

// hopByHop lists header names stripped before forwarding, matching the
// classic proxy hop-by-hop set.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// HeaderSanitizerConfig bounds the headers accepted by the relay ingress.
type HeaderSanitizerConfig struct {
	MaxHeaders     int
	MaxHeaderValue int
}

// HeaderSanitizer strips hop-by-hop headers and enforces count/size limits
// before a request is buffered or forwarded.
type HeaderSanitizer struct {
	cfg HeaderSanitizerConfig
}

func NewHeaderSanitizer(cfg HeaderSanitizerConfig) *HeaderSanitizer {
	return &HeaderSanitizer{cfg: cfg}
}

// Sanitize returns a flattened, lower-cased header map with hop-by-hop and
// proxy-* entries removed, or ErrHeaderRejected if the remaining set
// violates the count or value-length limits.
func (s *HeaderSanitizer) Sanitize(h http.Header) (map[string]string, error) {
	out := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if hopByHop[lower] || strings.HasPrefix(lower, "proxy-") {
			continue
		}
		if !validHeaderName(lower) {
			return nil, ErrHeaderRejected
		}
		value := strings.Join(values, ", ")
		if s.cfg.MaxHeaderValue > 0 && len(value) > s.cfg.MaxHeaderValue {
			return nil, ErrHeaderRejected
		}
		out[lower] = value
	}
	if s.cfg.MaxHeaders > 0 && len(out) > s.cfg.MaxHeaders {
		return nil, ErrHeaderRejected
	}
	return out, nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
