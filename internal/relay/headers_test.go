package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderSanitizer_StripsHopByHopAndProxy(t *testing.T) {
	s := NewHeaderSanitizer(HeaderSanitizerConfig{MaxHeaders: 10, MaxHeaderValue: 100})
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Proxy-Authorization", "secret")
	h.Set("X-Custom", "value")

	out, err := s.Sanitize(h)
	require.NoError(t, err)
	assert.NotContains(t, out, "connection")
	assert.NotContains(t, out, "proxy-authorization")
	assert.Equal(t, "value", out["x-custom"])
}

func TestHeaderSanitizer_RejectsTooManyHeaders(t *testing.T) {
	s := NewHeaderSanitizer(HeaderSanitizerConfig{MaxHeaders: 1, MaxHeaderValue: 1000})
	h := http.Header{}
	h.Set("A", "1")
	h.Set("B", "2")

	_, err := s.Sanitize(h)
	assert.ErrorIs(t, err, ErrHeaderRejected)
}

func TestHeaderSanitizer_RejectsOversizedValue(t *testing.T) {
	s := NewHeaderSanitizer(HeaderSanitizerConfig{MaxHeaders: 10, MaxHeaderValue: 5})
	h := http.Header{}
	h.Set("X-Big", strings.Repeat("a", 50))

	_, err := s.Sanitize(h)
	assert.ErrorIs(t, err, ErrHeaderRejected)
}
