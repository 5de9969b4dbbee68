package relay

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame_Start(t *testing.T) {
	raw := []byte(`{"type":"start","data":{"token":"abcdefghij0123456789"}}`)
	msgType, start, resp, err := ParseClientFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeStart, msgType)
	assert.Nil(t, resp)
	require.NotNil(t, start)
	assert.Equal(t, "abcdefghij0123456789", start.Token)
}

func TestParseClientFrame_Response(t *testing.T) {
	raw := []byte(`{"type":"response","data":{"id":"r1","status":200,"headers":{"x":"y"},"body":"aGVsbG8="}}`)
	msgType, _, resp, err := ParseClientFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, msgType)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)

	body, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestParseClientFrame_Ping(t *testing.T) {
	msgType, start, resp, err := ParseClientFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msgType)
	assert.Nil(t, start)
	assert.Nil(t, resp)
}

func TestParseClientFrame_UnknownType(t *testing.T) {
	_, _, _, err := ParseClientFrame([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)
}

func TestParseClientFrame_Malformed(t *testing.T) {
	_, _, _, err := ParseClientFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeStarted_RoundTrips(t *testing.T) {
	raw, err := EncodeStarted(StartedData{WebhookURL: "https://x/in/t", ViewURL: "https://x/view/t", SessionID: "s1"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"started"`)
	assert.Contains(t, string(raw), "session_id")
}

func TestEncodeError(t *testing.T) {
	raw, err := EncodeError(ErrCodeTokenInUse, "already open")
	require.NoError(t, err)
	assert.Contains(t, string(raw), ErrCodeTokenInUse)
}
