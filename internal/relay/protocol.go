package relay

import (
	"encoding/json"
	"fmt"
)

// Client→server and server→client frames are JSON objects with a "type"
// discriminator and a nested "data" payload (absent for Ping/Pong).

const (
	TypeStart    = "start"
	TypeResponse = "response"
	TypePing     = "ping"

	TypeStarted = "started"
	TypeRequest = "request"
	TypeError   = "error"
	TypePong    = "pong"
)

// envelope is the wire shape shared by every direction; Data is decoded
// a second time into the concrete payload once Type is known.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartData is sent by the client to claim a token.
type StartData struct {
	Token string `json:"token"`
}

// ResponseData answers a previously forwarded Request.
type ResponseData struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body"`
}

// StartedData confirms a successful Start.
type StartedData struct {
	WebhookURL string `json:"webhook_url"`
	ViewURL    string `json:"view_url"`
	SessionID  string `json:"session_id"`
}

// RequestData is a buffered inbound HTTP request forwarded to the client.
type RequestData struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body"`
}

// ErrorData reports a protocol-level rejection.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Known error codes for ErrorData.Code.
const (
	ErrCodeInvalidToken = "invalid_token"
	ErrCodeTokenInUse   = "token_in_use"
	ErrCodeBadFrame     = "bad_frame"
	ErrCodeBadResponse  = "bad_response"
)

// ParseClientFrame decodes a raw client text frame into its type tag and,
// for Start/Response, the decoded payload. Ping carries no data.
func ParseClientFrame(raw []byte) (msgType string, startData *StartData, responseData *ResponseData, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	switch env.Type {
	case TypeStart:
		var d StartData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, nil, fmt.Errorf("relay: malformed start data: %w", err)
		}
		return TypeStart, &d, nil, nil
	case TypeResponse:
		var d ResponseData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return "", nil, nil, fmt.Errorf("relay: malformed response data: %w", err)
		}
		return TypeResponse, nil, &d, nil
	case TypePing:
		return TypePing, nil, nil, nil
	default:
		return "", nil, nil, fmt.Errorf("relay: unknown frame type %q", env.Type)
	}
}

func encode(msgType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(envelope{Type: msgType, Data: raw})
}

// EncodeStarted serializes a Started server message.
func EncodeStarted(d StartedData) ([]byte, error) { return encode(TypeStarted, d) }

// EncodeRequest serializes a Request server message.
func EncodeRequest(d RequestData) ([]byte, error) { return encode(TypeRequest, d) }

// EncodeError serializes an Error server message.
func EncodeError(code, message string) ([]byte, error) {
	return encode(TypeError, ErrorData{Code: code, Message: message})
}

// EncodePong serializes a Pong server message.
func EncodePong() ([]byte, error) { return encode(TypePong, nil) }
