package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidToken(t *testing.T) {
	assert.True(t, ValidToken("abcdefghij0123456789"))
	assert.False(t, ValidToken("tooshort"))
	assert.False(t, ValidToken("has a space aaaaaaaaa"))
	assert.False(t, ValidToken(""))
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	store := NewMemoryStore(DefaultStoreConfig(), nil, nil)
	hub := NewHub(HubConfig{
		Store:    store,
		Conns:    NewConnAccounting(ConnConfig{PerIPCap: 10, GlobalCap: 10}),
		Timeouts: TimeoutConfig{Handshake: time.Second, Session: time.Minute, Idle: 5 * time.Second},
		BaseURL:  "https://relay.test",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, "127.0.0.1")
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_StartRegistersSessionAndRepliesStarted(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	frame, err := encode(TypeStart, StartData{Token: "abcdefghij0123456789"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msgType, _, _, err := parseServerFrameForTest(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeStarted, msgType)

	assert.Eventually(t, func() bool { return hub.ActiveSession("abcdefghij0123456789") }, time.Second, 10*time.Millisecond)
}

func TestHub_RejectsMalformedToken(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dial(t, srv)

	frame, err := encode(TypeStart, StartData{Token: "short"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msgType, _, _, err := parseServerFrameForTest(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msgType)
}

func TestHub_ForwardDeliversRequestAndAwaitsResponse(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)

	token := "abcdefghij0123456789"
	frame, _ := encode(TypeStart, StartData{Token: token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	_, _, err := conn.ReadMessage() // Started
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return hub.ActiveSession(token) }, time.Second, 10*time.Millisecond)

	req := &BufferedRequest{ID: "req1", Token: token, Method: "GET", Path: "/x", Body: []byte("hi")}
	resultCh := make(chan *BufferedResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := hub.Forward(ctx, req)
		resultCh <- resp
		errCh <- err
	}()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msgType, reqData, _, err := parseServerRequestForTest(raw)
	require.NoError(t, err)
	require.Equal(t, TypeRequest, msgType)
	require.Equal(t, "req1", reqData.ID)

	replyFrame, err := encode(TypeResponse, ResponseData{
		ID: reqData.ID, Status: 201, Headers: map[string]string{"x": "y"},
		BodyB64: base64.StdEncoding.EncodeToString([]byte("done")),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, replyFrame))

	resp := <-resultCh
	require.NoError(t, <-errCh)
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "done", string(resp.Body))
}

// parseServerFrameForTest and parseServerRequestForTest decode server->client
// frames using the same envelope the client side uses for its own messages,
// since the wire format is symmetric JSON with a type+data shape.
func parseServerFrameForTest(raw []byte) (string, *ErrorData, *StartedData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, nil, err
	}
	switch env.Type {
	case TypeError:
		var d ErrorData
		_ = json.Unmarshal(env.Data, &d)
		return env.Type, &d, nil, nil
	case TypeStarted:
		var d StartedData
		_ = json.Unmarshal(env.Data, &d)
		return env.Type, nil, &d, nil
	default:
		return env.Type, nil, nil, nil
	}
}

func parseServerRequestForTest(raw []byte) (string, *RequestData, *ErrorData, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, nil, err
	}
	if env.Type != TypeRequest {
		return env.Type, nil, nil, nil
	}
	var d RequestData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return "", nil, nil, err
	}
	return env.Type, &d, nil, nil
}
