package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbd888/hookrelay/internal/metrics"
	"github.com/mbd888/hookrelay/internal/traces"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)

// ValidToken reports whether token satisfies the relay's format rule:
// alphanumeric plus `_`/`-`, at least 16 characters.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// TimeoutConfig controls the three interacting relay session deadlines.
type TimeoutConfig struct {
	Handshake time.Duration // Start must arrive within this of connect
	Session   time.Duration // hard session lifetime
	Idle      time.Duration // closed if no frame received within this
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Handshake: 10 * time.Second,
		Session:   6 * time.Hour,
		Idle:      90 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pendingReply is a buffered request awaiting the client's Response frame.
type pendingReply struct {
	req  *BufferedRequest
	done chan *BufferedResponse
}

// client is one connected WebSocket carrying a single relay session.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *Session

	mu      sync.Mutex
	pending map[string]*pendingReply
}

// Hub owns the token → client mapping and the connection lifecycle for
// every relay session. There is exactly one Hub per process.
type Hub struct {
	store    Store
	conns    *ConnAccounting
	timeouts TimeoutConfig
	baseURL  string // public base used to build webhook_url/view_url
	audit    AuditSink
	logger   *slog.Logger

	sessions sync.Map // token -> *client
	done     chan struct{}
	closeOne sync.Once
}

// HubConfig bundles the Hub's dependencies.
type HubConfig struct {
	Store    Store
	Conns    *ConnAccounting
	Timeouts TimeoutConfig
	BaseURL  string
	Audit    AuditSink
	Logger   *slog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Audit == nil {
		cfg.Audit = NopAuditSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		store:    cfg.Store,
		conns:    cfg.Conns,
		timeouts: cfg.Timeouts,
		baseURL:  cfg.BaseURL,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Shutdown drops every active session. In-flight forwards fail closed and
// callers waiting on a reply fall back to the buffered "stored" response.
func (h *Hub) Shutdown() {
	h.closeOne.Do(func() {
		close(h.done)
		h.sessions.Range(func(key, value any) bool {
			c := value.(*client)
			close(c.send)
			return true
		})
	})
}

// ActiveSession reports whether token currently has a connected client.
func (h *Hub) ActiveSession(token string) bool {
	_, ok := h.sessions.Load(token)
	return ok
}

// Forward delivers a buffered request over the active session for its
// token and blocks until the client replies or the context is done. It
// returns ErrSessionAbsent if no session is attached.
func (h *Hub) Forward(ctx context.Context, req *BufferedRequest) (*BufferedResponse, error) {
	v, ok := h.sessions.Load(req.Token)
	if !ok {
		metrics.RelayForwardsTotal.WithLabelValues("no_session").Inc()
		return nil, ErrSessionAbsent
	}
	c := v.(*client)

	frame, err := EncodeRequest(RequestData{
		ID: req.ID, Method: req.Method, Path: req.Path, Query: req.Query,
		Headers: req.Headers, BodyB64: base64.StdEncoding.EncodeToString(req.Body),
	})
	if err != nil {
		return nil, err
	}

	reply := &pendingReply{req: req, done: make(chan *BufferedResponse, 1)}
	c.mu.Lock()
	c.pending[req.ID] = reply
	c.mu.Unlock()

	select {
	case c.send <- frame:
	default:
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		metrics.RelayForwardsTotal.WithLabelValues("send_buffer_full").Inc()
		return nil, ErrSessionAbsent
	}

	c.session.RequestsSent.Add(1)
	h.audit.RecordAudit(AuditEvent{Action: "forward", Token: req.Token, Detail: req.ID, At: time.Now()})

	select {
	case resp := <-reply.done:
		if resp == nil {
			metrics.RelayForwardsTotal.WithLabelValues("session_closed").Inc()
			return nil, ErrSessionAbsent
		}
		metrics.RelayForwardsTotal.WithLabelValues("replied").Inc()
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		metrics.RelayForwardsTotal.WithLabelValues("timeout").Inc()
		return nil, ctx.Err()
	}
}

// HandleWebSocket upgrades the connection and runs its session to
// completion, blocking until the client disconnects or a timeout fires.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, clientIP string) {
	select {
	case <-h.done:
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.conns != nil && !h.conns.CanAccept(clientIP) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.conns != nil {
			h.conns.Release(clientIP)
		}
		h.logger.Error("relay websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 64),
		pending: make(map[string]*pendingReply),
	}
	defer func() {
		if h.conns != nil {
			h.conns.Release(clientIP)
		}
	}()

	c.run(r.Context(), clientIP)
}

func (c *client) run(ctx context.Context, clientIP string) {
	h := c.hub
	defer func() { _ = c.conn.Close() }()

	if err := c.conn.SetReadDeadline(time.Now().Add(h.timeouts.Handshake)); err != nil {
		return
	}

	token, err := c.awaitStart(clientIP)
	if err != nil {
		return
	}

	_, span := traces.StartSpan(ctx, "relay.session", traces.RelayToken(token))
	defer span.End()

	c.session = &Session{
		ID: uuid.NewString(), Token: token, ClientIP: clientIP,
		ConnectedAt: time.Now(), LastActivity: time.Now(),
	}
	span.SetAttributes(traces.RelaySessionID(c.session.ID))
	h.sessions.Store(token, c)
	metrics.ActiveRelaySessions.Inc()
	defer func() {
		h.sessions.Delete(token)
		c.failPending()
		metrics.ActiveRelaySessions.Dec()
	}()

	started, err := EncodeStarted(StartedData{
		WebhookURL: h.baseURL + "/in/" + token,
		ViewURL:    h.baseURL + "/view/" + token,
		SessionID:  c.session.ID,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- started:
	default:
	}

	deadline := c.sessionDeadline()
	go c.writePump()
	c.readLoop(deadline)
}

// awaitStart reads exactly one frame within the handshake window and
// validates it as Start; on any rejection it replies with an Error frame
// and returns a non-nil error so the caller tears the connection down.
func (c *client) awaitStart(clientIP string) (string, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}

	msgType, start, _, err := ParseClientFrame(raw)
	if err != nil || msgType != TypeStart {
		frame, _ := EncodeError(ErrCodeBadFrame, "expected start frame")
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
		return "", fmt.Errorf("relay: handshake did not open with start")
	}

	if !ValidToken(start.Token) {
		frame, _ := EncodeError(ErrCodeInvalidToken, "token format is invalid")
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
		return "", ErrInvalidToken
	}

	if _, inUse := c.hub.sessions.Load(start.Token); inUse {
		frame, _ := EncodeError(ErrCodeTokenInUse, "token already has an active session")
		_ = c.conn.WriteMessage(websocket.TextMessage, frame)
		return "", ErrTokenInUse
	}

	return start.Token, nil
}

// sessionDeadline is the absolute session end, computed once at connect.
// readLoop sets each read deadline to the earlier of this and the idle
// window, so idle resets push it forward but never past the session end.
func (c *client) sessionDeadline() time.Time {
	return time.Now().Add(c.hub.timeouts.Session)
}

func (c *client) readLoop(hardDeadline time.Time) {
	h := c.hub
	for {
		remaining := time.Until(hardDeadline)
		if remaining <= 0 {
			return
		}
		next := h.timeouts.Idle
		if remaining < next {
			next = remaining
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(next)); err != nil {
			return
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.session.LastActivity = time.Now()

		msgType, _, respData, err := ParseClientFrame(raw)
		if err != nil {
			continue
		}
		switch msgType {
		case TypePing:
			pong, _ := EncodePong()
			select {
			case c.send <- pong:
			default:
			}
		case TypeResponse:
			c.handleResponse(respData)
		}
	}
}

func (c *client) handleResponse(d *ResponseData) {
	if d == nil || d.Status < 100 || d.Status > 599 {
		return
	}
	body, err := base64.StdEncoding.DecodeString(d.BodyB64)
	if err != nil {
		return
	}

	c.mu.Lock()
	reply, ok := c.pending[d.ID]
	if ok {
		delete(c.pending, d.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.session.RepliesRecvd.Add(1)
	reply.done <- &BufferedResponse{
		Status: d.Status, Headers: d.Headers, Body: body, ReceivedAt: time.Now(),
	}
}

func (c *client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.pending {
		reply.done <- nil
		delete(c.pending, id)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
