// Package relay implements the developer tunnel: a short-lived WebSocket
// session binds a public ingress token to a single outbound channel, and
// inbound HTTP requests on that token are either forwarded live or buffered
// for later viewing.
package relay

import (
	"sync/atomic"
	"time"
)

// Session describes one active token → channel binding.
//
// Invariant: at most one active session per token; Start on an in-use token
// is rejected rather than displacing the existing holder.
type Session struct {
	ID           string
	Token        string
	ClientIP     string
	ConnectedAt  time.Time
	LastActivity time.Time
	RequestsSent atomic.Int64
	RepliesRecvd atomic.Int64
}

// BufferedRequest is one inbound HTTP request captured by the ingress,
// whether or not a session was attached to forward it live.
type BufferedRequest struct {
	ID          string
	Token       string
	Method      string
	Path        string
	Query       string
	Headers     map[string]string
	Body        []byte
	Size        int
	ContentType string
	ReceivedAt  time.Time
	Forwarded   bool
	Response    *BufferedResponse
}

// BufferedResponse is the client's answer to a BufferedRequest, attached
// once the CLI replies over the session.
type BufferedResponse struct {
	Status     int
	Headers    map[string]string
	Body       []byte
	ElapsedMS  int64
	ReceivedAt time.Time
}

// AuditEvent is a structured record of a store/view/forward/delete/timeout
// action against the buffered store, independent of application logging.
type AuditEvent struct {
	Action string // "store" | "view" | "forward" | "delete" | "timeout"
	Token  string
	IP     string
	Detail string
	At     time.Time
}

// AuditSink receives AuditEvents. Implementations must not block the
// caller for long; a slow sink should buffer or drop internally.
type AuditSink interface {
	RecordAudit(ev AuditEvent)
}

// NopAuditSink discards every event. Used when no audit destination is
// configured.
type NopAuditSink struct{}

func (NopAuditSink) RecordAudit(AuditEvent) {}
