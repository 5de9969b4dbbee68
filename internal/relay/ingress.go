package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IngressConfig bounds the request sizes accepted by the public ingress.
type IngressConfig struct {
	MaxPayloadSize int64
	ForwardTimeout time.Duration
}

func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		MaxPayloadSize: 10 << 20,
		ForwardTimeout: 30 * time.Second,
	}
}

// Ingress is the public-facing handler for `/in/<token>/<*path>`. It
// implements the fixed processing order: blocklist, token format,
// rate limits, body size, header sanitation, then store-and-maybe-forward.
type Ingress struct {
	cfg       IngressConfig
	hub       *Hub
	store     Store
	limiters  *Limiters
	blocklist *Blocklist
	sanitizer *HeaderSanitizer
	baseURL   string
}

type IngressDeps struct {
	Config    IngressConfig
	Hub       *Hub
	Store     Store
	Limiters  *Limiters
	Blocklist *Blocklist
	Sanitizer *HeaderSanitizer
	BaseURL   string
}

func NewIngress(d IngressDeps) *Ingress {
	return &Ingress{
		cfg: d.Config, hub: d.Hub, store: d.Store, limiters: d.Limiters,
		blocklist: d.Blocklist, sanitizer: d.Sanitizer, baseURL: d.BaseURL,
	}
}

// ServeHTTP handles one inbound request for a relay token. token and path
// are the path parameters a router (e.g. gin) should extract from
// `/in/:token/*path` before calling this method.
func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request, token, path string) {
	ip := clientIP(r)

	// 1. Invalid-token blocklist.
	if ing.blocklist != nil && ing.blocklist.IsBlocked(ip) {
		writeRejection(w, http.StatusTooManyRequests, "blocklisted", "source is temporarily blocked", 0)
		return
	}

	// 2. Token format.
	if !ValidToken(token) {
		if ing.blocklist != nil {
			ing.blocklist.RecordInvalid(ip)
		}
		writeRejection(w, http.StatusNotFound, "invalid_token", "no such relay token", 0)
		return
	}

	// 3. Rate limiters: per-IP, per-token, global.
	if ing.limiters != nil {
		if ok, retryAfter := ing.limiters.CheckAll(ip, token); !ok {
			writeRejection(w, http.StatusTooManyRequests, "rate_limited", "too many requests", retryAfter)
			return
		}
	}

	// 4. Body size.
	body, err := readLimited(r.Body, ing.cfg.MaxPayloadSize)
	if err != nil {
		writeRejection(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds the configured maximum", 0)
		return
	}

	// 5. Header sanitation.
	var headers map[string]string
	if ing.sanitizer != nil {
		headers, err = ing.sanitizer.Sanitize(r.Header)
		if err != nil {
			writeRejection(w, http.StatusBadRequest, "invalid_headers", "request headers violate policy", 0)
			return
		}
	}

	req := &BufferedRequest{
		ID:          uuid.NewString(),
		Token:       token,
		Method:      r.Method,
		Path:        path,
		Query:       r.URL.RawQuery,
		Headers:     headers,
		Body:        body,
		Size:        len(body),
		ContentType: r.Header.Get("Content-Type"),
		ReceivedAt:  time.Now(),
	}

	if err := ing.store.Store(r.Context(), req); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	if ing.hub != nil && ing.hub.ActiveSession(token) {
		ctx, cancel := context.WithTimeout(r.Context(), ing.cfg.ForwardTimeout)
		defer cancel()

		resp, err := ing.hub.Forward(ctx, req)
		if err == nil {
			req.Forwarded = true
			_ = ing.store.AttachResponse(r.Context(), token, req.ID, resp)
			writeForwarded(w, req.ID)
			return
		}
		// Forward failed closed; fall through to the stored response.
	}

	writeStored(w, req.ID, ing.baseURL+"/view/"+token+"/"+req.ID)
}

func clientIP(r *http.Request) string {
	if h := r.Header.Get("X-Forwarded-For"); h != "" {
		return h
	}
	return r.RemoteAddr
}

func readLimited(body io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(body, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}

func writeRejection(w http.ResponseWriter, status int, errCode, message string, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{"error": errCode, "message": message}
	if retryAfter > 0 {
		payload["retry_after"] = int(retryAfter.Seconds())
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeStored(w http.ResponseWriter, id, viewURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "stored", "view_url": viewURL})
}

func writeForwarded(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": "forwarded"})
}
