package relay

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/hookrelay/internal/cryptutil"
)

// tokenRing is the per-token ring buffer: oldest-first order plus a lookup
// map, both guarded by the same lock so cap eviction and lookups never race.
type tokenRing struct {
	mu    sync.Mutex
	order []string
	items map[string]*BufferedRequest
}

// MemoryStore is a process-local Store, sharded by token so that eviction
// on one token never blocks activity on another.
type MemoryStore struct {
	cfg   StoreConfig
	enc   *cryptutil.StorageEncryption // nil disables at-rest encryption
	audit AuditSink

	mu     sync.RWMutex
	tokens map[string]*tokenRing
}

// NewMemoryStore builds a Store. enc may be nil to disable at-rest
// encryption of buffered bodies; audit may be nil to discard audit events.
func NewMemoryStore(cfg StoreConfig, enc *cryptutil.StorageEncryption, audit AuditSink) *MemoryStore {
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &MemoryStore{cfg: cfg, enc: enc, audit: audit, tokens: make(map[string]*tokenRing)}
}

func (s *MemoryStore) ringFor(token string) *tokenRing {
	s.mu.RLock()
	r, ok := s.tokens[token]
	s.mu.RUnlock()
	if ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.tokens[token]; ok {
		return r
	}
	r = &tokenRing{items: make(map[string]*BufferedRequest)}
	s.tokens[token] = r
	return r
}

func (s *MemoryStore) seal(body []byte) ([]byte, error) {
	if s.enc == nil || len(body) == 0 {
		return body, nil
	}
	return s.enc.Encrypt(body)
}

// open returns the decrypted body; on failure it returns an empty body rather
// than an error, matching the "treat as corrupt" contract.
func (s *MemoryStore) open(body []byte) []byte {
	if s.enc == nil || len(body) == 0 {
		return body
	}
	plain, err := s.enc.Decrypt(body)
	if err != nil {
		return nil
	}
	return plain
}

func (s *MemoryStore) Store(ctx context.Context, req *BufferedRequest) error {
	sealed, err := s.seal(req.Body)
	if err != nil {
		return err
	}
	stored := *req
	stored.Body = sealed

	r := s.ringFor(req.Token)
	r.mu.Lock()
	if s.cfg.MaxPerToken > 0 && len(r.order) >= s.cfg.MaxPerToken {
		oldestID := r.order[0]
		r.order = r.order[1:]
		if old, ok := r.items[oldestID]; ok {
			cryptutil.Zero(old.Body)
			delete(r.items, oldestID)
			s.audit.RecordAudit(AuditEvent{Action: "delete", Token: req.Token, Detail: "evicted at cap", At: time.Now()})
		}
	}
	r.order = append(r.order, stored.ID)
	r.items[stored.ID] = &stored
	r.mu.Unlock()

	s.audit.RecordAudit(AuditEvent{Action: "store", Token: req.Token, IP: clientIPFromHeaders(req.Headers), Detail: req.Method + " " + req.Path, At: time.Now()})
	return nil
}

func (s *MemoryStore) List(ctx context.Context, token string) ([]*BufferedRequest, error) {
	r := s.ringFor(token)
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*BufferedRequest, 0, len(r.order))
	for _, id := range r.order {
		item := r.items[id]
		cp := *item
		cp.Body = s.open(item.Body)
		out = append(out, &cp)
	}
	s.audit.RecordAudit(AuditEvent{Action: "view", Token: token, Detail: "list", At: time.Now()})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, token, id string) (*BufferedRequest, error) {
	r := s.ringFor(token)
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	cp.Body = s.open(item.Body)
	s.audit.RecordAudit(AuditEvent{Action: "view", Token: token, Detail: id, At: time.Now()})
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token, id string) error {
	r := s.ringFor(token)
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		for _, item := range r.items {
			cryptutil.Zero(item.Body)
		}
		r.items = make(map[string]*BufferedRequest)
		r.order = nil
		s.audit.RecordAudit(AuditEvent{Action: "delete", Token: token, Detail: "all", At: time.Now()})
		return nil
	}

	item, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	cryptutil.Zero(item.Body)
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	s.audit.RecordAudit(AuditEvent{Action: "delete", Token: token, Detail: id, At: time.Now()})
	return nil
}

func (s *MemoryStore) AttachResponse(ctx context.Context, token, id string, resp *BufferedResponse) error {
	r := s.ringFor(token)
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	sealedResp := *resp
	sealed, err := s.seal(resp.Body)
	if err != nil {
		return err
	}
	sealedResp.Body = sealed
	item.Response = &sealedResp
	return nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	if s.cfg.TTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.cfg.TTL)
	removed := 0

	s.mu.RLock()
	tokens := make([]string, 0, len(s.tokens))
	for tok := range s.tokens {
		tokens = append(tokens, tok)
	}
	s.mu.RUnlock()

	for _, tok := range tokens {
		r := s.ringFor(tok)
		r.mu.Lock()
		keep := r.order[:0]
		for _, id := range r.order {
			item := r.items[id]
			if item.ReceivedAt.Before(cutoff) {
				cryptutil.Zero(item.Body)
				delete(r.items, id)
				removed++
				s.audit.RecordAudit(AuditEvent{Action: "timeout", Token: tok, Detail: id, At: time.Now()})
				continue
			}
			keep = append(keep, id)
		}
		r.order = keep
		r.mu.Unlock()
	}
	return removed, nil
}

// clientIPFromHeaders is a best-effort hint for audit events; the ingress
// supplies the authoritative IP separately when it already has it.
func clientIPFromHeaders(headers map[string]string) string {
	if v, ok := headers["x-forwarded-for"]; ok {
		return v
	}
	return ""
}
