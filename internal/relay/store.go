package relay

import (
	"context"
	"time"
)

// StoreConfig bounds the token-scoped ring of buffered requests.
type StoreConfig struct {
	MaxPerToken int           // cap C; oldest evicted first past this count
	TTL         time.Duration // T; records older than this are reaped
}

// DefaultStoreConfig provides conservative in-memory defaults for relay
// traffic.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxPerToken: 100,
		TTL:         30 * time.Minute,
	}
}

// Store is the token-scoped buffered-request ring described by the relay
// ingress and session components. Implementations must zeroize the body of
// any record they evict, whether by cap, TTL, or explicit delete.
type Store interface {
	Store(ctx context.Context, req *BufferedRequest) error
	List(ctx context.Context, token string) ([]*BufferedRequest, error)
	Get(ctx context.Context, token, id string) (*BufferedRequest, error)
	// Delete removes one record (id != "") or every record for a token
	// (id == "").
	Delete(ctx context.Context, token, id string) error
	AttachResponse(ctx context.Context, token, id string, resp *BufferedResponse) error
	CleanupExpired(ctx context.Context) (int, error)
}
