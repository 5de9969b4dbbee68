package relay

import "errors"

var (
	ErrNotFound        = errors.New("relay: record not found")
	ErrInvalidToken    = errors.New("relay: malformed token")
	ErrTokenInUse      = errors.New("relay: token already has an active session")
	ErrSessionAbsent   = errors.New("relay: no active session for token")
	ErrBlocklisted     = errors.New("relay: source IP is blocklisted")
	ErrRateLimited     = errors.New("relay: rate limit exceeded")
	ErrPayloadTooLarge = errors.New("relay: payload exceeds configured maximum")
	ErrHeaderRejected  = errors.New("relay: header violates sanitizer policy")
	ErrTooManyConns    = errors.New("relay: connection cap exceeded")
)
