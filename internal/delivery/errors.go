package delivery

import "errors"

var (
	errInvalidMaxAttempts = errors.New("delivery: max attempts must be in [1, 100]")
	errInvalidInterval    = errors.New("delivery: retry interval must be in [1s, 604800s]")

	ErrSubscriptionNotFound = errors.New("delivery: subscription not found")
	ErrEventNotFound        = errors.New("delivery: event not found")
	ErrAttemptNotFound      = errors.New("delivery: attempt not found")
	ErrNoAttemptToClaim     = errors.New("delivery: no pickable attempt")
	ErrUnknownAuthProvider  = errors.New("delivery: unknown auth provider kind")
	ErrCredentialStoreDown  = errors.New("delivery: credential store unavailable")

	errEventLookupUnsupported = errors.New("delivery: event lookup unsupported by this queue implementation")
)
