package bridge

import "errors"

var (
	// ErrInvalidRoutingKey is returned by Open for keys that map to no subscribable topic.
	ErrInvalidRoutingKey = errors.New("bridge: invalid routing key")

	// ErrBreakerOpen is returned by Open while broker connects are suspended.
	ErrBreakerOpen = errors.New("bridge: broker unavailable, opens suspended")

	// ErrOpenFailed wraps broker connect and subscribe failures.
	ErrOpenFailed = errors.New("bridge: open failed")
)
