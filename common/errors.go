package common

import (
	"context"
	"errors"
)

var (
	ErrServerAlreadyRunning = errors.New("server already running")

	// ErrConfiguration is fatal and only returned during startup
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport means the remote engine could not be reached
	ErrTransport = errors.New("transport error")

	// ErrTimeout means the call deadline was exceeded
	ErrTimeout = errors.New("deadline exceeded")

	// ErrProtocol means the remote engine answered with a malformed or unexpected response
	ErrProtocol = errors.New("protocol error")

	// ErrValidationFailure means the local engine did not accept a payload as VALID
	ErrValidationFailure = errors.New("payload validation failed")

	// ErrPayloadContextNotFound is the cache miss for an unknown payload id
	ErrPayloadContextNotFound = errors.New("unknown payload")

	// ErrPayloadContextStale is returned for payload ids older than the configured max age
	ErrPayloadContextStale = errors.New("stale payload")
)

// IsTimeout reports whether err is a deadline error, either classified or raw from a context
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCacheMiss reports whether err means the payload id cannot be served
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrPayloadContextNotFound) || errors.Is(err, ErrPayloadContextStale)
}

// ErrorKind returns a short label for the error class, used for metrics and logs
func ErrorKind(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "none"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrValidationFailure):
		return "validation"
	case IsCacheMiss(err):
		return "cache_miss"
	case errors.As(err, &rpcErr):
		return "rejected"
	default:
		return "unknown"
	}
}
