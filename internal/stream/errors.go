package stream

import "errors"

var (
	// ErrBackoffExhausted is returned by Run when every entry of the
	// backoff table has been spent on failed reconnect attempts.
	ErrBackoffExhausted = errors.New("stream: reconnect attempts exhausted")
)
