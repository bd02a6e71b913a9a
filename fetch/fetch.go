package fetch

import "errors"

var (
	ErrCancelled = errors.New("fetch cancelled")
)

// Consumer removes and returns exactly n prefix bytes from the fetcher's
// internal buffer, or nil when fewer than n are buffered. n == -1 takes
// everything currently buffered. The fetcher's lock is held for the
// duration of the callback that received the consumer, so consumption is
// atomic with respect to new arrivals.
type Consumer func(n int) []byte

// Callback is invoked on each data arrival with a consumer and the
// absolute offset of the first buffered byte.
type Callback func(consume Consumer, offset int64)

// Fetcher is the shared pull contract of the streaming and file
// providers.
type Fetcher interface {
	// Register adds a callback. Callbacks registered after data has
	// arrived are invoked immediately with what is buffered.
	Register(cb Callback)
	// Start begins the transfer. It may be called once.
	Start()
	// Cancel aborts the transfer. Best effort: a callback already in
	// flight may still observe one more delivery.
	Cancel()
	// SetOnError installs the error callback.
	SetOnError(fn func(error))
}
