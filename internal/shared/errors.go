package shared

import "errors"

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamExists     = errors.New("stream already exists")
	ErrBufferFull       = errors.New("buffer full")
	ErrBufferClosed     = errors.New("buffer closed")
	ErrDeadlineExpired  = errors.New("message deadline expired")
	ErrRateLimited      = errors.New("rate limited")
	ErrDequeueTimeout   = errors.New("dequeue timed out")
	ErrTransportClosed  = errors.New("transport closed")
	ErrInvalidState     = errors.New("invalid transport state")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrNoServers        = errors.New("no candidate servers")
	ErrServerNotFound   = errors.New("server not found")
	ErrServerExists     = errors.New("server already registered")
	ErrDriverStopped    = errors.New("driver stopped")
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrNotBidirectional = errors.New("stream is not bidirectional")
)

// Admission errors are counted and swallowed by the caller; everything the
// stream surface returns to the host should be checked with errors.Is.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrDeadlineExpired) ||
		errors.Is(err, ErrRateLimited)
}
