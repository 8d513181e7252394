package driven

import (
	"context"
	"fmt"
	"net/http"
)

// Request is an outbound HTTP request handed to the Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what the Transport returns for any completed round-trip,
// including non-2xx statuses.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FromCache is true when the body was served or revalidated from the
	// transport's conditional-request cache.
	FromCache bool
}

// Transport defines the driven port for sending HTTP requests. Implementations
// return *TransportError when no response was received; HTTP error statuses
// are not errors at this layer.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// TransportError wraps a network-level failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
