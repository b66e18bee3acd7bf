// Package transport supplies the network collaborator used by the resilience
// layer. The Transport interface is the injection point; the HTTP
// implementation maps response statuses and network failures into the apierr
// taxonomy so the retry manager and circuit breaker can classify them.
package transport

import (
	"context"
	"net/http"
	"net/url"
)

// Request describes one call to the remote service.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

// Response is a successfully completed call (2xx). Non-2xx statuses are
// surfaced as taxonomy errors, never as Responses.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport invokes requests against the remote service. Implementations must
// return errors classifiable by the apierr taxonomy.
type Transport interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}
