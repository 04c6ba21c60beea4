// Package fetcher retrieves single pages from paginated quote APIs: transport,
// JSONP unwrapping, pagination metadata and bounded retry.
package fetcher

import (
	"context"
	"time"
)

// Request is one upstream call. Params are already rendered as strings.
type Request struct {
	Method  string
	URL     string
	Params  map[string]string
	Headers map[string]string
	Timeout time.Duration
	Charset string
}

// Transport performs a single request and returns the decoded response body.
// Implementations return *resilience.TransportError for network failures,
// timeouts and non-2xx statuses.
type Transport interface {
	Fetch(ctx context.Context, req Request) (string, error)
}
