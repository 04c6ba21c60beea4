package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransportError is a network failure, timeout or non-2xx response from an
// upstream API. StatusCode is 0 when no response was received.
type TransportError struct {
	Err        error
	StatusCode int
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a transport failure with an optional HTTP status code.
func NewTransportError(err error, statusCode int) *TransportError {
	return &TransportError{Err: err, StatusCode: statusCode}
}

// DecodeError is a body that looked like JSONP or JSON but did not parse.
type DecodeError struct {
	Err     error
	Snippet string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %v (body starts %q)", e.Err, e.Snippet)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError wraps err and keeps at most 64 bytes of the offending body.
func NewDecodeError(err error, body string) *DecodeError {
	if len(body) > 64 {
		body = body[:64]
	}
	return &DecodeError{Err: err, Snippet: body}
}

// SchemaError is a record that cannot be mapped onto the canonical schema.
// It drops that record only.
type SchemaError struct {
	Index  int
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema: record %d: field %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: record %d: %s", e.Index, e.Reason)
}

// PersistenceError is a failed read or write of a daily or history file.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether a page fetch that failed with err should be
// attempted again. Transport and decode failures are retried; anything else
// (bad URL, cancelled context) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return true
	}
	return IsTransient(err)
}

// IsTransient returns true if the error matches common transient network
// patterns (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code means the upstream
// wants the client to slow down.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 429, // Too Many Requests
		503: // Service Unavailable
		return true
	default:
		return false
	}
}
