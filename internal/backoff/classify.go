// Package backoff classifies upstream failures and retries transient ones
// with exponential delay.
package backoff

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class is the normalized failure taxonomy for upstream calls.
type Class string

const (
	ClassRateLimit  Class = "rate_limit"
	ClassConnection Class = "connection"
	ClassServer     Class = "server_error"
	ClassProvider   Class = "provider_error"
	ClassMalformed  Class = "malformed_response"
	ClassCanceled   Class = "canceled"
	ClassUnexpected Class = "unexpected"
)

// Retryable reports whether a failure of this class may succeed on a later
// attempt.
func (c Class) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassConnection, ClassServer:
		return true
	default:
		return false
	}
}

// describe returns the human-readable prefix used in retry notices.
func (c Class) describe() string {
	switch c {
	case ClassRateLimit:
		return "provider rate limit reached"
	case ClassConnection:
		return "connection to provider failed"
	case ClassServer:
		return "provider server error"
	case ClassProvider:
		return "provider rejected the request"
	case ClassMalformed:
		return "provider returned a malformed response"
	case ClassCanceled:
		return "turn canceled"
	default:
		return "unexpected failure"
	}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type connectionFailure interface {
	Connection() bool
}

type malformedResponse interface {
	MalformedResponse() bool
}

// Classify maps an upstream failure to its Class. Errors are matched
// structurally so adapters need not import this package. Only
// context.Canceled is terminal on its own; an expired deadline inside a
// call, such as a response header timeout, is a connection failure. Callers
// that own the context check ctx.Err() themselves.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		switch status := statusErr.HTTPStatusCode(); {
		case status == http.StatusTooManyRequests:
			return ClassRateLimit
		case status >= 500:
			return ClassServer
		default:
			return ClassProvider
		}
	}

	var malformed malformedResponse
	if errors.As(err, &malformed) && malformed.MalformedResponse() {
		return ClassMalformed
	}

	var conn connectionFailure
	if errors.As(err, &conn) && conn.Connection() {
		return ClassConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnection
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassConnection
	}
	return ClassUnexpected
}
