package mango

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
)

// ErrorKind classifies a failure from any Client/Database/Changes operation.
// Callers should use errors.As against *Error and switch on Kind rather than
// string-matching error text.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindPreconditionFailed
	KindUnsupportedQuery
	KindTransport
	KindServerError
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindUnsupportedQuery:
		return "unsupported_query"
	case KindTransport:
		return "transport"
	case KindServerError:
		return "server_error"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every package operation. It carries
// enough structure for a caller to decide whether to retry, reauthenticate,
// or surface the failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Op         string // operation that failed, e.g. "Find", "Changes", "Put"
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mango: %s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("mango: %s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsConflict() bool  { return e.Kind == KindConflict }
func (e *Error) IsNotFound() bool  { return e.Kind == KindNotFound }
func (e *Error) IsRetriable() bool { return e.Kind == KindTransport || e.Kind == KindServerError }

// IsUnauthorized reports a 401 specifically. A 403 Forbidden is deliberately
// excluded: re-authenticating cannot change an authorization decision, so
// Forbidden must never trigger the one-shot re-auth-and-retry.
func (e *Error) IsUnauthorized() bool { return e.Kind == KindUnauthorized }

// classify maps a raw error (typically from kivik) to an ErrorKind. It is
// the single place status-code-to-Kind mapping happens so every component
// (query, changes, write path) agrees on classification.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var mangoErr *Error
	if errors.As(err, &mangoErr) {
		return mangoErr
	}

	// kivik.HTTPStatus reports 500 for an error that carries no status at
	// all, so only ask it when the error actually has one; a status-less
	// error stays at 0 and classifies as Transport.
	status := 0
	var coder interface{ HTTPStatus() int }
	if errors.As(err, &coder) {
		status = kivik.HTTPStatus(err)
	}
	return &Error{Op: op, StatusCode: status, Kind: kindForStatus(status), Reason: err.Error(), Err: err}
}

// kindForStatus maps a raw HTTP status code (0 for no status, i.e. a
// transport-level failure) to an ErrorKind. Pulled out of classify as a
// pure function so the mapping itself is testable without needing an error
// kivik's own status-extraction machinery recognizes.
func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusPreconditionFailed:
		return KindPreconditionFailed
	default:
		if status >= 500 {
			return KindServerError
		}
		return KindTransport
	}
}

// unsupportedQueryError builds a local, non-retriable error for optimizer and
// translator rejections (e.g. mixed ascending/descending sort tiers) — these
// never reach the network, so they carry no status code.
func unsupportedQueryError(op, reason string) *Error {
	return &Error{Kind: KindUnsupportedQuery, Op: op, Reason: reason}
}

func decodeError(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Reason: err.Error(), Err: err}
}

// backoff computes the retry delay for attempt (0-indexed): exponential
// base doubling with ±25% jitter layered on top.
func backoff(attempt int, base time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	jitter := 0.75 + rand.Float64()*0.5 // 0.75x - 1.25x
	return time.Duration(float64(d) * jitter)
}

const defaultBackoffBase = 200 * time.Millisecond
