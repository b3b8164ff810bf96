package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindThrottled    Kind = "throttled"
	KindRejected     Kind = "rejected"
	KindTransport    Kind = "transport"
)

// Retryable reports whether a failure of this kind may be re-queued.
func (k Kind) Retryable() bool {
	return k == KindThrottled || k == KindTransport
}

type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrThrottled    = &Error{Kind: KindThrottled}
	ErrRejected     = &Error{Kind: KindRejected}
	ErrTransport    = &Error{Kind: KindTransport}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(" ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrThrottled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf classifies err. Unrecognised errors are transport failures.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindTransport
}

func transportError(provider string, err error) *Error {
	msg := ""
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout"
	}
	return &Error{Kind: KindTransport, Provider: provider, Message: msg, Err: err}
}

// statusError maps a non-2xx HTTP response to a gateway error.
func statusError(provider string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	e := &Error{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindThrottled
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Kind = KindTransport
	default:
		e.Kind = KindRejected
	}
	return e
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
