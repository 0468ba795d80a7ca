package redenergy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// AuthKind identifies which part of authentication failed.
type AuthKind string

const (
	AuthKindInvalidConfig    AuthKind = "invalid_config"
	AuthKindPreAuth          AuthKind = "preauth_rejected"
	AuthKindDiscovery        AuthKind = "discovery_failed"
	AuthKindAuthorization    AuthKind = "authorization_failed"
	AuthKindTokenExchange    AuthKind = "token_exchange_failed"
	AuthKindNotAuthenticated AuthKind = "not_authenticated"
	AuthKindExpired          AuthKind = "token_expired"
	AuthKindUnknown          AuthKind = "unknown"
)

// AuthError is returned for every authentication failure. Code and Summary
// carry the upstream error identifiers when there were any.
type AuthError struct {
	Kind    AuthKind
	Message string
	Code    string
	Summary string
	Err     error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("authentication failed (")
	b.WriteString(string(e.Kind))
	b.WriteString("): ")
	b.WriteString(e.Message)
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Summary != "" {
		b.WriteString(": " + e.Summary)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthKind reports whether err is an AuthError of the given kind.
func IsAuthKind(err error, kind AuthKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

func authError(kind AuthKind, msg string, err error) *AuthError {
	return &AuthError{Kind: kind, Message: msg, Err: err}
}

// asAuthError passes AuthErrors through and wraps anything else as unknown.
func asAuthError(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	return authError(AuthKindUnknown, "unexpected error", err)
}

// APIError is a non-2xx response from a data fetch.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

var (
	// ErrTimeout matches TransportErrors caused by the request deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrTransport matches every other TransportError.
	ErrTransport = errors.New("transport error")
)

// TransportError is a request that never produced an HTTP response.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Timeout
	case ErrTransport:
		return !e.Timeout
	}
	return false
}

func transportError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var ne net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
	return &TransportError{Op: op, Timeout: timeout, Err: err}
}
