// Package rpc implements the dual-protocol (JSON-RPC / XML-RPC) transport
// layer, the lazy-connecting client facade and the URL hardening used when
// talking to the remote ERP.
package rpc

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a transport or client failure orthogonally to the wire
// protocol. The transport never retries; the client handles only the session
// case; everything else is the engine's business.
type Kind int

const (
	// KindConfigMissing - credentials incomplete or absent. Non-retryable.
	KindConfigMissing Kind = iota
	// KindTransport - DNS/TCP/TLS/read failure. Retryable at queue level.
	KindTransport
	// KindServer - HTTP 429 or 5xx. Retryable.
	KindServer
	// KindSession - HTTP 403 or session-expired body. Recovered in-band by
	// the client for idempotent methods, otherwise retryable.
	KindSession
	// KindProtocol - 2xx with an RPC-level fault. Non-retryable by default.
	KindProtocol
	// KindParse - 2xx with an undecodable body. Non-retryable.
	KindParse
	// KindNotAuthenticated - execute before authenticate. Non-retryable.
	KindNotAuthenticated
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindSession:
		return "session"
	case KindProtocol:
		return "protocol_fault"
	case KindParse:
		return "parse"
	case KindNotAuthenticated:
		return "not_authenticated"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by transports and the client.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpc %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rpc %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the engine should reschedule the job.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindServer, KindSession:
		return true
	default:
		return false
	}
}

func newError(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: msg, Err: cause}
}

// AsError extracts an *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// sessionTokenRe matches whole-token session markers in remote messages.
// Business-level "access denied" messages deliberately do not match.
var sessionTokenRe = regexp.MustCompile(`(?i)\b(session expired|session_expired|odoo session|http 403|403 forbidden)\b`)

// IsSessionError reports whether err represents an expired or invalid RPC
// session, either by status (403) or by message token.
func IsSessionError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := AsError(err); ok {
		if e.Kind == KindSession || e.StatusCode == 403 {
			return true
		}
		msg := strings.ToLower(e.Message)
		if strings.Contains(msg, "access denied") {
			return false
		}
		return sessionTokenRe.MatchString(e.Message)
	}
	return sessionTokenRe.MatchString(err.Error())
}
