package convsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies engine failures.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindValidation         Kind = "validation"
	KindUpload             Kind = "upload"
	KindAuth               Kind = "auth"
	KindStreamDisconnected Kind = "stream_disconnected"
	KindTimeout            Kind = "timeout"
)

// Sentinels for errors.Is. A timeout also matches ErrNetwork.
var (
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUpload             = &Error{Kind: KindUpload}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrStreamDisconnected = &Error{Kind: KindStreamDisconnected}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

var errInvalidPayload = errors.New("invalid payload")

// Error is the typed failure surfaced to callers.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so sentinels compare by classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindTimeout && t.Kind == KindNetwork
}

// KindOf returns the classification of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classifyStatus maps an HTTP status onto a Kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindNetwork
	case status >= 400:
		return KindValidation
	}
	return ""
}

// wrapTransport turns a transport or context failure into an *Error.
func wrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}
