// Package errors defines the tagged error type shared by the Hue
// connectivity code and the HTTP handlers that translate it.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of connectivity failure. Handlers branch on the
// code, never on the message.
type Code string

const (
	CodeNotConnected         Code = "NOT_CONNECTED"
	CodeNoUsername           Code = "NO_USERNAME"
	CodeLocalNotConfigured   Code = "LOCAL_NOT_CONFIGURED"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTokenError           Code = "TOKEN_ERROR"
	CodeNoAccessToken        Code = "NO_ACCESS_TOKEN"
	CodeInvalidResponse      Code = "INVALID_RESPONSE"
	CodeNetworkError         Code = "NETWORK_ERROR"
	CodeAlreadyRefreshed     Code = "ALREADY_REFRESHED"
	CodeRemoteAuthFailed     Code = "REMOTE_AUTH_FAILED"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeLinkButtonNotPressed Code = "LINK_BUTTON_NOT_PRESSED"
	CodeBridgeError          Code = "BRIDGE_ERROR"
)

// Error is a connectivity failure carrying its code and whether the user
// must re-authenticate to recover.
type Error struct {
	Code      Code
	Message   string
	Reconnect bool
	// Status is the upstream HTTP status when one was observed, else 0.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, New(CodeX, ""))
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Reconnect returns an Error that requires the user to re-authenticate.
func Reconnect(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Reconnect: true}
}

// Wrap returns an Error with the given code whose message embeds err.
func Wrap(code Code, err error) *Error {
	e := &Error{Code: code, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	var inner *Error
	if errors.As(err, &inner) {
		e.Reconnect = inner.Reconnect
		e.Status = inner.Status
	}
	return e
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// NeedsReconnect reports whether err tells the caller to send the user
// through re-authentication.
func NeedsReconnect(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Reconnect
	}
	return false
}
