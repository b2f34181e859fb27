// Package fault defines the coded errors shared by the orchestrator components.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeCreditExhausted    Code = "CREDIT_EXHAUSTED"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeConversationClosed Code = "CONVERSATION_CLOSED"
	CodeGatewayUnavailable Code = "GATEWAY_UNAVAILABLE"
	CodeUnclassifiedField  Code = "UNCLASSIFIED_FIELD"
	CodeQuotaBelowConsumed Code = "QUOTA_BELOW_CONSUMED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInvalidCatalog     Code = "INVALID_CATALOG"
	CodeNotFound           Code = "NOT_FOUND"
)

// Error carries a Code so callers can branch with errors.Is against the
// sentinels below regardless of the message or wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrCreditExhausted    = &Error{Code: CodeCreditExhausted}
	ErrSessionNotFound    = &Error{Code: CodeSessionNotFound}
	ErrConversationClosed = &Error{Code: CodeConversationClosed}
	ErrGatewayUnavailable = &Error{Code: CodeGatewayUnavailable}
	ErrUnclassifiedField  = &Error{Code: CodeUnclassifiedField}
	ErrQuotaBelowConsumed = &Error{Code: CodeQuotaBelowConsumed}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrInvalidCatalog     = &Error{Code: CodeInvalidCatalog}
	ErrNotFound           = &Error{Code: CodeNotFound}
)

func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" when
// err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
