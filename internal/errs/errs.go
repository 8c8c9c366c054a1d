package errs

import (
	"errors"
	"fmt"
)

// Доменные сентинель-ошибки для маппинга в HTTP коды в handlers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrSessionTerminal     = errors.New("session is terminal")
	ErrTransient           = errors.New("transient failure")
	ErrCorruption          = errors.New("partial credential state")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidStatus       = errors.New("invalid status")
)

// Machine-readable codes returned in error bodies.
const (
	CodeNotFound            = "SESSION_NOT_FOUND"
	CodeNotParticipant      = "NOT_A_PARTICIPANT"
	CodeRoomClosed          = "ROOM_CLOSED"
	CodeSessionConcluded    = "SESSION_CONCLUDED"
	CodeSessionCancelled    = "SESSION_CANCELLED"
	CodeProviderUnavailable = "TOKEN_PROVIDER_UNAVAILABLE"
	CodeMissingParticipant  = "MISSING_PARTICIPANT"
)

// Error is a classified failure. Kind is one of the sentinels above and is
// what errors.Is matches against.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err under kind.
func Wrap(kind error, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Terminal reports whether err must not be retried by a client.
func Terminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSessionTerminal)
}

// CodeOf returns the machine code of a classified error, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
