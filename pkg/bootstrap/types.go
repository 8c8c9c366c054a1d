// Package bootstrap runs the client side of joining a session room: resolve
// the session, obtain this role's RTC credentials, register the join and
// leave the room when the server tears the session down.
package bootstrap

import (
	"context"
	"errors"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
)

// Wire types shared with the server.
type (
	Role          = model.Role
	Session       = model.Session
	TokenResponse = model.TokenResponse
	JoinResponse  = model.JoinResponse
)

const (
	RolePatient      = model.RolePatient
	RolePsychologist = model.RolePsychologist
)

// Error kinds returned by SessionAPI implementations; match with errors.Is.
var (
	ErrNotFound         = errs.ErrSessionNotFound
	ErrPermissionDenied = errs.ErrPermissionDenied
	ErrSessionTerminal  = errs.ErrSessionTerminal
	ErrTransient        = errs.ErrTransient
)

var (
	ErrAlreadyStarted   = errors.New("bootstrap: machine already started")
	ErrRetryUnavailable = errors.New("bootstrap: retry is only offered after a transient failure")
)

// CodeOf returns the machine code carried by an API error (ROOM_CLOSED,
// SESSION_CANCELLED, ...), or "".
func CodeOf(err error) string { return errs.CodeOf(err) }

// SessionAPI is the server surface the machine talks to.
type SessionAPI interface {
	SessionByID(ctx context.Context, id string) (*Session, error)
	SessionByChannel(ctx context.Context, channel string) (*Session, error)
	TokenByChannel(ctx context.Context, channel string) (*TokenResponse, error)
	Join(ctx context.Context, sessionID string, role Role) (*JoinResponse, error)
}

// Subscriber delivers lifecycle events of one appointment until the
// returned cancel func is called. ctx bounds the subscription setup only.
type Subscriber interface {
	Subscribe(ctx context.Context, appointmentID string, fn func(events.Event)) (func(), error)
}

// ExitReason tells the navigator why the room is being left.
type ExitReason string

const (
	ExitPermissionDenied ExitReason = "permission-denied"
	ExitSessionTerminal  ExitReason = "session-terminal"
	ExitRoomClosed       ExitReason = "room-closed"
	ExitCancelled        ExitReason = "cancelled"
)

// Exit describes a navigation away from the room. Notice is empty for
// silent redirects.
type Exit struct {
	Reason ExitReason
	Notice string
	Err    error
}

// Navigator moves the user out of the room.
type Navigator interface {
	Leave(Exit)
}

// NavigatorFunc adapts a func to Navigator.
type NavigatorFunc func(Exit)

func (f NavigatorFunc) Leave(e Exit) { f(e) }
