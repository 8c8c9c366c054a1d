package service

import (
	"context"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/internal/rtc"
)

// SessionStore — зависимость от абстракции хранилища (реализация: store.SessionStore).
type SessionStore interface {
	FindByAnyID(ctx context.Context, id string) (*model.SessionReservation, error)
	FindByChannel(ctx context.Context, channel string) (*model.SessionReservation, error)
	FindTodayByParticipants(ctx context.Context, psychologistID, patientID string, day time.Time) ([]model.SessionReservation, error)
	FillParticipant(ctx context.Context, id string, role model.Role, userID string) (bool, error)
	SetCredential(ctx context.Context, id string, role model.Role, cred model.Credential) error
	AssignChannel(ctx context.Context, id, channel string) (string, error)
	MarkJoined(ctx context.Context, id string, role model.Role, at time.Time) (bool, error)
	SetStatus(ctx context.Context, id string, status model.SessionStatus) error
	CloseRoom(ctx context.Context, id string, at time.Time) (bool, error)
	GetAppointment(ctx context.Context, id string) (*model.Appointment, error)
	GetCalendarSlot(ctx context.Context, id string) (*model.CalendarSlot, error)
	GetProfile(ctx context.Context, id string) (*model.UserProfile, error)
}

// TokenIssuer is the RTC token provider (реализация: rtc.Signer).
type TokenIssuer interface {
	IssueToken(ctx context.Context, channel string, role model.Role, uid uint32) (rtc.Issued, error)
}

// SessionServicer is what HTTP handlers depend on.
type SessionServicer interface {
	Resolve(ctx context.Context, key LookupKey) (model.Resolution, error)
	Complete(ctx context.Context, id string) (*model.SessionComplete, error)
	Today(ctx context.Context, psychologistID, patientID string, caller model.Caller) ([]*model.Session, error)
	Join(ctx context.Context, id string, caller model.Caller, role model.Role) (*model.JoinResponse, error)
	TokenByChannel(ctx context.Context, channel string, caller model.Caller) (*model.TokenResponse, error)
	EnsureTokens(ctx context.Context, id string) (*model.EnsureTokensResponse, error)
	RotateTokens(ctx context.Context, id string) (*model.EnsureTokensResponse, error)
	UpdateStatus(ctx context.Context, id, status, reason string) (*model.Session, error)
	CloseRoom(ctx context.Context, id, reason string) (*model.Session, error)
}
