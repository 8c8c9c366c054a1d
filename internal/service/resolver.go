package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"go.uber.org/zap"
)

// KeyKind tags which identifier a LookupKey carries.
type KeyKind int

const (
	KeyInternalID KeyKind = iota
	KeyAppointmentID
	KeyCalendarSlotID
	KeyChannel
)

func (k KeyKind) String() string {
	switch k {
	case KeyInternalID:
		return "id"
	case KeyAppointmentID:
		return "appointment_id"
	case KeyCalendarSlotID:
		return "calendar_slot_id"
	case KeyChannel:
		return "channel"
	}
	return fmt.Sprintf("KeyKind(%d)", int(k))
}

// LookupKey is one of the four ways to address a session.
type LookupKey struct {
	Kind  KeyKind
	Value string
}

func ByID(id string) LookupKey { return LookupKey{KeyInternalID, id} }
func ByAppointmentID(id string) LookupKey { return LookupKey{KeyAppointmentID, id} }
func ByCalendarSlotID(id string) LookupKey { return LookupKey{KeyCalendarSlotID, id} }
func ByChannel(channel string) LookupKey { return LookupKey{KeyChannel, channel} }

// Resolver finds the canonical session for a key, backfills it and builds
// the API view.
type Resolver struct {
	store    SessionStore
	backfill *Backfiller
	skew     time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewResolver creates a resolver. skew is how long before expiry a stored
// token stops being exposed.
func NewResolver(store SessionStore, backfill *Backfiller, skew time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{store: store, backfill: backfill, skew: skew, now: time.Now, log: log}
}

// Resolve returns Success=false for a missing session; the error is only
// set for storage failures.
func (r *Resolver) Resolve(ctx context.Context, key LookupKey) (model.Resolution, error) {
	ent, err := r.lookup(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrSessionNotFound) {
			return model.Resolution{Success: false, Message: "session not found"}, nil
		}
		return model.Resolution{}, err
	}
	return model.Resolution{Success: true, Data: newSessionView(ent, r.now(), r.skew)}, nil
}

// lookup fetches and backfills the entity; a missing record is
// errs.ErrSessionNotFound.
func (r *Resolver) lookup(ctx context.Context, key LookupKey) (*model.SessionReservation, error) {
	if key.Value == "" {
		return nil, errs.ErrSessionNotFound
	}
	var (
		ent *model.SessionReservation
		err error
	)
	switch key.Kind {
	case KeyInternalID, KeyAppointmentID, KeyCalendarSlotID:
		ent, err = r.store.FindByAnyID(ctx, key.Value)
	case KeyChannel:
		ent, err = r.store.FindByChannel(ctx, key.Value)
	default:
		return nil, fmt.Errorf("resolve: unknown key kind %v", key.Kind)
	}
	if err != nil {
		return nil, err
	}
	r.log.Debug("session resolved", zap.String("key", key.Kind.String()), zap.String("session_id", ent.ID))
	return r.backfill.Backfill(ctx, ent), nil
}

// newSessionView builds the API view. Credentials of terminal or closed
// sessions and tokens about to expire are not exposed.
func newSessionView(ent *model.SessionReservation, now time.Time, skew time.Duration) *model.Session {
	v := &model.Session{
		ID:             ent.ID,
		AppointmentID:  ent.AppointmentID,
		Channel:        ent.ChannelName(),
		Status:         model.SessionStatus(ent.Status),
		PatientID:      ent.PatientID,
		PsychologistID: ent.PsychologistID,
		ScheduledAt:    ent.ScheduledAt,
		RoomClosed:     ent.RoomClosedAt != nil,

		PatientJoinedAt:      ent.PatientJoinedAt,
		PsychologistJoinedAt: ent.PsychologistJoinedAt,
	}
	if ent.CalendarSlotID != nil {
		v.CalendarSlotID = *ent.CalendarSlotID
	}
	if a := ent.Appointment; a != nil && a.ID != "" {
		v.AppointmentDate = a.Date.Format(model.DateLayout)
		v.AppointmentTime = a.Time
		v.AppointmentStatus = model.SessionStatus(a.Status)
	}
	v.Joinable = !isTerminal(ent) && ent.RoomClosedAt == nil
	if !v.Joinable {
		return v
	}
	if c := ent.Credential(model.RolePatient); c.Complete() && usable(c, now, skew) {
		v.PatientToken, v.PatientUID = c.Token, c.UID
	}
	if c := ent.Credential(model.RolePsychologist); c.Complete() && usable(c, now, skew) {
		v.PsychologistToken, v.PsychologistUID = c.Token, c.UID
	}
	return v
}

// usable reports whether a complete credential is still valid at now+skew.
// Credentials without an expiry are treated as valid.
func usable(c model.Credential, now time.Time, skew time.Duration) bool {
	return c.ExpiresAt == nil || now.Add(skew).Before(*c.ExpiresAt)
}

// isTerminal checks both the mirrored status and the linked appointment.
func isTerminal(ent *model.SessionReservation) bool {
	return terminalStatus(ent) != ""
}

func terminalStatus(ent *model.SessionReservation) model.SessionStatus {
	if a := ent.Appointment; a != nil && model.SessionStatus(a.Status).Terminal() {
		return model.SessionStatus(a.Status)
	}
	if st := model.SessionStatus(ent.Status); st.Terminal() {
		return st
	}
	return ""
}

// terminalError classifies a concluded or cancelled session, or returns nil.
func terminalError(ent *model.SessionReservation) error {
	switch terminalStatus(ent) {
	case model.StatusConcluded:
		return errs.New(errs.ErrSessionTerminal, errs.CodeSessionConcluded, "session already concluded")
	case model.StatusCancelled:
		return errs.New(errs.ErrSessionTerminal, errs.CodeSessionCancelled, "session was cancelled")
	}
	return nil
}

// admission returns the classified error that forbids using the room, or nil.
func admission(ent *model.SessionReservation) error {
	if err := terminalError(ent); err != nil {
		return err
	}
	if ent.RoomClosedAt != nil {
		return errs.New(errs.ErrPermissionDenied, errs.CodeRoomClosed, "room is closed")
	}
	return nil
}
