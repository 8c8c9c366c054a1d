package store

import (
	"context"
	"errors"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"gorm.io/gorm"
)

// SessionStore is the persistence layer for session reservations and the
// read-only records they link to (appointments, slots, profiles).
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a store on top of an open GORM connection.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

type roleColumns struct {
	participant string
	token       string
	uid         string
	expiresAt   string
	joinedAt    string
}

func columnsFor(role model.Role) roleColumns {
	if role == model.RolePsychologist {
		return roleColumns{"psychologist_id", "psychologist_token", "psychologist_uid", "psychologist_token_expires_at", "psychologist_joined_at"}
	}
	return roleColumns{"patient_id", "patient_token", "patient_uid", "patient_token_expires_at", "patient_joined_at"}
}

// FindByAnyID looks a reservation up by internal id, appointment id or
// calendar slot id in one query, with its appointment joined.
func (s *SessionStore) FindByAnyID(ctx context.Context, id string) (*model.SessionReservation, error) {
	var ent model.SessionReservation
	err := s.db.WithContext(ctx).
		Joins("Appointment").
		Where("session_reservations.id = ? OR session_reservations.appointment_id = ? OR session_reservations.calendar_slot_id = ?", id, id, id).
		First(&ent).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ent, nil
}

// FindByChannel looks a reservation up by its RTC channel.
func (s *SessionStore) FindByChannel(ctx context.Context, channel string) (*model.SessionReservation, error) {
	var ent model.SessionReservation
	err := s.db.WithContext(ctx).
		Joins("Appointment").
		Where("session_reservations.channel = ?", channel).
		First(&ent).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &ent, nil
}

// FindTodayByParticipants returns the reservations of a psychologist and
// patient pair whose appointment falls on the calendar day of day, ordered
// by appointment time. Participants match on the reservation or on its
// appointment, so records not yet backfilled are included.
func (s *SessionStore) FindTodayByParticipants(ctx context.Context, psychologistID, patientID string, day time.Time) ([]model.SessionReservation, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var out []model.SessionReservation
	err := s.db.WithContext(ctx).
		Joins("Appointment").
		Where(`(session_reservations.psychologist_id = ? OR "Appointment".psychologist_id = ?)`, psychologistID, psychologistID).
		Where(`(session_reservations.patient_id = ? OR "Appointment".patient_id = ?)`, patientID, patientID).
		Where(`"Appointment".date >= ? AND "Appointment".date < ?`, start, start.AddDate(0, 0, 1)).
		Order(`"Appointment".time`).
		Find(&out).Error
	return out, err
}

// FillParticipant writes userID for role only while the column is still
// empty. Returns false when another value was already there.
func (s *SessionStore) FillParticipant(ctx context.Context, id string, role model.Role, userID string) (bool, error) {
	col := columnsFor(role).participant
	res := s.db.WithContext(ctx).Model(&model.SessionReservation{}).
		Where("id = ? AND "+col+" = ''", id).
		Update(col, userID)
	return res.RowsAffected > 0, res.Error
}

// SetCredential persists token, uid and expiry of role in one statement.
func (s *SessionStore) SetCredential(ctx context.Context, id string, role model.Role, cred model.Credential) error {
	cols := columnsFor(role)
	res := s.db.WithContext(ctx).Model(&model.SessionReservation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			cols.token:     cred.Token,
			cols.uid:       int64(cred.UID),
			cols.expiresAt: cred.ExpiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrSessionNotFound
	}
	return nil
}

func revokedCredentials() map[string]interface{} {
	return map[string]interface{}{
		"patient_token":                 "",
		"patient_uid":                   0,
		"patient_token_expires_at":      nil,
		"psychologist_token":            "",
		"psychologist_uid":              0,
		"psychologist_token_expires_at": nil,
	}
}

// AssignChannel sets the channel if none is assigned yet and returns the
// channel the record ends up with.
func (s *SessionStore) AssignChannel(ctx context.Context, id, channel string) (string, error) {
	db := s.db.WithContext(ctx)
	err := db.Model(&model.SessionReservation{}).
		Where("id = ? AND (channel IS NULL OR channel = '')", id).
		Update("channel", channel).Error
	if err != nil {
		return "", err
	}
	var ent model.SessionReservation
	if err := db.Select("id", "channel").Where("id = ?", id).First(&ent).Error; err != nil {
		return "", notFound(err)
	}
	return ent.ChannelName(), nil
}

// MarkJoined sets the joined timestamp of role unless it is already set.
// Returns true when this call did the write.
func (s *SessionStore) MarkJoined(ctx context.Context, id string, role model.Role, at time.Time) (bool, error) {
	col := columnsFor(role).joinedAt
	res := s.db.WithContext(ctx).Model(&model.SessionReservation{}).
		Where("id = ? AND "+col+" IS NULL", id).
		Update(col, at)
	return res.RowsAffected > 0, res.Error
}

// SetStatus mirrors the appointment status; terminal statuses revoke tokens
// in the same statement.
func (s *SessionStore) SetStatus(ctx context.Context, id string, status model.SessionStatus) error {
	fields := map[string]interface{}{"status": string(status)}
	if status.Terminal() {
		for k, v := range revokedCredentials() {
			fields[k] = v
		}
	}
	res := s.db.WithContext(ctx).Model(&model.SessionReservation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrSessionNotFound
	}
	return nil
}

// CloseRoom marks the room closed and revokes tokens. Returns false when
// the room was already closed.
func (s *SessionStore) CloseRoom(ctx context.Context, id string, at time.Time) (bool, error) {
	fields := revokedCredentials()
	fields["room_closed_at"] = at
	res := s.db.WithContext(ctx).Model(&model.SessionReservation{}).
		Where("id = ? AND room_closed_at IS NULL", id).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}

// GetAppointment returns the appointment by id.
func (s *SessionStore) GetAppointment(ctx context.Context, id string) (*model.Appointment, error) {
	var a model.Appointment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetCalendarSlot returns the slot or nil when it does not exist.
func (s *SessionStore) GetCalendarSlot(ctx context.Context, id string) (*model.CalendarSlot, error) {
	var slot model.CalendarSlot
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&slot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &slot, nil
}

// GetProfile returns the user profile or nil when it does not exist.
func (s *SessionStore) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	var p model.UserProfile
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Ping checks the database connection (readiness).
func (s *SessionStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.ErrSessionNotFound
	}
	return err
}
