package model

import "time"

// SessionReservation — запись, связывающая консультацию с RTC-комнатой (GORM).
type SessionReservation struct {
	ID             string  `gorm:"primaryKey;size:36"`
	AppointmentID  string  `gorm:"column:appointment_id;size:36;not null;uniqueIndex"`
	CalendarSlotID *string `gorm:"column:calendar_slot_id;size:36;index"`
	Channel        *string `gorm:"column:channel;size:128;uniqueIndex"`

	PatientID      string `gorm:"column:patient_id;size:36;not null;default:''"`
	PsychologistID string `gorm:"column:psychologist_id;size:36;not null;default:''"`

	PatientToken               string     `gorm:"column:patient_token;type:text;not null;default:''"`
	PatientUID                 int64      `gorm:"column:patient_uid;not null;default:0"`
	PatientTokenExpiresAt      *time.Time `gorm:"column:patient_token_expires_at"`
	PsychologistToken          string     `gorm:"column:psychologist_token;type:text;not null;default:''"`
	PsychologistUID            int64      `gorm:"column:psychologist_uid;not null;default:0"`
	PsychologistTokenExpiresAt *time.Time `gorm:"column:psychologist_token_expires_at"`

	PatientJoinedAt      *time.Time `gorm:"column:patient_joined_at"`
	PsychologistJoinedAt *time.Time `gorm:"column:psychologist_joined_at"`

	Status       string     `gorm:"size:20;not null;default:Reserved"`
	ScheduledAt  string     `gorm:"column:scheduled_at;size:32;not null;default:''"` // "2006-01-02 15:04:05"
	RoomClosedAt *time.Time `gorm:"column:room_closed_at"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Appointment *Appointment `gorm:"foreignKey:AppointmentID"`
}

func (SessionReservation) TableName() string { return "session_reservations" }

// ChannelName returns the assigned channel or "".
func (s *SessionReservation) ChannelName() string {
	if s.Channel == nil {
		return ""
	}
	return *s.Channel
}

// Participant returns the participant id stored for role.
func (s *SessionReservation) Participant(role Role) string {
	if role == RolePsychologist {
		return s.PsychologistID
	}
	return s.PatientID
}

// Credential returns the stored token/uid pair for role.
func (s *SessionReservation) Credential(role Role) Credential {
	if role == RolePsychologist {
		return Credential{Token: s.PsychologistToken, UID: uint32(s.PsychologistUID), ExpiresAt: s.PsychologistTokenExpiresAt}
	}
	return Credential{Token: s.PatientToken, UID: uint32(s.PatientUID), ExpiresAt: s.PatientTokenExpiresAt}
}

// SetCredential writes the token/uid pair for role in memory.
func (s *SessionReservation) SetCredential(role Role, c Credential) {
	if role == RolePsychologist {
		s.PsychologistToken, s.PsychologistUID, s.PsychologistTokenExpiresAt = c.Token, int64(c.UID), c.ExpiresAt
		return
	}
	s.PatientToken, s.PatientUID, s.PatientTokenExpiresAt = c.Token, int64(c.UID), c.ExpiresAt
}

// JoinedAt returns the join timestamp for role.
func (s *SessionReservation) JoinedAt(role Role) *time.Time {
	if role == RolePsychologist {
		return s.PsychologistJoinedAt
	}
	return s.PatientJoinedAt
}

// Appointment — консультация (источник истины для участников и расписания).
type Appointment struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Date           time.Time `gorm:"not null"`
	Time           string    `gorm:"size:5;not null"` // "15:04"
	Status         string    `gorm:"size:20;not null;default:Reserved"`
	PatientID      string    `gorm:"column:patient_id;size:36;not null;default:''"`
	PsychologistID string    `gorm:"column:psychologist_id;size:36;not null;default:''"`
	CalendarSlotID *string   `gorm:"column:calendar_slot_id;size:36"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (Appointment) TableName() string { return "appointments" }

// CalendarSlot — слот календаря психолога.
type CalendarSlot struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Date           time.Time `gorm:"not null"`
	Time           string    `gorm:"size:5;not null"`
	Weekday        string    `gorm:"size:16"`
	Status         string    `gorm:"size:20;not null"`
	PsychologistID string    `gorm:"column:psychologist_id;size:36;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (CalendarSlot) TableName() string { return "calendar_slots" }

// UserProfile is the read-only participant profile shown in the room.
type UserProfile struct {
	ID       string `gorm:"primaryKey;size:36"`
	Name     string `gorm:"size:255"`
	Email    string `gorm:"size:255"`
	ImageURL string `gorm:"column:image_url;size:512"`
}

func (UserProfile) TableName() string { return "users" }
