package model

import (
	"strings"
	"time"
)

// Role is one of the two parties of a session.
type Role string

const (
	RolePatient      Role = "Patient"
	RolePsychologist Role = "Psychologist"
)

// RoleAdmin is a caller role for operators and the scheduling subsystem. It
// is never a session party.
const RoleAdmin Role = "Admin"

// ParseRole accepts "Patient"/"Psychologist" in any case.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, true
	case "psychologist":
		return RolePsychologist, true
	}
	return "", false
}

// ParseCallerRole is ParseRole that also accepts "Admin".
func ParseCallerRole(s string) (Role, bool) {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleAdmin)) {
		return RoleAdmin, true
	}
	return ParseRole(s)
}

// Counterpart returns the other party.
func (r Role) Counterpart() Role {
	if r == RolePatient {
		return RolePsychologist
	}
	return RolePatient
}

// SessionStatus mirrors appointment status.
type SessionStatus string

const (
	StatusReserved   SessionStatus = "Reserved"
	StatusInProgress SessionStatus = "InProgress"
	StatusConcluded  SessionStatus = "Concluded"
	StatusCancelled  SessionStatus = "Cancelled"
)

// Terminal reports whether no further join is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusConcluded || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusReserved, StatusInProgress, StatusConcluded, StatusCancelled:
		return true
	}
	return false
}

// Credential is a per-role RTC token/uid pair.
type Credential struct {
	Token     string     `json:"token"`
	UID       uint32     `json:"uid"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Complete reports whether both halves of the pair are present.
func (c Credential) Complete() bool { return c.Token != "" && c.UID != 0 }

// Empty reports whether neither half is present.
func (c Credential) Empty() bool { return c.Token == "" && c.UID == 0 }

// Partial reports a token without uid or a uid without token.
func (c Credential) Partial() bool { return !c.Complete() && !c.Empty() }

// Session is the API view of a session reservation enriched with its
// appointment (not GORM entity).
type Session struct {
	ID                   string        `json:"id"`
	AppointmentID        string        `json:"appointment_id"`
	CalendarSlotID       string        `json:"calendar_slot_id,omitempty"`
	Channel              string        `json:"channel,omitempty"`
	Status               SessionStatus `json:"status"`
	PatientID            string        `json:"patient_id,omitempty"`
	PsychologistID       string        `json:"psychologist_id,omitempty"`
	PatientToken         string        `json:"patient_token,omitempty"`
	PatientUID           uint32        `json:"patient_uid,omitempty"`
	PsychologistToken    string        `json:"psychologist_token,omitempty"`
	PsychologistUID      uint32        `json:"psychologist_uid,omitempty"`
	PatientJoinedAt      *time.Time    `json:"patient_joined_at,omitempty"`
	PsychologistJoinedAt *time.Time    `json:"psychologist_joined_at,omitempty"`
	AppointmentDate      string        `json:"appointment_date,omitempty"`
	AppointmentTime      string        `json:"appointment_time,omitempty"`
	AppointmentStatus    SessionStatus `json:"appointment_status,omitempty"`
	ScheduledAt          string        `json:"scheduled_at,omitempty"`
	RoomClosed           bool          `json:"room_closed,omitempty"`
	Joinable             bool          `json:"joinable"`
}

// Token returns the token stored for role.
func (s *Session) Token(role Role) string {
	if role == RolePsychologist {
		return s.PsychologistToken
	}
	return s.PatientToken
}

// UID returns the uid stored for role.
func (s *Session) UID(role Role) uint32 {
	if role == RolePsychologist {
		return s.PsychologistUID
	}
	return s.PatientUID
}

// Participant returns the participant id for role.
func (s *Session) Participant(role Role) string {
	if role == RolePsychologist {
		return s.PsychologistID
	}
	return s.PatientID
}

// MissingFields lists the room data still absent for role.
func (s *Session) MissingFields(role Role) []string {
	var missing []string
	if s.Token(role) == "" {
		missing = append(missing, "token")
	}
	if s.UID(role) == 0 {
		missing = append(missing, "uid")
	}
	if s.AppointmentDate == "" {
		missing = append(missing, "appointment_date")
	}
	if s.AppointmentTime == "" {
		missing = append(missing, "appointment_time")
	}
	if s.ScheduledAt == "" {
		missing = append(missing, "scheduled_at")
	}
	if s.Participant(role.Counterpart()) == "" {
		missing = append(missing, "counterpart_id")
	}
	return missing
}

// Resolution is the structured result of a lookup. Found=false is an
// expected outcome, not an error.
type Resolution struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    *Session `json:"data,omitempty"`
}

// TodayResponse is the response for GET /sessions/today.
type TodayResponse struct {
	Success  bool       `json:"success"`
	Sessions []*Session `json:"sessions"`
}

// JoinRequest is the request body for POST /sessions/:id/join.
type JoinRequest struct {
	Role string `json:"role" binding:"required"`
}

// JoinResponse is the response for POST /sessions/:id/join.
type JoinResponse struct {
	SessionID            string     `json:"session_id"`
	Role                 Role       `json:"role"`
	JoinedAt             time.Time  `json:"joined_at"`
	AlreadyJoined        bool       `json:"already_joined"`
	PatientJoinedAt      *time.Time `json:"patient_joined_at,omitempty"`
	PsychologistJoinedAt *time.Time `json:"psychologist_joined_at,omitempty"`
	BothJoined           bool       `json:"both_joined"`
}

// TokenResponse is the response for the token-by-channel endpoint.
type TokenResponse struct {
	Token        string     `json:"token"`
	UID          uint32     `json:"uid"`
	Role         Role       `json:"role"`
	Channel      string     `json:"channel"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Participants struct {
		PatientUID      uint32 `json:"patient_uid,omitempty"`
		PsychologistUID uint32 `json:"psychologist_uid,omitempty"`
	} `json:"participants"`
}

// EnsureTokensResponse is the response for ensure/rotate.
type EnsureTokensResponse struct {
	SessionID       string `json:"session_id"`
	Channel         string `json:"channel"`
	PatientUID      uint32 `json:"patient_uid"`
	PsychologistUID uint32 `json:"psychologist_uid"`
	Generated       bool   `json:"generated"`
}

// StatusRequest is the request body for POST /sessions/:id/status.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// CloseRoomRequest is the request body for POST /sessions/:id/close.
type CloseRoomRequest struct {
	Reason string `json:"reason"`
}

// Profile is a participant card in the session-complete view.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	ImageURL string `json:"image_url,omitempty"`
}

// AppointmentView is the appointment part of the session-complete view.
type AppointmentView struct {
	ID             string        `json:"id"`
	Date           string        `json:"date"`
	Time           string        `json:"time"`
	Status         SessionStatus `json:"status"`
	PatientID      string        `json:"patient_id"`
	PsychologistID string        `json:"psychologist_id,omitempty"`
	CalendarSlotID string        `json:"calendar_slot_id,omitempty"`
}

// SlotView is the calendar-slot part of the session-complete view.
type SlotView struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Weekday        string `json:"weekday,omitempty"`
	Status         string `json:"status"`
	PsychologistID string `json:"psychologist_id"`
}

// SessionComplete is the response for GET /sessions/:id/complete.
type SessionComplete struct {
	Session      *Session         `json:"session"`
	Appointment  *AppointmentView `json:"appointment"`
	CalendarSlot *SlotView        `json:"calendar_slot,omitempty"`
	Patient      *Profile         `json:"patient,omitempty"`
	Psychologist *Profile         `json:"psychologist,omitempty"`
}

// DateLayout is the wire format of appointment dates.
const DateLayout = "2006-01-02"

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID string
	Role   Role
}
