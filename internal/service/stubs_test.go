package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/config"
	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/internal/rtc"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

// memStore is an in-memory SessionStore with the same conditional-write
// semantics as the GORM store.
type memStore struct {
	mu           sync.Mutex
	sessions     map[string]*model.SessionReservation
	appointments map[string]*model.Appointment
	slots        map[string]*model.CalendarSlot
	profiles     map[string]*model.UserProfile
	failFill     bool
	fills        int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     map[string]*model.SessionReservation{},
		appointments: map[string]*model.Appointment{},
		slots:        map[string]*model.CalendarSlot{},
		profiles:     map[string]*model.UserProfile{},
	}
}

func (m *memStore) put(s model.SessionReservation, a model.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &s
	m.appointments[a.ID] = &a
}

// snapshot returns a copy of the stored record.
func (m *memStore) snapshot(id string) *model.SessionReservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.sessions[id]
	return &cp
}

func (m *memStore) withAppointment(s *model.SessionReservation) *model.SessionReservation {
	out := *s
	if a, ok := m.appointments[s.AppointmentID]; ok {
		cp := *a
		out.Appointment = &cp
	}
	return &out
}

func (m *memStore) FindByAnyID(_ context.Context, id string) (*model.SessionReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id || s.AppointmentID == id || (s.CalendarSlotID != nil && *s.CalendarSlotID == id) {
			return m.withAppointment(s), nil
		}
	}
	return nil, errs.ErrSessionNotFound
}

func (m *memStore) FindByChannel(_ context.Context, channel string) (*model.SessionReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ChannelName() == channel {
			return m.withAppointment(s), nil
		}
	}
	return nil, errs.ErrSessionNotFound
}

func (m *memStore) FindTodayByParticipants(_ context.Context, psychologistID, patientID string, day time.Time) ([]model.SessionReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SessionReservation
	for _, s := range m.sessions {
		a, ok := m.appointments[s.AppointmentID]
		if !ok || a.Date.Format(model.DateLayout) != day.Format(model.DateLayout) {
			continue
		}
		if (s.PsychologistID == psychologistID || a.PsychologistID == psychologistID) &&
			(s.PatientID == patientID || a.PatientID == patientID) {
			out = append(out, *m.withAppointment(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Appointment.Time < out[j].Appointment.Time })
	return out, nil
}

func (m *memStore) FillParticipant(_ context.Context, id string, role model.Role, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFill {
		return false, errors.New("db down")
	}
	s := m.sessions[id]
	if s.Participant(role) != "" {
		return false, nil
	}
	m.fills++
	if role == model.RolePsychologist {
		s.PsychologistID = userID
	} else {
		s.PatientID = userID
	}
	return true, nil
}

func (m *memStore) SetCredential(_ context.Context, id string, role model.Role, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errs.ErrSessionNotFound
	}
	s.SetCredential(role, cred)
	return nil
}

func (m *memStore) AssignChannel(_ context.Context, id, channel string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.ChannelName() == "" {
		s.Channel = &channel
	}
	return s.ChannelName(), nil
}

func (m *memStore) MarkJoined(_ context.Context, id string, role model.Role, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.JoinedAt(role) != nil {
		return false, nil
	}
	if role == model.RolePsychologist {
		s.PsychologistJoinedAt = &at
	} else {
		s.PatientJoinedAt = &at
	}
	return true, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errs.ErrSessionNotFound
	}
	s.Status = string(status)
	if status.Terminal() {
		s.SetCredential(model.RolePatient, model.Credential{})
		s.SetCredential(model.RolePsychologist, model.Credential{})
	}
	return nil
}

func (m *memStore) CloseRoom(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.RoomClosedAt != nil {
		return false, nil
	}
	s.RoomClosedAt = &at
	s.SetCredential(model.RolePatient, model.Credential{})
	s.SetCredential(model.RolePsychologist, model.Credential{})
	return true, nil
}

func (m *memStore) GetAppointment(_ context.Context, id string) (*model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, errs.ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) GetCalendarSlot(_ context.Context, id string) (*model.CalendarSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id], nil
}

func (m *memStore) GetProfile(_ context.Context, id string) (*model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[id], nil
}

// stubIssuer fails with errs[n-1] on call n, succeeds otherwise. It echoes
// the uid it is given unless dropUID is set.
type stubIssuer struct {
	calls      int32
	errs       []error
	release    chan struct{}
	dropUID    bool
	emptyToken bool
	lastUID    uint32
}

func (i *stubIssuer) IssueToken(ctx context.Context, channel string, role model.Role, uid uint32) (rtc.Issued, error) {
	n := atomic.AddInt32(&i.calls, 1)
	if i.release != nil {
		select {
		case <-i.release:
		case <-ctx.Done():
			return rtc.Issued{}, ctx.Err()
		}
	}
	if int(n) <= len(i.errs) && i.errs[n-1] != nil {
		return rtc.Issued{}, i.errs[n-1]
	}
	atomic.StoreUint32(&i.lastUID, uid)
	token := "tok-" + string(role) + "-" + channel
	if i.emptyToken {
		token = ""
	}
	if i.dropUID {
		uid = 0
	}
	return rtc.Issued{
		Token:     token,
		UID:       uid,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (i *stubIssuer) count() int { return int(atomic.LoadInt32(&i.calls)) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func testConfig() *config.Config {
	return &config.Config{
		TokenFetchTimeout: time.Second,
		TokenRefreshSkew:  time.Minute,
		SingleJoinGrace:   time.Hour,
	}
}

const (
	sessID  = "s-1"
	apptID  = "a-1"
	slotID  = "c-1"
	channel = "sala_a-1"
)

// fullSession is a populated session with a valid patient token.
func fullSession() (model.SessionReservation, model.Appointment) {
	ch, slot := channel, slotID
	exp := time.Now().Add(time.Hour)
	s := model.SessionReservation{
		ID:                    sessID,
		AppointmentID:         apptID,
		CalendarSlotID:        &slot,
		Channel:               &ch,
		PatientID:             "u-1",
		PsychologistID:        "p-1",
		PatientToken:          "stored-token",
		PatientUID:            111,
		PatientTokenExpiresAt: &exp,
		Status:                string(model.StatusReserved),
		ScheduledAt:           "2026-03-10 14:30:00",
	}
	a := model.Appointment{
		ID:             apptID,
		Date:           time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Time:           "14:30",
		Status:         string(model.StatusReserved),
		PatientID:      "u-1",
		PsychologistID: "p-1",
		CalendarSlotID: &slot,
	}
	return s, a
}

func newTestService(st *memStore, iss *stubIssuer, pub *recordingPublisher) *SessionService {
	if pub == nil {
		return NewSessionService(st, iss, nil, testConfig(), zap.NewNop())
	}
	return NewSessionService(st, iss, pub, testConfig(), zap.NewNop())
}
