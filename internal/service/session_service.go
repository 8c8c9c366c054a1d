package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/config"
	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/lifecycle"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

// SessionService manages session reservations: resolution, join
// registration, credentials and room lifecycle.
type SessionService struct {
	store    SessionStore
	resolver *Resolver
	tokens   *TokenProvisioner
	pub      lifecycle.Publisher
	watchdog *JoinWatchdog
	skew     time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewSessionService creates a session service.
func NewSessionService(store SessionStore, issuer TokenIssuer, pub lifecycle.Publisher, cfg *config.Config, log *zap.Logger) *SessionService {
	backfill := NewBackfiller(store, log)
	s := &SessionService{
		store:    store,
		resolver: NewResolver(store, backfill, cfg.TokenRefreshSkew, log),
		tokens:   NewTokenProvisioner(store, issuer, cfg.TokenFetchTimeout, cfg.TokenRefreshSkew, log),
		pub:      pub,
		skew:     cfg.TokenRefreshSkew,
		now:      time.Now,
		log:      log,
	}
	s.watchdog = NewJoinWatchdog(cfg.SingleJoinGrace, s.closeIfAlone)
	return s
}

// Close stops pending watchdog timers.
func (s *SessionService) Close() { s.watchdog.Stop() }

// Resolve returns the session addressed by key.
func (s *SessionService) Resolve(ctx context.Context, key LookupKey) (model.Resolution, error) {
	return s.resolver.Resolve(ctx, key)
}

// Today lists the sessions of a psychologist and patient pair scheduled for
// the current day. Only the pair itself or an admin may ask.
func (s *SessionService) Today(ctx context.Context, psychologistID, patientID string, caller model.Caller) ([]*model.Session, error) {
	if caller.Role != model.RoleAdmin && caller.UserID != psychologistID && caller.UserID != patientID {
		return nil, errs.New(errs.ErrPermissionDenied, errs.CodeNotParticipant, "caller is not one of the participants")
	}
	now := s.now()
	found, err := s.store.FindTodayByParticipants(ctx, psychologistID, patientID, now)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(found))
	for i := range found {
		out = append(out, newSessionView(&found[i], now, s.skew))
	}
	return out, nil
}

// Complete returns the session with its appointment, slot and both profiles.
func (s *SessionService) Complete(ctx context.Context, id string) (*model.SessionComplete, error) {
	ent, err := s.resolver.lookup(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	appt := ent.Appointment
	if appt == nil || appt.ID == "" || appt.PatientID == "" {
		return nil, errs.New(errs.ErrSessionNotFound, errs.CodeNotFound, "appointment not found or has no patient")
	}
	out := &model.SessionComplete{
		Session: newSessionView(ent, s.now(), s.skew),
		Appointment: &model.AppointmentView{
			ID:             appt.ID,
			Date:           appt.Date.Format(model.DateLayout),
			Time:           appt.Time,
			Status:         model.SessionStatus(appt.Status),
			PatientID:      appt.PatientID,
			PsychologistID: appt.PsychologistID,
		},
	}
	slotID := ent.CalendarSlotID
	if appt.CalendarSlotID != nil {
		slotID = appt.CalendarSlotID
		out.Appointment.CalendarSlotID = *appt.CalendarSlotID
	}
	if slotID != nil && *slotID != "" {
		slot, err := s.store.GetCalendarSlot(ctx, *slotID)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			out.CalendarSlot = &model.SlotView{
				ID:             slot.ID,
				Date:           slot.Date.Format(model.DateLayout),
				Time:           slot.Time,
				Weekday:        slot.Weekday,
				Status:         slot.Status,
				PsychologistID: slot.PsychologistID,
			}
		}
	}
	if out.Patient, err = s.profile(ctx, ent.PatientID); err != nil {
		return nil, err
	}
	if out.Psychologist, err = s.profile(ctx, ent.PsychologistID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SessionService) profile(ctx context.Context, userID string) (*model.Profile, error) {
	if userID == "" {
		return nil, nil
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return &model.Profile{ID: p.ID, Name: p.Name, Email: p.Email, ImageURL: p.ImageURL}, nil
}

// Join registers that role entered the room. Repeated calls keep the first
// timestamp.
func (s *SessionService) Join(ctx context.Context, id string, caller model.Caller, role model.Role) (*model.JoinResponse, error) {
	ent, err := s.resolver.lookup(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if err := admission(ent); err != nil {
		return nil, err
	}
	participant := ent.Participant(role)
	if participant == "" {
		return nil, errs.New(errs.ErrPermissionDenied, errs.CodeMissingParticipant, "no participant assigned for role")
	}
	if caller.UserID != participant {
		return nil, errs.New(errs.ErrPermissionDenied, errs.CodeNotParticipant, "caller is not this participant")
	}

	wrote, err := s.store.MarkJoined(ctx, ent.ID, role, s.now().UTC())
	if err != nil {
		return nil, err
	}
	fresh, err := s.store.FindByAnyID(ctx, ent.ID)
	if err != nil {
		return nil, err
	}
	resp := &model.JoinResponse{
		SessionID:            fresh.ID,
		Role:                 role,
		AlreadyJoined:        !wrote,
		PatientJoinedAt:      fresh.PatientJoinedAt,
		PsychologistJoinedAt: fresh.PsychologistJoinedAt,
		BothJoined:           fresh.PatientJoinedAt != nil && fresh.PsychologistJoinedAt != nil,
	}
	if at := fresh.JoinedAt(role); at != nil {
		resp.JoinedAt = *at
	}
	if resp.BothJoined {
		s.watchdog.Disarm(fresh.AppointmentID)
	} else if wrote {
		s.watchdog.Arm(fresh.AppointmentID, fresh.ID)
	}
	s.log.Info("participant joined",
		zap.String("session_id", fresh.ID),
		zap.String("role", string(role)),
		zap.Bool("already_joined", resp.AlreadyJoined),
		zap.Bool("both_joined", resp.BothJoined))
	return resp, nil
}

// TokenByChannel returns the caller's credential for the room on channel,
// provisioning it when needed.
func (s *SessionService) TokenByChannel(ctx context.Context, channel string, caller model.Caller) (*model.TokenResponse, error) {
	ent, err := s.findForChannel(ctx, channel)
	if err != nil {
		return nil, err
	}
	if err := terminalError(ent); err != nil {
		return nil, err
	}
	role, err := callerRole(ent, caller)
	if err != nil {
		return nil, err
	}
	cred, _, err := s.tokens.Provision(ctx, ent, role)
	if err != nil {
		return nil, err
	}
	resp := &model.TokenResponse{
		Token:     cred.Token,
		UID:       cred.UID,
		Role:      role,
		Channel:   ent.ChannelName(),
		ExpiresAt: cred.ExpiresAt,
	}
	if c := ent.Credential(model.RolePatient); c.Complete() {
		resp.Participants.PatientUID = c.UID
	}
	if c := ent.Credential(model.RolePsychologist); c.Complete() {
		resp.Participants.PsychologistUID = c.UID
	}
	return resp, nil
}

// findForChannel resolves by channel; a default channel name that was not
// assigned yet resolves through its appointment id.
func (s *SessionService) findForChannel(ctx context.Context, channel string) (*model.SessionReservation, error) {
	ent, err := s.resolver.lookup(ctx, ByChannel(channel))
	if err == nil || !errors.Is(err, errs.ErrSessionNotFound) {
		return ent, err
	}
	apptID, ok := strings.CutPrefix(channel, constants.ChannelPrefix)
	if !ok || apptID == "" {
		return nil, err
	}
	ent, err = s.resolver.lookup(ctx, ByAppointmentID(apptID))
	if err != nil {
		return nil, err
	}
	if ent.ChannelName() != "" && ent.ChannelName() != channel {
		return nil, errs.ErrSessionNotFound
	}
	return ent, nil
}

func callerRole(ent *model.SessionReservation, caller model.Caller) (model.Role, error) {
	isPatient := caller.UserID != "" && ent.PatientID == caller.UserID
	isPsychologist := caller.UserID != "" && ent.PsychologistID == caller.UserID
	switch {
	case isPatient && isPsychologist:
		if caller.Role == model.RolePsychologist {
			return model.RolePsychologist, nil
		}
		return model.RolePatient, nil
	case isPatient:
		return model.RolePatient, nil
	case isPsychologist:
		return model.RolePsychologist, nil
	}
	return "", errs.New(errs.ErrPermissionDenied, errs.CodeNotParticipant, "caller is not a participant of this session")
}

// EnsureTokens provisions missing or expiring credentials of both roles.
func (s *SessionService) EnsureTokens(ctx context.Context, id string) (*model.EnsureTokensResponse, error) {
	return s.provisionBoth(ctx, id, false)
}

// RotateTokens replaces the credentials of both roles.
func (s *SessionService) RotateTokens(ctx context.Context, id string) (*model.EnsureTokensResponse, error) {
	return s.provisionBoth(ctx, id, true)
}

func (s *SessionService) provisionBoth(ctx context.Context, id string, force bool) (*model.EnsureTokensResponse, error) {
	ent, err := s.resolver.lookup(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	resp := &model.EnsureTokensResponse{SessionID: ent.ID}
	for _, role := range []model.Role{model.RolePatient, model.RolePsychologist} {
		var (
			cred      model.Credential
			generated bool
		)
		if force {
			cred, err = s.tokens.Rotate(ctx, ent, role)
			generated = err == nil
		} else {
			cred, generated, err = s.tokens.Provision(ctx, ent, role)
		}
		if err != nil {
			return nil, err
		}
		resp.Generated = resp.Generated || generated
		if role == model.RolePsychologist {
			resp.PsychologistUID = cred.UID
		} else {
			resp.PatientUID = cred.UID
		}
	}
	resp.Channel = ent.ChannelName()
	return resp, nil
}

// UpdateStatus mirrors an appointment status change reported by scheduling.
func (s *SessionService) UpdateStatus(ctx context.Context, id, status, reason string) (*model.Session, error) {
	st := model.SessionStatus(status)
	if !st.Valid() {
		return nil, errs.ErrInvalidStatus
	}
	ent, err := s.resolver.lookup(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, ent.ID, st); err != nil {
		return nil, err
	}
	if st.Terminal() {
		s.watchdog.Disarm(ent.AppointmentID)
	}
	s.publish(ctx, events.Event{
		Event:         constants.EventStatusChanged,
		AppointmentID: ent.AppointmentID,
		Status:        string(st),
		Reason:        reason,
	})
	s.log.Info("session status updated",
		zap.String("session_id", ent.ID),
		zap.String("status", string(st)))
	return s.view(ctx, ent.ID)
}

// CloseRoom closes the room and revokes its credentials. Closing a closed
// room does nothing.
func (s *SessionService) CloseRoom(ctx context.Context, id, reason string) (*model.Session, error) {
	ent, err := s.resolver.lookup(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = constants.CloseReasonAdmin
	}
	closed, err := s.store.CloseRoom(ctx, ent.ID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.watchdog.Disarm(ent.AppointmentID)
	if closed {
		s.publish(ctx, events.Event{
			Event:         constants.EventRoomClosed,
			AppointmentID: ent.AppointmentID,
			Reason:        reason,
			Message:       closeMessage(reason),
		})
		s.log.Info("room closed", zap.String("session_id", ent.ID), zap.String("reason", reason))
	}
	return s.view(ctx, ent.ID)
}

func closeMessage(reason string) string {
	if reason == constants.CloseReasonSingleParticipant {
		return "The other participant did not join in time. The room was closed."
	}
	return "The room was closed."
}

// closeIfAlone is the watchdog callback: closes the room when exactly one
// party has joined.
func (s *SessionService) closeIfAlone(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ent, err := s.store.FindByAnyID(ctx, sessionID)
	if err != nil {
		s.log.Warn("watchdog: lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if admission(ent) != nil {
		return
	}
	if (ent.PatientJoinedAt == nil) == (ent.PsychologistJoinedAt == nil) {
		return
	}
	if _, err := s.CloseRoom(ctx, sessionID, constants.CloseReasonSingleParticipant); err != nil {
		s.log.Warn("watchdog: close room failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *SessionService) publish(ctx context.Context, ev events.Event) {
	if s.pub == nil {
		return
	}
	ev.Timestamp = s.now().UTC()
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("lifecycle publish failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

func (s *SessionService) view(ctx context.Context, id string) (*model.Session, error) {
	res, err := s.resolver.Resolve(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errs.ErrSessionNotFound
	}
	return res.Data, nil
}
