package service

import (
	"context"

	"github.com/psds-microservice/session-reservation-service/internal/model"
	"go.uber.org/zap"
)

// Backfiller fills empty participant ids of a session from its appointment.
type Backfiller struct {
	store SessionStore
	log   *zap.Logger
}

// NewBackfiller creates a backfiller.
func NewBackfiller(store SessionStore, log *zap.Logger) *Backfiller {
	return &Backfiller{store: store, log: log}
}

// Backfill returns a copy of ent with empty participant ids taken from the
// appointment. Persisting is best-effort: a failed write is logged and the
// corrected copy is returned anyway. Populated ids are never touched.
func (b *Backfiller) Backfill(ctx context.Context, ent *model.SessionReservation) *model.SessionReservation {
	out := *ent
	appt := b.appointment(ctx, &out)
	if appt == nil {
		return &out
	}
	for _, role := range []model.Role{model.RolePatient, model.RolePsychologist} {
		if out.Participant(role) != "" {
			continue
		}
		src := appt.PatientID
		if role == model.RolePsychologist {
			src = appt.PsychologistID
		}
		if src == "" {
			continue
		}
		if role == model.RolePsychologist {
			out.PsychologistID = src
		} else {
			out.PatientID = src
		}
		if _, err := b.store.FillParticipant(ctx, out.ID, role, src); err != nil {
			b.log.Warn("backfill: persist participant failed",
				zap.String("session_id", out.ID),
				zap.String("role", string(role)),
				zap.Error(err))
			continue
		}
		b.log.Info("backfill: participant filled",
			zap.String("session_id", out.ID),
			zap.String("role", string(role)))
	}
	return &out
}

// appointment returns the joined appointment, loading it when the join
// came back empty. nil when the appointment cannot be found.
func (b *Backfiller) appointment(ctx context.Context, ent *model.SessionReservation) *model.Appointment {
	if ent.Appointment != nil && ent.Appointment.ID != "" {
		return ent.Appointment
	}
	appt, err := b.store.GetAppointment(ctx, ent.AppointmentID)
	if err != nil {
		b.log.Debug("backfill: appointment unavailable", zap.String("appointment_id", ent.AppointmentID), zap.Error(err))
		return nil
	}
	ent.Appointment = appt
	return appt
}
