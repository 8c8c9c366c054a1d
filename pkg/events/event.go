// Package events defines the lifecycle event exchanged between the service
// and room clients.
package events

import (
	"encoding/json"
	"time"

	"github.com/psds-microservice/session-reservation-service/pkg/constants"
)

// Event is one lifecycle notification. An empty AppointmentID addresses
// every subscriber.
type Event struct {
	Event         string    `json:"event"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Topic returns the pub/sub topic for an appointment.
func Topic(appointmentID string) string {
	return "appointment:" + appointmentID
}

// Targets reports whether e is addressed to appointmentID.
func (e Event) Targets(appointmentID string) bool {
	return e.AppointmentID == "" || e.AppointmentID == appointmentID
}

// Interrupts reports whether e must tear the room down: a room closure, or a
// status change to Cancelled.
func (e Event) Interrupts() bool {
	switch e.Event {
	case constants.EventRoomClosed:
		return true
	case constants.EventStatusChanged:
		return e.Status == "Cancelled"
	}
	return false
}

// Marshal encodes e as JSON.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Unmarshal decodes an event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
