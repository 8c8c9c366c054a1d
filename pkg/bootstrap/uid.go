package bootstrap

import (
	"strings"
	"unicode/utf16"

	"github.com/psds-microservice/session-reservation-service/pkg/constants"
)

// FallbackUID derives a uid from the channel when the token endpoint does
// not supply one: |h| mod 1e6 of the 31-multiplier string hash over UTF-16
// code units. Never returns 0.
func FallbackUID(channel string) uint32 {
	var h int32
	for _, u := range utf16.Encode([]rune(channel)) {
		h = 31*h + int32(u)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	uid := uint32(v % 1000000)
	if uid == 0 {
		uid = 1
	}
	return uid
}

// DefaultChannel returns the channel the server assigns to an appointment.
func DefaultChannel(appointmentID string) string {
	return constants.ChannelPrefix + appointmentID
}

// AppointmentFromChannel recovers the appointment id from a default channel.
func AppointmentFromChannel(channel string) string {
	id, ok := strings.CutPrefix(channel, constants.ChannelPrefix)
	if !ok {
		return ""
	}
	return id
}
