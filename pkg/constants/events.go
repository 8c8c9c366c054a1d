package constants

// Lifecycle event names delivered on the per-appointment topic.
const (
	EventStatusChanged = "consultation-status-changed"
	EventRoomClosed    = "room-closed"
)

// Room close reasons.
const (
	CloseReasonSingleParticipant = "single-participant"
	CloseReasonAdmin             = "admin"
)

// ChannelPrefix prefixes the default channel of an appointment ("sala_<appointment id>").
const ChannelPrefix = "sala_"
