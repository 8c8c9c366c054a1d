package constants

// Пути health, ready и публичные API пути (используются router и клиентом pkg/bootstrap).
const (
	PathHealth = "/health"
	PathReady  = "/ready"

	PathSessions         = "/sessions"
	PathSessionByID      = "/sessions/:id"
	PathSessionByChannel = "/sessions/channel/:channel"
	PathSessionsToday    = "/sessions/today"
	PathSessionComplete  = "/sessions/:id/complete"
	PathSessionJoin      = "/sessions/:id/join"
	PathTokenByChannel   = "/sessions/token/:channel"
	PathEnsureTokens     = "/sessions/:id/tokens/ensure"
	PathRotateTokens     = "/sessions/:id/tokens/rotate"
	PathSessionStatus    = "/sessions/:id/status"
	PathSessionClose     = "/sessions/:id/close"

	PathLifecycleWS = "/ws/lifecycle/:appointment_id"
)

// Auth context headers set by the upstream gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)
