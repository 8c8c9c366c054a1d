package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/middleware"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/internal/service"
	"go.uber.org/zap"
)

// SessionHandler handles REST API for session reservations.
type SessionHandler struct {
	svc service.SessionServicer
	log *zap.Logger
}

// NewSessionHandler creates a session handler (D: принимает SessionServicer).
func NewSessionHandler(svc service.SessionServicer, log *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, log: log}
}

// GetSession godoc
// GET /sessions/:id — id, appointment id or calendar slot id.
func (h *SessionHandler) GetSession(c *gin.Context) {
	h.resolve(c, service.ByID(c.Param("id")))
}

// GetSessionByChannel godoc
// GET /sessions/channel/:channel
func (h *SessionHandler) GetSessionByChannel(c *gin.Context) {
	h.resolve(c, service.ByChannel(c.Param("channel")))
}

func (h *SessionHandler) resolve(c *gin.Context, key service.LookupKey) {
	res, err := h.svc.Resolve(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetToday godoc
// GET /sessions/today?psychologist_id=&patient_id=
func (h *SessionHandler) GetToday(c *gin.Context) {
	psychologistID, patientID := c.Query("psychologist_id"), c.Query("patient_id")
	if psychologistID == "" || patientID == "" {
		badRequest(c, "psychologist_id and patient_id are required")
		return
	}
	caller, _ := middleware.CallerFrom(c)
	list, err := h.svc.Today(c.Request.Context(), psychologistID, patientID, caller)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, model.TodayResponse{Success: true, Sessions: list})
}

// GetSessionComplete godoc
// GET /sessions/:id/complete
func (h *SessionHandler) GetSessionComplete(c *gin.Context) {
	out, err := h.svc.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Join godoc
// POST /sessions/:id/join {role}
func (h *SessionHandler) Join(c *gin.Context) {
	var req model.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	role, ok := model.ParseRole(req.Role)
	if !ok {
		writeError(c, h.log, errs.ErrInvalidRole)
		return
	}
	caller, _ := middleware.CallerFrom(c)
	resp, err := h.svc.Join(c.Request.Context(), c.Param("id"), caller, role)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// TokenByChannel godoc
// GET|POST /sessions/token/:channel
func (h *SessionHandler) TokenByChannel(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	resp, err := h.svc.TokenByChannel(c.Request.Context(), c.Param("channel"), caller)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// EnsureTokens godoc
// POST /sessions/:id/tokens/ensure
func (h *SessionHandler) EnsureTokens(c *gin.Context) {
	resp, err := h.svc.EnsureTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RotateTokens godoc
// POST /sessions/:id/tokens/rotate
func (h *SessionHandler) RotateTokens(c *gin.Context) {
	resp, err := h.svc.RotateTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateStatus godoc
// POST /sessions/:id/status {status, reason}
func (h *SessionHandler) UpdateStatus(c *gin.Context) {
	var req model.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CloseRoom godoc
// POST /sessions/:id/close {reason}; body is optional.
func (h *SessionHandler) CloseRoom(c *gin.Context) {
	var req model.CloseRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.svc.CloseRoom(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
