package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"go.uber.org/zap"
)

// writeError maps the error taxonomy to HTTP: 404, 403, 410, 503, 400,
// anything else 500. Body: {error, message, code}.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	status, label := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, errs.ErrSessionNotFound), errors.Is(err, errs.ErrAppointmentNotFound):
		status, label = http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrPermissionDenied):
		status, label = http.StatusForbidden, "forbidden"
	case errors.Is(err, errs.ErrSessionTerminal):
		status, label = http.StatusGone, "session terminal"
	case errors.Is(err, errs.ErrTransient):
		status, label = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, errs.ErrInvalidRole), errors.Is(err, errs.ErrInvalidStatus):
		status, label = http.StatusBadRequest, "invalid request"
	}

	code := errs.CodeOf(err)
	if code == "" && status == http.StatusNotFound {
		code = errs.CodeNotFound
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": label, "message": msg, "code": code})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": message})
}
