package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/session-reservation-service/internal/lifecycle"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// LifecycleWSHandler streams lifecycle events of one appointment over
// WebSocket: /ws/lifecycle/:appointment_id.
type LifecycleWSHandler struct {
	hub    *lifecycle.Hub
	logger *zap.Logger
}

// NewLifecycleWSHandler creates the WebSocket lifecycle handler.
func NewLifecycleWSHandler(hub *lifecycle.Hub, logger *zap.Logger) *LifecycleWSHandler {
	return &LifecycleWSHandler{hub: hub, logger: logger}
}

type lifecyclePeer struct {
	appointmentID string
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
}

// ServeWS upgrades the request and keeps the subscription until the client
// disconnects. Inbound messages are ignored.
func (h *LifecycleWSHandler) ServeWS(c *gin.Context) {
	appointmentID := c.Param("appointment_id")
	if appointmentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "appointment_id required"})
		return
	}

	conn, err := h.hub.Upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	p := &lifecyclePeer{
		appointmentID: appointmentID,
		conn:          conn,
		send:          make(chan []byte, 16),
		done:          make(chan struct{}),
	}
	unsubscribe := h.hub.Subscribe(events.Topic(appointmentID), func(ev events.Event) {
		data, err := ev.Marshal()
		if err != nil {
			return
		}
		select {
		case p.send <- data:
		case <-p.done:
		default:
			h.logger.Warn("lifecycle send buffer full", zap.String("appointment_id", appointmentID))
		}
	})
	defer unsubscribe()

	go h.writePump(p)
	h.readPump(p)
}

func (h *LifecycleWSHandler) readPump(p *lifecyclePeer) {
	defer close(p.done)
	if lim := h.hub.ReadLimit(); lim > 0 {
		p.conn.SetReadLimit(lim)
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("lifecycle read error", zap.String("appointment_id", p.appointmentID), zap.Error(err))
			}
			return
		}
	}
}

func (h *LifecycleWSHandler) writePump(p *lifecyclePeer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}
