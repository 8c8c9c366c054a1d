package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

// WSSubscriber implements Subscriber over the lifecycle WebSocket endpoint.
type WSSubscriber struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header
	log     *zap.Logger
}

// NewWSSubscriber creates a subscriber for baseURL; http(s) schemes are
// switched to ws(s).
func NewWSSubscriber(baseURL string, header http.Header, log *zap.Logger) *WSSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSSubscriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		header:  header,
		log:     log,
	}
}

func (s *WSSubscriber) endpoint(appointmentID string) (string, error) {
	u, err := url.Parse(s.baseURL + expandPath(constants.PathLifecycleWS, "appointment_id", appointmentID))
	if err != nil {
		return "", fmt.Errorf("invalid lifecycle url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Subscribe dials the lifecycle endpoint and calls fn for every event until
// the returned cancel func is called or the server drops the connection.
func (s *WSSubscriber) Subscribe(ctx context.Context, appointmentID string, fn func(events.Event)) (func(), error) {
	endpoint, err := s.endpoint(appointmentID)
	if err != nil {
		return nil, err
	}
	conn, _, err := s.dialer.DialContext(ctx, endpoint, s.header)
	if err != nil {
		return nil, fmt.Errorf("lifecycle dial: %w", err)
	}

	var (
		once    sync.Once
		closing = make(chan struct{})
	)
	cancel := func() {
		once.Do(func() {
			close(closing)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-closing:
				default:
					s.log.Debug("lifecycle connection ended", zap.String("appointment_id", appointmentID), zap.Error(err))
				}
				return
			}
			ev, err := events.Unmarshal(data)
			if err != nil {
				s.log.Warn("bad lifecycle message", zap.Error(err))
				continue
			}
			fn(ev)
		}
	}()
	return cancel, nil
}
