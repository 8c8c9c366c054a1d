// Package lifecycle delivers room lifecycle events to subscribers of a
// per-appointment topic, in-process and across instances.
package lifecycle

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

// Handler receives events of a topic. It must not block.
type Handler func(events.Event)

// Publisher is what the service layer publishes lifecycle events through.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Hub is the in-process pub/sub keyed by topic.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[uint64]Handler // topic -> subscriptions
	next     uint64
	upgrader websocket.Upgrader
	readLim  int64
	log      *zap.Logger
}

// NewHub creates a hub. Buffer sizes and read limit apply to WebSocket
// subscribers.
func NewHub(readBuf, writeBuf int, maxMessageSize int64, log *zap.Logger) *Hub {
	return &Hub{
		subs:    make(map[string]map[uint64]Handler),
		readLim: maxMessageSize,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			// Origin is checked by CORS upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Subscribe registers fn on topic and returns its cancel function.
func (h *Hub) Subscribe(topic string, fn Handler) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]Handler)
	}
	h.subs[topic][id] = fn
	h.mu.Unlock()

	h.log.Debug("lifecycle subscribed", zap.String("topic", topic))
	var once sync.Once
	return func() {
		once.Do(func() { h.remove(topic, id) })
	}
}

func (h *Hub) remove(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.subs[topic]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Unsubscribe drops every subscription of topic.
func (h *Hub) Unsubscribe(topic string) {
	h.mu.Lock()
	delete(h.subs, topic)
	h.mu.Unlock()
}

// Publish delivers ev to its appointment topic, or to every topic when the
// event carries no appointment id.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.RLock()
	var handlers []Handler
	if ev.AppointmentID == "" {
		for _, m := range h.subs {
			for _, fn := range m {
				handlers = append(handlers, fn)
			}
		}
	} else {
		for _, fn := range h.subs[events.Topic(ev.AppointmentID)] {
			handlers = append(handlers, fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
	h.log.Info("lifecycle event delivered",
		zap.String("event", ev.Event),
		zap.String("appointment_id", ev.AppointmentID),
		zap.Int("subscribers", len(handlers)))
	return nil
}

// Count returns the number of subscriptions on topic.
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Upgrader returns the WebSocket upgrader for the lifecycle endpoint.
func (h *Hub) Upgrader() *websocket.Upgrader { return &h.upgrader }

// ReadLimit is the max inbound message size on lifecycle sockets.
func (h *Hub) ReadLimit() int64 { return h.readLim }
