package lifecycle

import (
	"context"
	"testing"

	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

func newTestHub() *Hub { return NewHub(1024, 1024, 4096, zap.NewNop()) }

func TestPublishToTopic(t *testing.T) {
	h := newTestHub()
	var a, b []events.Event
	cancelA := h.Subscribe(events.Topic("a-1"), func(ev events.Event) { a = append(a, ev) })
	defer cancelA()
	cancelB := h.Subscribe(events.Topic("a-2"), func(ev events.Event) { b = append(b, ev) })
	defer cancelB()

	_ = h.Publish(context.Background(), events.Event{Event: constants.EventRoomClosed, AppointmentID: "a-1"})
	if len(a) != 1 || len(b) != 0 {
		t.Fatalf("targeted publish: a=%d b=%d", len(a), len(b))
	}

	_ = h.Publish(context.Background(), events.Event{Event: constants.EventRoomClosed})
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("broadcast publish: a=%d b=%d", len(a), len(b))
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub()
	topic := events.Topic("a-1")
	calls := 0
	cancel := h.Subscribe(topic, func(events.Event) { calls++ })
	h.Subscribe(topic, func(events.Event) { calls++ })
	if h.Count(topic) != 2 {
		t.Fatalf("Count = %d", h.Count(topic))
	}
	cancel()
	cancel()
	if h.Count(topic) != 1 {
		t.Fatalf("Count after cancel = %d", h.Count(topic))
	}
	h.Unsubscribe(topic)
	_ = h.Publish(context.Background(), events.Event{Event: constants.EventRoomClosed, AppointmentID: "a-1"})
	if calls != 0 {
		t.Fatalf("no handler must be called after Unsubscribe, got %d", calls)
	}
}

func TestBridgeWithoutBrokerDeliversLocally(t *testing.T) {
	h := newTestHub()
	got := 0
	h.Subscribe(events.Topic("a-1"), func(events.Event) { got++ })
	b := NewAMQPBridge("amqp://unused", "session.lifecycle", h, zap.NewNop())

	err := b.Publish(context.Background(), events.Event{Event: constants.EventRoomClosed, AppointmentID: "a-1"})
	if err == nil {
		t.Fatalf("expected not-connected error")
	}
	if got != 1 {
		t.Fatalf("local delivery count = %d, want 1", got)
	}
	if err := b.Run(context.Background()); err == nil {
		t.Fatalf("Run without connection must fail")
	}
}
