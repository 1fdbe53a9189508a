package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordedEvent struct {
	Channel string
	Event   string
	Payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Publish(channel, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Channel: channel, Event: event, Payload: payload})
}

func (n *recordingNotifier) byEvent(event string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	hub      *Hub
	waweb    *MemoryAdapter
	wacloud  *MemoryAdapter
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	waweb := NewMemoryAdapter(KindWAWeb, "")
	wacloud := NewMemoryAdapter(KindWACloud, "")
	notifier := &recordingNotifier{}
	opts := Options{
		Adapters:        NewAdapterTable(waweb, wacloud, NewMemoryAdapter(KindInstagram, ""), NewMemoryAdapter(KindFacebook, "")),
		Notifier:        notifier,
		ProtocolEnabled: true,
		DisableWorkers:  true,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h := New(opts)
	t.Cleanup(h.Close)
	return &testEnv{hub: h, waweb: waweb, wacloud: wacloud, notifier: notifier}
}

func (e *testEnv) connect(t *testing.T, key string) Session {
	t.Helper()
	sess, err := e.hub.CreateSession(context.Background(), CreateSessionRequest{
		TenantID: "acme",
		Key:      key,
		Channel:  ChannelWhatsApp,
	})
	if err != nil {
		t.Fatalf("create session %s failed: %v", key, err)
	}
	return sess
}

func (e *testEnv) inbound(t *testing.T, ev InboundEvent) {
	t.Helper()
	if _, err := e.hub.IngestInbound(ev); err != nil {
		t.Fatalf("ingest inbound failed: %v", err)
	}
	e.hub.DrainInbound()
}

func (e *testEnv) onlyTicket(t *testing.T) Ticket {
	t.Helper()
	tickets := e.hub.ListTickets(TicketFilter{})
	if len(tickets) != 1 {
		t.Fatalf("expected exactly one ticket, got %d", len(tickets))
	}
	return tickets[0]
}

func fixedClock(start time.Time) func() time.Time {
	return func() time.Time { return start }
}
