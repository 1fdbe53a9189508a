package hub

import (
	"strings"
	"testing"
	"time"
)

func TestAutoAssignScansBotOrder(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	manual := env.hub.AddQueue(Queue{Name: "Manual", BotOrder: 1, AutoReceive: false})
	support := env.hub.AddQueue(Queue{Name: "Support", BotOrder: 2, AutoReceive: true})
	sales := env.hub.AddQueue(Queue{Name: "Sales", BotOrder: 3, AutoReceive: true})
	for _, id := range []int64{manual.ID, support.ID, sales.ID} {
		if err := env.hub.AttachQueue("acme-main", id, false); err != nil {
			t.Fatalf("attach queue failed: %v", err)
		}
	}

	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hi"})
	ticket := env.onlyTicket(t)
	if ticket.QueueID == nil || *ticket.QueueID != support.ID {
		t.Fatalf("expected first auto-receive queue %d, got %+v", support.ID, ticket.QueueID)
	}
}

func TestAutoAssignFallsBackToSessionDefault(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	manual := env.hub.AddQueue(Queue{Name: "Manual", BotOrder: 1, AutoReceive: false})
	if err := env.hub.AttachQueue("acme-main", manual.ID, true); err != nil {
		t.Fatalf("attach queue failed: %v", err)
	}

	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hi"})
	ticket := env.onlyTicket(t)
	if ticket.QueueID == nil || *ticket.QueueID != manual.ID {
		t.Fatalf("expected session default queue %d, got %+v", manual.ID, ticket.QueueID)
	}
}

func TestAutoAssignNeverReassigns(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	first := env.hub.AddQueue(Queue{Name: "First", BotOrder: 2, AutoReceive: true})
	if err := env.hub.AttachQueue("acme-main", first.ID, false); err != nil {
		t.Fatalf("attach queue failed: %v", err)
	}
	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hi"})

	// A newer queue with a lower bot order must not steal the ticket.
	second := env.hub.AddQueue(Queue{Name: "Second", BotOrder: 1, AutoReceive: true})
	if err := env.hub.AttachQueue("acme-main", second.ID, false); err != nil {
		t.Fatalf("attach queue failed: %v", err)
	}
	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "still me"})

	ticket := env.onlyTicket(t)
	if ticket.QueueID == nil || *ticket.QueueID != first.ID {
		t.Fatalf("reassignment is forbidden, got %+v", ticket.QueueID)
	}
}

func TestQueueGreetingSentOnce(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	q := env.hub.AddQueue(Queue{Name: "Support", BotOrder: 1, AutoReceive: true, Greeting: "Welcome to support!"})
	if err := env.hub.AttachQueue("acme-main", q.ID, false); err != nil {
		t.Fatalf("attach queue failed: %v", err)
	}

	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hi"})
	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hello?"})

	var greetings int
	for _, rec := range env.waweb.Sent() {
		if strings.Contains(rec.Text, "Welcome to support!") {
			greetings++
		}
	}
	if greetings != 1 {
		t.Fatalf("greeting must go out exactly once, got %d", greetings)
	}
}

func TestQueueGreetingHeldOutsideBusinessHours(t *testing.T) {
	night := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(o *Options) { o.Now = fixedClock(night) })
	env.connect(t, "acme-main")
	q := env.hub.AddQueue(Queue{
		Name: "Support", BotOrder: 1, AutoReceive: true,
		Greeting: "Welcome!", StartHour: 9, EndHour: 18,
	})
	if err := env.hub.AttachQueue("acme-main", q.ID, false); err != nil {
		t.Fatalf("attach queue failed: %v", err)
	}

	env.inbound(t, InboundEvent{SessionKey: "acme-main", ConversationID: "c-1", Body: "hi"})
	for _, rec := range env.waweb.Sent() {
		if strings.Contains(rec.Text, "Welcome!") {
			t.Fatalf("greeting must be held outside business hours")
		}
	}
	ticket := env.onlyTicket(t)
	if ticket.QueueID == nil || *ticket.QueueID != q.ID {
		t.Fatalf("assignment still happens off-hours, got %+v", ticket.QueueID)
	}
}

func TestWithinBusinessHoursWrapsMidnight(t *testing.T) {
	q := &Queue{StartHour: 22, EndHour: 6}
	late := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !withinBusinessHours(q, late) || !withinBusinessHours(q, early) {
		t.Fatalf("overnight window should cover 23:00 and 03:00")
	}
	if withinBusinessHours(q, noon) {
		t.Fatalf("overnight window should exclude noon")
	}
}
