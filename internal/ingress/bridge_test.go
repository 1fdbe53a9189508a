package ingress

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"github.com/deskforce/ticketrelay/internal/hub"
)

type fakeIngestor struct {
	events   []hub.InboundEvent
	err      error
	failBody string
	failErr  error
}

func (f *fakeIngestor) IngestInbound(ev hub.InboundEvent) (hub.QueuedResponse, error) {
	if f.err != nil {
		return hub.QueuedResponse{}, f.err
	}
	if f.failBody != "" && ev.Body == f.failBody {
		return hub.QueuedResponse{}, f.failErr
	}
	f.events = append(f.events, ev)
	return hub.QueuedResponse{Status: "queued", ID: ev.DeliveryID}, nil
}

type fakeGroupSession struct {
	marked []int64
}

func (s *fakeGroupSession) Claims() map[string][]int32               { return nil }
func (s *fakeGroupSession) MemberID() string                         { return "test-member" }
func (s *fakeGroupSession) GenerationID() int32                      { return 1 }
func (s *fakeGroupSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeGroupSession) Commit()                                  {}
func (s *fakeGroupSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeGroupSession) Context() context.Context                 { return context.Background() }

func (s *fakeGroupSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeGroupClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeGroupClaim) Topic() string                            { return "inbound" }
func (c *fakeGroupClaim) Partition() int32                         { return 0 }
func (c *fakeGroupClaim) InitialOffset() int64                     { return 0 }
func (c *fakeGroupClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeGroupClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newTestBridge(t *testing.T, ing Ingestor) *Bridge {
	t.Helper()
	validator, err := hub.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("NewEnvelopeValidator: %v", err)
	}
	return &Bridge{ingestor: ing, validator: validator}
}

func saramaMessage(value []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "inbound", Value: value}
}

func TestDecodeEnvelope(t *testing.T) {
	validator, err := hub.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("NewEnvelopeValidator: %v", err)
	}
	raw := []byte(`{"sessionKey":"acme-main","conversationId":"5511999@c.us","rawType":"chat","body":"hello","deliveryId":"d-1"}`)
	ev, err := DecodeEnvelope(validator, raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if ev.SessionKey != "acme-main" || ev.Body != "hello" || ev.DeliveryID != "d-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeEnvelopeRejectsBadPayloads(t *testing.T) {
	validator, err := hub.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("NewEnvelopeValidator: %v", err)
	}
	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"sessionKey":`},
		{"no session reference", `{"conversationId":"5511999@c.us"}`},
		{"unknown field", `{"sessionKey":"acme-main","conversationId":"x","bogus":true}`},
	}
	for _, tc := range cases {
		if _, err := DecodeEnvelope(validator, []byte(tc.raw)); !errors.Is(err, hub.ErrInvalidInput) {
			t.Fatalf("%s: got %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestHandleDeliversToIngestor(t *testing.T) {
	ing := &fakeIngestor{}
	b := newTestBridge(t, ing)
	raw := []byte(`{"sessionKey":"acme-main","conversationId":"5511999@c.us","body":"hi"}`)
	if err := b.handle(saramaMessage(raw)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ing.events) != 1 {
		t.Fatalf("got %d events, want 1", len(ing.events))
	}
	if ing.events[0].ConversationID != "5511999@c.us" {
		t.Fatalf("unexpected conversation: %q", ing.events[0].ConversationID)
	}
}

func TestHandleSurfacesIngestError(t *testing.T) {
	ing := &fakeIngestor{err: hub.ErrQueueFull}
	b := newTestBridge(t, ing)
	raw := []byte(`{"sessionKey":"acme-main","conversationId":"5511999@c.us","body":"hi"}`)
	err := b.handle(saramaMessage(raw))
	if !errors.Is(err, hub.ErrQueueFull) {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
	if permanent(err) {
		t.Fatalf("queue full must stay retryable")
	}
}

func TestConsumeClaimStopsAtTransientFailure(t *testing.T) {
	ing := &fakeIngestor{failBody: "flaky", failErr: hub.ErrQueueFull}
	b := newTestBridge(t, ing)

	claim := &fakeGroupClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "inbound", Offset: 1, Value: []byte(`{"sessionKey":"acme-main","conversationId":"c-1","body":"ok"}`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "inbound", Offset: 2, Value: []byte(`{"sessionKey":"acme-main","conversationId":"c-1","body":"flaky"}`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "inbound", Offset: 3, Value: []byte(`{"sessionKey":"acme-main","conversationId":"c-1","body":"late"}`)}
	close(claim.messages)

	sess := &fakeGroupSession{}
	if err := b.ConsumeClaim(sess, claim); !errors.Is(err, hub.ErrQueueFull) {
		t.Fatalf("expected the transient error surfaced, got %v", err)
	}
	// Only the message before the failure may be committed; anything later
	// would skip the failed offset permanently.
	if len(sess.marked) != 1 || sess.marked[0] != 1 {
		t.Fatalf("expected only offset 1 marked, got %v", sess.marked)
	}
	if len(ing.events) != 1 || ing.events[0].Body != "ok" {
		t.Fatalf("unexpected ingested events: %+v", ing.events)
	}
}

func TestConsumeClaimAcksPermanentFailures(t *testing.T) {
	ing := &fakeIngestor{}
	b := newTestBridge(t, ing)

	claim := &fakeGroupClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "inbound", Offset: 1, Value: []byte(`{"conversationId":"no-session"}`)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "inbound", Offset: 2, Value: []byte(`{"sessionKey":"acme-main","conversationId":"c-1","body":"ok"}`)}
	close(claim.messages)

	sess := &fakeGroupSession{}
	if err := b.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("permanent failures must not stop the claim: %v", err)
	}
	if len(sess.marked) != 2 {
		t.Fatalf("expected both offsets marked, got %v", sess.marked)
	}
	if len(ing.events) != 1 || ing.events[0].Body != "ok" {
		t.Fatalf("unexpected ingested events: %+v", ing.events)
	}
}

func TestPermanentErrorsAreAcked(t *testing.T) {
	if !permanent(hub.ErrInvalidInput) {
		t.Fatalf("invalid input should be permanent")
	}
	if !permanent(hub.ErrNotFound) {
		t.Fatalf("unknown session should be permanent")
	}
	if permanent(hub.ErrAdapterUnavailable) {
		t.Fatalf("adapter outage should be retryable")
	}
}
