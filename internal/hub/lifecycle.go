package hub

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	defaultGreeting  = "You are now connected with one of our agents."
	defaultFarewell  = "This conversation has been completed."
	surveyRequest    = "How would you rate our service? Reply with a number from 0 to 10."
	surveyThankYou   = "Thank you for your feedback!"
	protocolDateForm = "20060102"
)

// TransitionError reports an attempted workflow transition that the state
// machine does not permit.
type TransitionError struct {
	Action string
	From   ChatStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a ticket in chat status %q", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

func (h *Hub) lookupTicketLocked(ticketID int64) (*Ticket, error) {
	t, ok := h.tickets[ticketID]
	if !ok || t.Status == TicketDeleted {
		return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
	}
	return t, nil
}

func (h *Hub) sessionByIDLocked(sessionID int64) (Session, bool) {
	s, ok := h.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return cloneSession(s), true
}

// AcceptTicket assigns the ticket to an agent. Legal only from waiting. A
// ticket with no queue gets a greeting sent straight through the session;
// the greeting failing never fails the accept.
func (h *Hub) AcceptTicket(ctx context.Context, ticketID, agentID int64) (Ticket, error) {
	h.mu.Lock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Ticket{}, err
	}
	if t.Status == TicketClosed {
		h.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: ticket %d is closed", ErrInvalidState, ticketID)
	}
	if t.ChatStatus != ChatWaiting {
		h.mu.Unlock()
		return Ticket{}, &TransitionError{Action: "accept", From: t.ChatStatus}
	}

	t.AgentID = &agentID
	t.ChatStatus = ChatAccepted
	t.Unread = 0
	t.UpdatedAt = h.now().UTC()

	var postCommit []func()
	if t.QueueID == nil && !t.GreetingSent {
		t.GreetingSent = true
		if sess, ok := h.sessionByIDLocked(t.SessionID); ok {
			postCommit = append(postCommit, h.systemSendLocked(sess, t, defaultGreeting))
		}
	}
	snap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	for _, fn := range postCommit {
		fn()
	}
	h.publishTicket(snap.ID, EventTicketsUpdate, map[string]any{"ticket": snap})
	return snap, nil
}

// ResolveTicket moves an accepted ticket to resolved. Only the assigned
// agent may resolve. One combined farewell and survey-request message is
// recorded and sent; its delivery failing never rolls back the resolve.
func (h *Hub) ResolveTicket(ctx context.Context, ticketID, agentID int64) (Ticket, error) {
	h.mu.Lock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Ticket{}, err
	}
	if t.ChatStatus != ChatAccepted {
		h.mu.Unlock()
		return Ticket{}, &TransitionError{Action: "resolve", From: t.ChatStatus}
	}
	if t.AgentID == nil || *t.AgentID != agentID {
		h.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: ticket %d is not assigned to agent %d", ErrInvalidState, ticketID, agentID)
	}

	t.ChatStatus = ChatResolved
	t.UpdatedAt = h.now().UTC()
	h.ensureProtocolLocked(t)

	var postCommit []func()
	if sess, ok := h.sessionByIDLocked(t.SessionID); ok {
		postCommit = append(postCommit, h.systemSendLocked(sess, t, h.farewellTextLocked(t)))
	}
	snap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	for _, fn := range postCommit {
		fn()
	}
	h.publishTicket(snap.ID, EventTicketsUpdate, map[string]any{"ticket": snap})
	return snap, nil
}

// CloseTicket ends the ticket from any non-closed state. An unassigned
// ticket records the closer as its agent.
func (h *Hub) CloseTicket(ctx context.Context, ticketID, agentID int64) (Ticket, error) {
	h.mu.Lock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Ticket{}, err
	}
	if t.ChatStatus == ChatClosed || t.Status == TicketClosed {
		h.mu.Unlock()
		return Ticket{}, &TransitionError{Action: "close", From: t.ChatStatus}
	}
	if t.AgentID != nil && *t.AgentID != agentID {
		h.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: ticket %d is not assigned to agent %d", ErrInvalidState, ticketID, agentID)
	}
	if t.AgentID == nil {
		t.AgentID = &agentID
	}

	now := h.now().UTC()
	t.ChatStatus = ChatClosed
	t.Status = TicketClosed
	t.Unread = 0
	t.UpdatedAt = now
	t.ClosedAt = &now
	h.ensureProtocolLocked(t)

	var postCommit []func()
	if sess, ok := h.sessionByIDLocked(t.SessionID); ok {
		postCommit = append(postCommit, h.systemSendLocked(sess, t, h.farewellTextLocked(t)))
	}
	snap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	for _, fn := range postCommit {
		fn()
	}
	h.publishTicket(snap.ID, EventTicketsUpdate, map[string]any{"ticket": snap})
	return snap, nil
}

// ensureProtocolLocked stamps a protocol code once, date plus the padded
// ticket id, when the feature is enabled.
func (h *Hub) ensureProtocolLocked(t *Ticket) {
	if !h.protocolEnabled || t.Protocol != "" {
		return
	}
	t.Protocol = fmt.Sprintf("%s%06d", h.now().UTC().Format(protocolDateForm), t.ID)
}

// farewellTextLocked builds the single resolution message: the queue's
// farewell (or the default) followed by the survey request, plus the
// protocol code when one exists.
func (h *Hub) farewellTextLocked(t *Ticket) string {
	farewell := defaultFarewell
	if t.QueueID != nil {
		if q, ok := h.queues[*t.QueueID]; ok && q.Farewell != "" {
			farewell = q.Farewell
		}
	}
	parts := []string{farewell, surveyRequest}
	if t.Protocol != "" {
		parts = append(parts, "Protocol: "+t.Protocol)
	}
	return strings.Join(parts, "\n")
}

// systemSendLocked records a system message on the ticket and returns the
// deferred best-effort delivery. Call with h.mu held; run the returned func
// after releasing it.
func (h *Hub) systemSendLocked(sess Session, t *Ticket, body string) func() {
	msg := &Message{
		ID:        h.nextMessageIDLocked(),
		TicketID:  t.ID,
		Sender:    SenderSystem,
		Kind:      MessageText,
		Body:      body,
		CreatedAt: h.now().UTC(),
	}
	h.messages[t.ID] = append(h.messages[t.ID], msg)
	t.LastMessage = previewOf(body)

	msgSnap := cloneMessage(msg)
	to := t.ContactKey
	return func() {
		h.publishTicket(msgSnap.TicketID, EventNewMessage, map[string]any{"message": msgSnap})
		ctx, cancel := context.WithTimeout(h.queueCtx, 15*time.Second)
		defer cancel()
		if err := h.sendThroughSession(ctx, sess, to, body); err != nil {
			log.Printf("hub: system send ticket=%d session=%s: %v", msgSnap.TicketID, sess.Key, err)
		}
	}
}

// captureSurveyLocked records a bare numeric satisfaction reply. The first
// score wins and is acknowledged once; later numeric replies are dropped
// with no state change. Never reopens the ticket.
func (h *Hub) captureSurveyLocked(t *Ticket, sess Session, contactKey string, score int) []func() {
	if t.SurveyScore != nil {
		return nil
	}
	t.SurveyScore = &score
	t.UpdatedAt = h.now().UTC()
	return []func(){h.systemSendLocked(sess, t, surveyThankYou)}
}

// SendText delivers an operator reply on a ticket and records it. Unlike
// lifecycle side-effect sends, a delivery failure here surfaces to the
// caller and nothing is recorded.
func (h *Hub) SendText(ctx context.Context, ticketID, agentID int64, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, fmt.Errorf("%w: empty message body", ErrInvalidInput)
	}
	h.mu.RLock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.RUnlock()
		return Message{}, err
	}
	sess, ok := h.sessionByIDLocked(t.SessionID)
	to := t.ContactKey
	h.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: session %d for ticket %d", ErrNotFound, t.SessionID, ticketID)
	}

	if err := h.sendThroughSession(ctx, sess, to, text); err != nil {
		return Message{}, err
	}

	h.mu.Lock()
	t, err = h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Message{}, err
	}
	msg := &Message{
		ID:        h.nextMessageIDLocked(),
		TicketID:  t.ID,
		Sender:    SenderUser,
		Kind:      MessageText,
		Body:      text,
		CreatedAt: h.now().UTC(),
	}
	h.messages[t.ID] = append(h.messages[t.ID], msg)
	t.LastMessage = previewOf(text)
	t.Unread = 0
	t.UpdatedAt = msg.CreatedAt
	snap := cloneMessage(msg)
	ticketSnap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	h.publishTicket(snap.TicketID, EventNewMessage, map[string]any{"ticket": ticketSnap, "message": snap})
	return snap, nil
}

// SendMedia delivers media bytes on a ticket.
func (h *Hub) SendMedia(ctx context.Context, ticketID, agentID int64, data []byte, mimeType, caption string) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty media payload", ErrInvalidInput)
	}
	h.mu.RLock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.RUnlock()
		return Message{}, err
	}
	sess, ok := h.sessionByIDLocked(t.SessionID)
	to := t.ContactKey
	h.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: session %d for ticket %d", ErrNotFound, t.SessionID, ticketID)
	}

	if err := h.sendMediaThroughSession(ctx, sess, to, data, mimeType); err != nil {
		return Message{}, err
	}

	h.mu.Lock()
	t, err = h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Message{}, err
	}
	msg := &Message{
		ID:        h.nextMessageIDLocked(),
		TicketID:  t.ID,
		Sender:    SenderUser,
		Kind:      kindForMime(mimeType),
		Body:      caption,
		MediaMime: mimeType,
		CreatedAt: h.now().UTC(),
	}
	path, storeErr := h.storeMediaLocked(msg, data, mimeType)
	if storeErr != nil {
		msg.MediaError = storeErr.Error()
	} else {
		msg.MediaPath = path
	}
	h.messages[t.ID] = append(h.messages[t.ID], msg)
	t.LastMessage = previewOf(caption)
	t.Unread = 0
	t.UpdatedAt = msg.CreatedAt
	snap := cloneMessage(msg)
	ticketSnap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	h.publishTicket(snap.TicketID, EventNewMessage, map[string]any{"ticket": ticketSnap, "message": snap})
	return snap, nil
}

func kindForMime(mimeType string) MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MessageVideo
	default:
		return MessageDocument
	}
}

// SendPoll asks the contact a question with numbered options and arms the
// ticket's poll correlation window. A newer poll replaces the outstanding
// one.
func (h *Hub) SendPoll(ctx context.Context, ticketID, agentID int64, question string, options []string) (Message, error) {
	if strings.TrimSpace(question) == "" || len(options) < 2 {
		return Message{}, fmt.Errorf("%w: a poll needs a question and at least two options", ErrInvalidInput)
	}
	var b strings.Builder
	b.WriteString(question)
	for i, option := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, option)
	}
	body := b.String()

	h.mu.RLock()
	t, err := h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.RUnlock()
		return Message{}, err
	}
	sess, ok := h.sessionByIDLocked(t.SessionID)
	to := t.ContactKey
	h.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: session %d for ticket %d", ErrNotFound, t.SessionID, ticketID)
	}

	if err := h.sendThroughSession(ctx, sess, to, body); err != nil {
		return Message{}, err
	}

	h.mu.Lock()
	t, err = h.lookupTicketLocked(ticketID)
	if err != nil {
		h.mu.Unlock()
		return Message{}, err
	}
	msg := &Message{
		ID:        h.nextMessageIDLocked(),
		TicketID:  t.ID,
		Sender:    SenderUser,
		Kind:      MessagePoll,
		Body:      body,
		CreatedAt: h.now().UTC(),
	}
	h.messages[t.ID] = append(h.messages[t.ID], msg)
	t.PendingPoll = &PollRef{
		MessageID: msg.ID,
		Options:   append([]string(nil), options...),
		AskedAt:   msg.CreatedAt,
	}
	t.LastMessage = previewOf(question)
	t.UpdatedAt = msg.CreatedAt
	snap := cloneMessage(msg)
	ticketSnap := cloneTicket(t)
	_ = h.saveLocked()
	h.mu.Unlock()

	h.publishTicket(snap.TicketID, EventNewMessage, map[string]any{"ticket": ticketSnap, "message": snap})
	return snap, nil
}
