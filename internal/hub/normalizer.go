package hub

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// unreadableBody stands in for payload shapes the type tables do not know;
// the event still lands as a text message instead of failing.
const unreadableBody = "[unsupported message]"

const lastMessagePreviewLen = 120

// providerTypeTables maps each adapter kind's raw event types onto the
// canonical message kinds. Anything missing falls back to text.
var providerTypeTables = map[AdapterKind]map[string]MessageKind{
	KindWAWeb: {
		"chat":     MessageText,
		"text":     MessageText,
		"image":    MessageImage,
		"ptt":      MessageAudio,
		"audio":    MessageAudio,
		"video":    MessageVideo,
		"document": MessageDocument,
		"sticker":  MessageSticker,
		"location": MessageLocation,
		"poll":     MessagePoll,
	},
	KindWACloud: {
		"text":        MessageText,
		"image":       MessageImage,
		"audio":       MessageAudio,
		"voice":       MessageAudio,
		"video":       MessageVideo,
		"document":    MessageDocument,
		"sticker":     MessageSticker,
		"location":    MessageLocation,
		"interactive": MessagePoll,
	},
	KindInstagram: {
		"text":        MessageText,
		"image":       MessageImage,
		"video":       MessageVideo,
		"story_reply": MessageText,
		"share":       MessageText,
	},
	KindFacebook: {
		"text":       MessageText,
		"image":      MessageImage,
		"audio":      MessageAudio,
		"video":      MessageVideo,
		"attachment": MessageDocument,
	},
}

func classifyMessage(kind AdapterKind, rawType string) MessageKind {
	table, ok := providerTypeTables[kind]
	if !ok {
		return MessageText
	}
	if mapped, ok := table[strings.ToLower(strings.TrimSpace(rawType))]; ok {
		return mapped
	}
	return MessageText
}

// deriveContactKey picks the canonical contact identity for an event: the
// group id for group conversations, otherwise the adapter-supplied real
// address when present, otherwise the conversation id.
func deriveContactKey(ev InboundEvent) string {
	if ev.IsGroup() {
		return ev.GroupID
	}
	if ev.RealAddress != "" {
		return ev.RealAddress
	}
	return ev.ConversationID
}

// QueuedResponse acknowledges an accepted (or deduplicated) inbound event.
type QueuedResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// IngestInbound accepts a provider event for asynchronous normalization.
// The owning session may be referenced by persisted id or external key.
// Duplicate deliveries (same session + delivery id) are acknowledged without
// requeueing.
func (h *Hub) IngestInbound(ev InboundEvent) (QueuedResponse, error) {
	sess, err := h.resolveEventSession(ev)
	if err != nil {
		return QueuedResponse{}, err
	}
	if strings.TrimSpace(ev.ConversationID) == "" && !ev.IsGroup() {
		return QueuedResponse{}, fmt.Errorf("%w: inbound event needs a conversation or group id", ErrInvalidInput)
	}
	ev.SessionID = sess.ID
	ev.SessionKey = sess.Key
	if ev.EnvelopeID == "" {
		ev.EnvelopeID = uuid.NewString()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	h.mu.Lock()
	if ev.DeliveryID != "" {
		key := deliveryKey(sess.Key, ev.DeliveryID)
		if existing, ok := h.deliveryIndex[key]; ok {
			h.mu.Unlock()
			return QueuedResponse{Status: "duplicate", ID: existing, CorrelationID: ev.CorrelationID}, nil
		}
		h.deliveryIndex[key] = ev.EnvelopeID
	}
	h.envelopes[ev.EnvelopeID] = ev
	_ = h.saveLocked()
	h.mu.Unlock()

	if !h.enqueueInbound(ev.EnvelopeID) {
		h.mu.Lock()
		delete(h.envelopes, ev.EnvelopeID)
		if ev.DeliveryID != "" {
			delete(h.deliveryIndex, deliveryKey(sess.Key, ev.DeliveryID))
		}
		_ = h.saveLocked()
		h.mu.Unlock()
		return QueuedResponse{}, fmt.Errorf("%w: inbound queue at capacity", ErrQueueFull)
	}
	return QueuedResponse{Status: "accepted", ID: ev.EnvelopeID, CorrelationID: ev.CorrelationID}, nil
}

func deliveryKey(sessionKey, deliveryID string) string {
	return sessionKey + "|" + deliveryID
}

func (h *Hub) resolveEventSession(ev InboundEvent) (Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.SessionID != 0 {
		if sess, ok := h.sessions[ev.SessionID]; ok {
			return cloneSession(sess), nil
		}
	}
	if ev.SessionKey != "" {
		if id, ok := h.sessionByKey[ev.SessionKey]; ok {
			return cloneSession(h.sessions[id]), nil
		}
	}
	return Session{}, fmt.Errorf("%w: inbound event session id=%d key=%q", ErrNotFound, ev.SessionID, ev.SessionKey)
}

func (h *Hub) enqueueInbound(envelopeID string) bool {
	select {
	case <-h.closed:
		return false
	default:
	}
	h.queueMu.Lock()
	if _, exists := h.queuedInbound[envelopeID]; exists {
		h.queueMu.Unlock()
		return true
	}
	h.queuedInbound[envelopeID] = struct{}{}
	h.queueMu.Unlock()
	if h.inboundQueue.TryEnqueue(envelopeID) {
		return true
	}
	h.queueMu.Lock()
	delete(h.queuedInbound, envelopeID)
	h.queueMu.Unlock()
	return false
}

func (h *Hub) inboundWorker() {
	for {
		envelopeID, ok := h.inboundQueue.Dequeue(h.queueCtx)
		if !ok {
			return
		}
		h.queueMu.Lock()
		delete(h.queuedInbound, envelopeID)
		h.queueMu.Unlock()
		h.processInbound(envelopeID)
	}
}

// DrainInbound processes everything currently queued, synchronously. Tests
// and the Kafka bridge use it when workers are disabled.
func (h *Hub) DrainInbound() {
	for {
		if h.inboundQueue.Depth() == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(h.queueCtx, time.Second)
		envelopeID, ok := h.inboundQueue.Dequeue(ctx)
		cancel()
		if !ok {
			return
		}
		h.queueMu.Lock()
		delete(h.queuedInbound, envelopeID)
		h.queueMu.Unlock()
		h.processInbound(envelopeID)
	}
}

// processInbound runs the full normalization pipeline for one envelope. The
// resolve-or-create steps execute as one unit under the per-(contact,
// session) slot so two concurrent events cannot mint duplicate tickets.
// Failures are logged with ids and never abort other envelopes.
func (h *Hub) processInbound(envelopeID string) {
	h.mu.RLock()
	ev, ok := h.envelopes[envelopeID]
	done := h.processedEnvs[envelopeID]
	h.mu.RUnlock()
	if !ok || done {
		return
	}

	sess, err := h.resolveEventSession(ev)
	if err != nil {
		log.Printf("hub: envelope=%s dropped: %v", envelopeID, err)
		return
	}

	contactKey := deriveContactKey(ev)
	release := h.acquireChatSlot(contactIndexKey(contactKey, sess.ID))
	defer release()

	h.mu.Lock()
	postCommit := h.applyInboundLocked(sess, ev, contactKey)
	h.processedEnvs[envelopeID] = true
	delete(h.envelopes, envelopeID)
	_ = h.saveLocked()
	h.mu.Unlock()

	for _, fn := range postCommit {
		fn()
	}
}

// applyInboundLocked is steps 3-9 of the pipeline. It returns the
// fire-and-forget work (publishes, media download, side-effect sends, the
// full ticket-list broadcast) to run after the state is committed.
func (h *Hub) applyInboundLocked(sess Session, ev InboundEvent, contactKey string) []func() {
	var postCommit []func()

	kind := classifyMessage(sess.Kind, ev.RawType)
	body := ev.Body
	if body == "" && ev.MediaURL == "" {
		body = unreadableBody
	}

	contact, created := h.resolveContactLocked(sess.ID, contactKey, ev)
	if created {
		snap := cloneContact(contact)
		postCommit = append(postCommit, func() {
			h.publish(ChannelBroadcast, EventContactUpdated, snap)
		})
	}

	ticket, matchedKey := h.findOpenTicketLocked(sess.ID, append([]string{contactKey}, ev.LegacyKeys...))
	if ticket != nil && matchedKey != contactKey && contactKey != "" {
		// A better identity is now known; migrate the stored key in place.
		ticket.ContactKey = contactKey
		ticket.ContactID = contact.ID
	}

	now := h.now().UTC()
	surveyReply := false
	if ticket == nil {
		ticket = &Ticket{
			ID:         h.nextTicketIDLocked(),
			SessionID:  sess.ID,
			ContactID:  contact.ID,
			ContactKey: contactKey,
			QueueID:    cloneQueueRef(sess.DefaultQueueID),
			Status:     TicketOpen,
			ChatStatus: ChatWaiting,
			Unread:     1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		h.tickets[ticket.ID] = ticket
		postCommit = append(postCommit, h.assignQueueLocked(ticket, sess)...)
	} else {
		surveyScore, isSurvey := surveyReplyScore(ticket, ev.Body)
		switch {
		case isSurvey:
			surveyReply = true
			postCommit = append(postCommit, h.captureSurveyLocked(ticket, sess, contactKey, surveyScore)...)
		case ticket.ChatStatus == ChatResolved || ticket.ChatStatus == ChatClosed:
			// Implicit reopen.
			ticket.ChatStatus = ChatWaiting
			ticket.Unread++
		default:
			ticket.Unread++
			if ticket.AgentID == nil {
				ticket.ChatStatus = ChatWaiting
			}
		}
		if !surveyReply {
			postCommit = append(postCommit, h.assignQueueLocked(ticket, sess)...)
		}
	}
	ticket.LastMessage = previewOf(body)
	ticket.UpdatedAt = now

	msg := &Message{
		ID:        h.nextMessageIDLocked(),
		TicketID:  ticket.ID,
		Sender:    SenderContact,
		Kind:      kind,
		Body:      body,
		MediaURL:  ev.MediaURL,
		MediaMime: ev.MediaMime,
		CreatedAt: now,
	}
	if option, ok := h.matchPollReplyLocked(ticket, ev.Body, now); ok {
		msg.Kind = MessagePollResponse
		msg.PollOption = &option
	}
	h.messages[ticket.ID] = append(h.messages[ticket.ID], msg)

	ticketSnap := cloneTicket(ticket)
	msgSnap := cloneMessage(msg)
	contactSnap := cloneContact(contact)
	postCommit = append(postCommit, func() {
		payload := map[string]any{"ticket": ticketSnap, "message": msgSnap, "contact": contactSnap}
		h.publishTicket(ticketSnap.ID, EventNewMessage, payload)
	})
	if msg.MediaURL != "" {
		postCommit = append(postCommit, func() { h.downloadMedia(msgSnap) })
	}
	postCommit = append(postCommit, func() { go h.broadcastTicketList() })
	return postCommit
}

func cloneQueueRef(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func previewOf(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= lastMessagePreviewLen {
		return body
	}
	// Back off to a rune boundary so the cut never leaves invalid UTF-8.
	cut := lastMessagePreviewLen
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}

func (h *Hub) resolveContactLocked(sessionID int64, contactKey string, ev InboundEvent) (*Contact, bool) {
	idx := contactIndexKey(contactKey, sessionID)
	if id, ok := h.contactIndex[idx]; ok {
		contact := h.contacts[id]
		if ev.SenderName != "" && contact.Name != ev.SenderName && !ev.IsGroup() {
			contact.Name = ev.SenderName
			contact.UpdatedAt = h.now().UTC()
		}
		return contact, false
	}
	contact := &Contact{
		ID:        h.nextContactIDLocked(),
		SessionID: sessionID,
		Key:       contactKey,
		Name:      ev.SenderName,
		IsGroup:   ev.IsGroup(),
		UpdatedAt: h.now().UTC(),
	}
	h.contacts[contact.ID] = contact
	h.contactIndex[idx] = contact.ID
	return contact, true
}

// findOpenTicketLocked returns the most-recently-updated ticket with
// lifecycle open or pending for any of the candidate contact keys on the
// session, plus the key it matched under.
func (h *Hub) findOpenTicketLocked(sessionID int64, keys []string) (*Ticket, string) {
	keySet := map[string]struct{}{}
	for _, key := range keys {
		if key != "" {
			keySet[key] = struct{}{}
		}
	}
	var best *Ticket
	for _, t := range h.tickets {
		if t.SessionID != sessionID {
			continue
		}
		if t.Status != TicketOpen && t.Status != TicketPending {
			continue
		}
		if _, ok := keySet[t.ContactKey]; !ok {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ""
	}
	return best, best.ContactKey
}

// surveyReplyScore reports whether body is a bare numeric satisfaction reply
// for a ticket sitting in resolved or closed.
func surveyReplyScore(t *Ticket, body string) (int, bool) {
	if t.ChatStatus != ChatResolved && t.ChatStatus != ChatClosed {
		return 0, false
	}
	score, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || score < 0 || score > 10 {
		return 0, false
	}
	return score, true
}

// matchPollReplyLocked correlates an inbound text against the ticket's
// outstanding poll: a 1-based option index or an exact case-insensitive
// label match wins. A match consumes the poll.
func (h *Hub) matchPollReplyLocked(t *Ticket, body string, now time.Time) (int, bool) {
	if t.PendingPoll == nil || len(t.PendingPoll.Options) == 0 {
		return 0, false
	}
	if now.Sub(t.PendingPoll.AskedAt) > h.pollWindow {
		return 0, false
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return 0, false
	}
	if index, err := strconv.Atoi(trimmed); err == nil {
		if index >= 1 && index <= len(t.PendingPoll.Options) {
			t.PendingPoll = nil
			return index, true
		}
		return 0, false
	}
	for i, option := range t.PendingPoll.Options {
		if strings.EqualFold(option, trimmed) {
			t.PendingPoll = nil
			return i + 1, true
		}
	}
	return 0, false
}

// downloadMedia fetches a message's media asynchronously. A failed download
// leaves the message text intact and only records the error.
func (h *Hub) downloadMedia(msg Message) {
	ctx, cancel := context.WithTimeout(h.queueCtx, 30*time.Second)
	defer cancel()
	data, mimeType, err := h.mediaFetch(ctx, msg.MediaURL)

	h.mu.Lock()
	stored := h.findMessageLocked(msg.TicketID, msg.ID)
	if stored == nil {
		h.mu.Unlock()
		return
	}
	if err != nil {
		stored.MediaError = err.Error()
		snap := cloneMessage(stored)
		_ = h.saveLocked()
		h.mu.Unlock()
		log.Printf("hub: media download ticket=%d message=%d url=%s: %v", msg.TicketID, msg.ID, msg.MediaURL, err)
		h.publishTicket(snap.TicketID, EventMessageUpdate, map[string]any{"message": snap})
		return
	}
	if mimeType == "" {
		mimeType = msg.MediaMime
	}
	path, writeErr := h.storeMediaLocked(stored, data, mimeType)
	if writeErr != nil {
		stored.MediaError = writeErr.Error()
	} else {
		stored.MediaPath = path
		stored.MediaMime = mimeType
		stored.MediaError = ""
	}
	snap := cloneMessage(stored)
	_ = h.saveLocked()
	h.mu.Unlock()
	if writeErr != nil {
		log.Printf("hub: media store ticket=%d message=%d: %v", msg.TicketID, msg.ID, writeErr)
	}
	h.publishTicket(snap.TicketID, EventMessageUpdate, map[string]any{"message": snap})
}

func (h *Hub) storeMediaLocked(msg *Message, data []byte, mimeType string) (string, error) {
	dir := h.mediaDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "ticketrelay-media")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := ""
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%d%s", msg.TicketID, msg.ID, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (h *Hub) findMessageLocked(ticketID, messageID int64) *Message {
	for _, m := range h.messages[ticketID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// broadcastTicketList pushes the full ticket list to the broadcast channel.
// Strictly best-effort; a panic here must not take down the caller.
func (h *Hub) broadcastTicketList() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hub: ticket list broadcast panicked: %v", r)
		}
	}()
	tickets := h.ListTickets(TicketFilter{})
	h.publish(ChannelBroadcast, EventTicketsUpdate, map[string]any{"tickets": tickets})
}

// TicketFilter narrows ListTickets output.
type TicketFilter struct {
	SessionID  int64
	ChatStatus ChatStatus
	Status     TicketStatus
}

func (h *Hub) ListTickets(filter TicketFilter) []Ticket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Ticket, 0, len(h.tickets))
	for _, t := range h.tickets {
		if filter.SessionID != 0 && t.SessionID != filter.SessionID {
			continue
		}
		if filter.ChatStatus != "" && t.ChatStatus != filter.ChatStatus {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, cloneTicket(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTicket returns one ticket by id.
func (h *Hub) GetTicket(ticketID int64) (Ticket, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tickets[ticketID]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
	}
	return cloneTicket(t), nil
}

// ListMessages returns a ticket's messages in order.
func (h *Hub) ListMessages(ticketID int64) ([]Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.tickets[ticketID]; !ok {
		return nil, fmt.Errorf("%w: ticket %d", ErrNotFound, ticketID)
	}
	out := make([]Message, 0, len(h.messages[ticketID]))
	for _, m := range h.messages[ticketID] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}
