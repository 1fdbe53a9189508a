package hub

import "time"

// Channel is the messaging network a session speaks to. Two adapter kinds
// serve the WhatsApp channel; Instagram and Facebook have one each.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
)

// AdapterKind identifies one concrete messaging-backend implementation.
type AdapterKind string

const (
	KindWAWeb     AdapterKind = "waweb"
	KindWACloud   AdapterKind = "wacloud"
	KindInstagram AdapterKind = "instagram"
	KindFacebook  AdapterKind = "facebook"
)

// SessionStatus is the transport-level connection state of a session.
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionQRReady      SessionStatus = "qr_ready"
	SessionConnected    SessionStatus = "connected"
	SessionError        SessionStatus = "error"
	SessionStopped      SessionStatus = "stopped"
)

// TicketStatus is the soft-delete lifecycle of a ticket, distinct from its
// human-workflow ChatStatus.
type TicketStatus string

const (
	TicketOpen    TicketStatus = "open"
	TicketPending TicketStatus = "pending"
	TicketClosed  TicketStatus = "closed"
	TicketDeleted TicketStatus = "deleted"
)

// ChatStatus is the ticket's position in the human-agent workflow.
type ChatStatus string

const (
	ChatWaiting  ChatStatus = "waiting"
	ChatAccepted ChatStatus = "accepted"
	ChatResolved ChatStatus = "resolved"
	ChatClosed   ChatStatus = "closed"
)

type SenderRole string

const (
	SenderContact SenderRole = "contact"
	SenderUser    SenderRole = "user"
	SenderSystem  SenderRole = "system"
)

type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageImage        MessageKind = "image"
	MessageAudio        MessageKind = "audio"
	MessageVideo        MessageKind = "video"
	MessageDocument     MessageKind = "document"
	MessageSticker      MessageKind = "sticker"
	MessageLocation     MessageKind = "location"
	MessagePoll         MessageKind = "poll"
	MessagePollResponse MessageKind = "poll_response"
)

// Session is a tenant's logical connection to one external messaging account.
// The adapter kind binding is sticky once set; only adapter status callbacks
// and the health supervisor mutate Status.
type Session struct {
	ID             int64         `json:"id"`
	TenantID       string        `json:"tenantId"`
	Key            string        `json:"key"`
	Channel        Channel       `json:"channel"`
	Kind           AdapterKind   `json:"kind"`
	Status         SessionStatus `json:"status"`
	DefaultQueueID *int64        `json:"defaultQueueId,omitempty"`
	QueueIDs       []int64       `json:"queueIds,omitempty"`
	BulkImport     bool          `json:"bulkImport,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Contact is one external identity on one channel+session, created lazily on
// the first inbound or outbound event that references it.
type Contact struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"sessionId"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"isGroup,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PollRef records the most recent outstanding poll on a ticket so inbound
// replies can be correlated to an option.
type PollRef struct {
	MessageID int64     `json:"messageId"`
	Options   []string  `json:"options"`
	AskedAt   time.Time `json:"askedAt"`
}

// Ticket is a conversation thread owned by exactly one session and at most
// one contact. At most one ticket with lifecycle open or pending may exist
// per (contact, session) pair.
type Ticket struct {
	ID           int64        `json:"id"`
	SessionID    int64        `json:"sessionId"`
	ContactID    int64        `json:"contactId"`
	ContactKey   string       `json:"contactKey"`
	QueueID      *int64       `json:"queueId,omitempty"`
	AgentID      *int64       `json:"agentId,omitempty"`
	Status       TicketStatus `json:"status"`
	ChatStatus   ChatStatus   `json:"chatStatus"`
	Unread       int          `json:"unread"`
	LastMessage  string       `json:"lastMessage,omitempty"`
	Protocol     string       `json:"protocol,omitempty"`
	SurveyScore  *int         `json:"surveyScore,omitempty"`
	PendingPoll  *PollRef     `json:"pendingPoll,omitempty"`
	GreetingSent bool         `json:"greetingSent,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ClosedAt     *time.Time   `json:"closedAt,omitempty"`
}

// Message is an immutable record tied to a ticket. Media fields are filled in
// asynchronously after download; a failed download leaves MediaError set and
// the message otherwise intact.
type Message struct {
	ID         int64       `json:"id"`
	TicketID   int64       `json:"ticketId"`
	Sender     SenderRole  `json:"sender"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body,omitempty"`
	MediaURL   string      `json:"mediaUrl,omitempty"`
	MediaPath  string      `json:"mediaPath,omitempty"`
	MediaMime  string      `json:"mediaMime,omitempty"`
	MediaError string      `json:"mediaError,omitempty"`
	PollOption *int        `json:"pollOption,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Queue is a routing bucket with its own automation flags. BotOrder controls
// the scan order during auto-assignment; StartHour/EndHour of 0/0 means the
// queue is always inside business hours.
type Queue struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	BotOrder    int    `json:"botOrder"`
	AutoReceive bool   `json:"autoReceiveMessages"`
	Greeting    string `json:"greeting,omitempty"`
	Farewell    string `json:"farewell,omitempty"`
	StartHour   int    `json:"startHour,omitempty"`
	EndHour     int    `json:"endHour,omitempty"`
}

// InboundEvent is the provider-agnostic envelope handed to the normalizer.
// Every field except the session reference and the conversation id is
// optional. RealAddress is an adapter-supplied hint that takes precedence
// over an anonymized ConversationID when deriving the contact key.
type InboundEvent struct {
	EnvelopeID     string   `json:"envelopeId,omitempty"`
	SessionID      int64    `json:"sessionId,omitempty"`
	SessionKey     string   `json:"sessionKey,omitempty"`
	DeliveryID     string   `json:"deliveryId,omitempty"`
	RawType        string   `json:"rawType,omitempty"`
	ConversationID string   `json:"conversationId"`
	RealAddress    string   `json:"realAddress,omitempty"`
	LegacyKeys     []string `json:"legacyKeys,omitempty"`
	GroupID        string   `json:"groupId,omitempty"`
	SenderName     string   `json:"senderName,omitempty"`
	Body           string   `json:"body,omitempty"`
	MediaURL       string   `json:"mediaUrl,omitempty"`
	MediaMime      string   `json:"mediaMime,omitempty"`
	ReceivedAt     string   `json:"receivedAt,omitempty"`
	CorrelationID  string   `json:"correlationId,omitempty"`
}

// IsGroup reports whether the event belongs to a group conversation.
func (ev InboundEvent) IsGroup() bool {
	return ev.GroupID != ""
}

type persistedState struct {
	SessionCtr    int64             `json:"sessionCtr"`
	ContactCtr    int64             `json:"contactCtr"`
	TicketCtr     int64             `json:"ticketCtr"`
	MessageCtr    int64             `json:"messageCtr"`
	QueueCtr      int64             `json:"queueCtr"`
	Sessions      []*Session        `json:"sessions"`
	Contacts      []*Contact        `json:"contacts"`
	Tickets       []*Ticket         `json:"tickets"`
	Messages      []*Message        `json:"messages"`
	Queues        []*Queue          `json:"queues"`
	DeliveryIndex map[string]string `json:"deliveryIndex,omitempty"`
	// Envelopes accepted but not yet normalized. They must survive a
	// restart together with the delivery index, or a redelivery of the
	// same deliveryId would be acked as a duplicate of a lost message.
	PendingEnvelopes []InboundEvent `json:"pendingEnvelopes,omitempty"`
}

func cloneSession(s *Session) Session {
	out := *s
	if s.DefaultQueueID != nil {
		v := *s.DefaultQueueID
		out.DefaultQueueID = &v
	}
	out.QueueIDs = append([]int64(nil), s.QueueIDs...)
	return out
}

func cloneContact(c *Contact) Contact {
	return *c
}

func cloneTicket(t *Ticket) Ticket {
	out := *t
	if t.QueueID != nil {
		v := *t.QueueID
		out.QueueID = &v
	}
	if t.AgentID != nil {
		v := *t.AgentID
		out.AgentID = &v
	}
	if t.SurveyScore != nil {
		v := *t.SurveyScore
		out.SurveyScore = &v
	}
	if t.PendingPoll != nil {
		p := *t.PendingPoll
		p.Options = append([]string(nil), t.PendingPoll.Options...)
		out.PendingPoll = &p
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		out.ClosedAt = &v
	}
	return out
}

func cloneMessage(m *Message) Message {
	out := *m
	if m.PollOption != nil {
		v := *m.PollOption
		out.PollOption = &v
	}
	return out
}
