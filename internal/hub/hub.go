package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid state")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrQueueFull          = errors.New("queue full")
	ErrNotImplemented     = errors.New("not implemented")
)

const (
	defaultInboundWorkers = 4
	defaultPollWindow     = 10 * time.Minute
	healthSweepInterval   = 5 * time.Minute
	startupBurstSpacing   = 5 * time.Second
	startupBurstExtras    = 5
)

// MediaFetchFunc retrieves the bytes and mime type behind a media URL.
type MediaFetchFunc func(ctx context.Context, url string) ([]byte, string, error)

type Options struct {
	StateBackend    StateBackend
	InboundQueue    InboundQueue
	InboundWorkers  int
	InboundQueueCap int
	Adapters        *AdapterTable
	Notifier        Notifier
	KindLimits      map[AdapterKind]int
	ProtocolEnabled bool
	CredentialDir   string
	MediaDir        string
	PollWindow      time.Duration
	MediaFetch      MediaFetchFunc
	DisableWorkers  bool
	Now             func() time.Time
}

type handleEntry struct {
	kind   AdapterKind
	handle AdapterHandle
}

// Hub owns the orchestration state: sessions and their live transport
// handles, the canonical contact/ticket/message model, and the workers that
// drain the inbound queue. The persistence backend is authoritative; every
// in-memory index is rebuilt from it on startup.
type Hub struct {
	mu      sync.RWMutex
	queueMu sync.Mutex

	sessions      map[int64]*Session
	sessionByKey  map[string]int64
	contacts      map[int64]*Contact
	contactIndex  map[string]int64 // contactKey|sessionID -> contact id
	tickets       map[int64]*Ticket
	messages      map[int64][]*Message // ticket id -> ordered messages
	queues        map[int64]*Queue
	deliveryIndex map[string]string // sessionKey|deliveryID -> envelope id

	sessionCtr int64
	contactCtr int64
	ticketCtr  int64
	messageCtr int64
	queueCtr   int64

	envelopes      map[string]InboundEvent
	processedEnvs  map[string]bool
	queuedInbound  map[string]struct{}
	inboundQueue   InboundQueue
	inboundWorkers int

	chatSlotMu sync.Mutex
	chatSlots  map[string]chan struct{}

	sessionOpMu    sync.Mutex
	sessionOpLocks map[string]*sync.Mutex

	healthMu sync.Mutex
	checking map[string]struct{}

	registry     *Registry
	adapters     *AdapterTable
	handles      map[string]handleEntry
	stateBackend StateBackend
	notifier     Notifier

	protocolEnabled bool
	credentialDir   string
	mediaDir        string
	pollWindow      time.Duration
	mediaFetch      MediaFetchFunc
	now             func() time.Time

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func New(opts Options) *Hub {
	if opts.Adapters == nil {
		opts.Adapters = NewAdapterTable()
	}
	if opts.InboundWorkers <= 0 {
		opts.InboundWorkers = defaultInboundWorkers
	}
	if opts.PollWindow <= 0 {
		opts.PollWindow = defaultPollWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MediaFetch == nil {
		opts.MediaFetch = httpMediaFetch
	}
	if opts.InboundQueue == nil {
		opts.InboundQueue = NewInMemoryInboundQueue(opts.InboundQueueCap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions:        map[int64]*Session{},
		sessionByKey:    map[string]int64{},
		contacts:        map[int64]*Contact{},
		contactIndex:    map[string]int64{},
		tickets:         map[int64]*Ticket{},
		messages:        map[int64][]*Message{},
		queues:          map[int64]*Queue{},
		deliveryIndex:   map[string]string{},
		envelopes:       map[string]InboundEvent{},
		processedEnvs:   map[string]bool{},
		queuedInbound:   map[string]struct{}{},
		inboundQueue:    opts.InboundQueue,
		inboundWorkers:  opts.InboundWorkers,
		chatSlots:       map[string]chan struct{}{},
		sessionOpLocks:  map[string]*sync.Mutex{},
		checking:        map[string]struct{}{},
		registry:        NewRegistry(opts.KindLimits),
		adapters:        opts.Adapters,
		handles:         map[string]handleEntry{},
		stateBackend:    opts.StateBackend,
		notifier:        opts.Notifier,
		protocolEnabled: opts.ProtocolEnabled,
		credentialDir:   opts.CredentialDir,
		mediaDir:        opts.MediaDir,
		pollWindow:      opts.PollWindow,
		mediaFetch:      opts.MediaFetch,
		now:             opts.Now,
		closed:          make(chan struct{}),
		queueCtx:        ctx,
		queueCancel:     cancel,
	}

	if err := h.loadFromBackend(); err != nil {
		log.Printf("hub: loading persisted state failed: %v", err)
	}
	h.requeuePendingEnvelopes()

	if !opts.DisableWorkers {
		for i := 0; i < h.inboundWorkers; i++ {
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.inboundWorker()
			}()
		}
	}
	return h
}

// Close stops workers and the supervisor and closes any open adapter
// handles. Safe to call more than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.queueCancel()
		h.wg.Wait()
		if h.inboundQueue != nil {
			_ = h.inboundQueue.Close()
		}

		h.mu.Lock()
		entries := make(map[string]handleEntry, len(h.handles))
		for key, entry := range h.handles {
			entries[key] = entry
		}
		h.handles = map[string]handleEntry{}
		h.mu.Unlock()

		for key, entry := range entries {
			if adapter, ok := h.adapters.Lookup(entry.kind); ok {
				if err := adapter.Close(entry.handle); err != nil {
					log.Printf("hub: closing adapter handle session=%s kind=%s: %v", key, entry.kind, err)
				}
			}
		}
		if closer, ok := h.stateBackend.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

// Registry exposes the selector state for the HTTP surface and tests.
func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) loadFromBackend() error {
	if h.stateBackend == nil {
		return nil
	}
	snapshot, err := h.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionCtr = snapshot.SessionCtr
	h.contactCtr = snapshot.ContactCtr
	h.ticketCtr = snapshot.TicketCtr
	h.messageCtr = snapshot.MessageCtr
	h.queueCtr = snapshot.QueueCtr
	for _, s := range snapshot.Sessions {
		sess := cloneSession(s)
		h.sessions[sess.ID] = &sess
		h.sessionByKey[sess.Key] = sess.ID
	}
	for _, c := range snapshot.Contacts {
		contact := cloneContact(c)
		h.contacts[contact.ID] = &contact
		h.contactIndex[contactIndexKey(contact.Key, contact.SessionID)] = contact.ID
	}
	for _, t := range snapshot.Tickets {
		ticket := cloneTicket(t)
		h.tickets[ticket.ID] = &ticket
	}
	for _, m := range snapshot.Messages {
		msg := cloneMessage(m)
		h.messages[msg.TicketID] = append(h.messages[msg.TicketID], &msg)
	}
	for _, q := range snapshot.Queues {
		queue := *q
		h.queues[queue.ID] = &queue
	}
	for key, id := range snapshot.DeliveryIndex {
		h.deliveryIndex[key] = id
	}
	for _, ev := range snapshot.PendingEnvelopes {
		h.envelopes[ev.EnvelopeID] = ev
	}
	for _, byTicket := range h.messages {
		sort.Slice(byTicket, func(i, j int) bool { return byTicket[i].ID < byTicket[j].ID })
	}
	return nil
}

// requeuePendingEnvelopes puts every envelope restored from the snapshot
// back on the inbound queue. A durable queue may already hold some of these
// ids; the extra entries are no-ops once the envelope has been processed.
func (h *Hub) requeuePendingEnvelopes() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.envelopes))
	for id := range h.envelopes {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if !h.enqueueInbound(id) {
			log.Printf("hub: requeue pending envelope=%s: queue at capacity", id)
		}
	}
}

func (h *Hub) saveLocked() error {
	if h.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{
		SessionCtr:    h.sessionCtr,
		ContactCtr:    h.contactCtr,
		TicketCtr:     h.ticketCtr,
		MessageCtr:    h.messageCtr,
		QueueCtr:      h.queueCtr,
		DeliveryIndex: map[string]string{},
	}
	for _, s := range h.sessions {
		sess := cloneSession(s)
		snapshot.Sessions = append(snapshot.Sessions, &sess)
	}
	for _, c := range h.contacts {
		contact := cloneContact(c)
		snapshot.Contacts = append(snapshot.Contacts, &contact)
	}
	for _, t := range h.tickets {
		ticket := cloneTicket(t)
		snapshot.Tickets = append(snapshot.Tickets, &ticket)
	}
	for _, byTicket := range h.messages {
		for _, m := range byTicket {
			msg := cloneMessage(m)
			snapshot.Messages = append(snapshot.Messages, &msg)
		}
	}
	for _, q := range h.queues {
		queue := *q
		snapshot.Queues = append(snapshot.Queues, &queue)
	}
	for key, id := range h.deliveryIndex {
		snapshot.DeliveryIndex[key] = id
	}
	for _, ev := range h.envelopes {
		snapshot.PendingEnvelopes = append(snapshot.PendingEnvelopes, ev)
	}
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].ID < snapshot.Sessions[j].ID })
	sort.Slice(snapshot.Contacts, func(i, j int) bool { return snapshot.Contacts[i].ID < snapshot.Contacts[j].ID })
	sort.Slice(snapshot.Tickets, func(i, j int) bool { return snapshot.Tickets[i].ID < snapshot.Tickets[j].ID })
	sort.Slice(snapshot.Messages, func(i, j int) bool { return snapshot.Messages[i].ID < snapshot.Messages[j].ID })
	sort.Slice(snapshot.Queues, func(i, j int) bool { return snapshot.Queues[i].ID < snapshot.Queues[j].ID })
	sort.Slice(snapshot.PendingEnvelopes, func(i, j int) bool {
		return snapshot.PendingEnvelopes[i].EnvelopeID < snapshot.PendingEnvelopes[j].EnvelopeID
	})

	if err := h.stateBackend.Save(snapshot); err != nil {
		log.Printf("hub: persisting state failed: %v", err)
		return err
	}
	return nil
}

func (h *Hub) nextSessionIDLocked() int64 { h.sessionCtr++; return h.sessionCtr }
func (h *Hub) nextContactIDLocked() int64 { h.contactCtr++; return h.contactCtr }
func (h *Hub) nextTicketIDLocked() int64  { h.ticketCtr++; return h.ticketCtr }
func (h *Hub) nextMessageIDLocked() int64 { h.messageCtr++; return h.messageCtr }
func (h *Hub) nextQueueIDLocked() int64   { h.queueCtr++; return h.queueCtr }

func contactIndexKey(contactKey string, sessionID int64) string {
	return fmt.Sprintf("%s|%d", contactKey, sessionID)
}

func (h *Hub) publish(channel, event string, payload any) {
	if h.notifier == nil {
		return
	}
	h.notifier.Publish(channel, event, payload)
}

// publishTicket sends the same payload on the ticket-scoped channel and on
// the broadcast channel.
func (h *Hub) publishTicket(ticketID int64, event string, payload any) {
	h.publish(TicketChannel(ticketID), event, payload)
	h.publish(ChannelBroadcast, event, payload)
}

// sessionOpLock serializes open/close/send per session key so a send never
// races a reconnect.
func (h *Hub) sessionOpLock(key string) *sync.Mutex {
	h.sessionOpMu.Lock()
	defer h.sessionOpMu.Unlock()
	lock, ok := h.sessionOpLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.sessionOpLocks[key] = lock
	}
	return lock
}

// acquireChatSlot is the single-writer guard per (contact, session) key. It
// returns the release func; the caller holds the slot across the whole
// resolve-or-create unit of work.
func (h *Hub) acquireChatSlot(chatKey string) func() {
	h.chatSlotMu.Lock()
	slot, ok := h.chatSlots[chatKey]
	if !ok {
		slot = make(chan struct{}, 1)
		h.chatSlots[chatKey] = slot
	}
	h.chatSlotMu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-h.closed:
		return func() {}
	}
	return func() {
		select {
		case <-slot:
		default:
		}
	}
}

func httpMediaFetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
