package hub

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// CreateSessionRequest describes a connect request for a tenant account. The
// adapter preference is only honored for brand-new sessions; an existing key
// reuses its persisted binding.
type CreateSessionRequest struct {
	TenantID       string
	Key            string
	Channel        Channel
	Preference     AdapterKind
	DefaultQueueID *int64
	BulkImport     bool
}

// CreateSession binds a session to an adapter kind (selecting one for new
// keys), persists it, and opens the transport. An Open rejection leaves the
// session in the error state; the caller must not retry without backoff.
func (h *Hub) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return Session{}, fmt.Errorf("%w: session key required", ErrInvalidInput)
	}

	h.mu.Lock()
	id, exists := h.sessionByKey[key]
	var sess *Session
	if exists {
		sess = h.sessions[id]
	} else {
		if channelForKind(req.Preference) != "" && req.Channel == "" {
			req.Channel = channelForKind(req.Preference)
		}
		kind, err := h.registry.Select(req.Channel, req.Preference)
		if err != nil {
			h.mu.Unlock()
			return Session{}, err
		}
		sess = &Session{
			ID:             h.nextSessionIDLocked(),
			TenantID:       req.TenantID,
			Key:            key,
			Channel:        req.Channel,
			Kind:           kind,
			Status:         SessionDisconnected,
			DefaultQueueID: req.DefaultQueueID,
			BulkImport:     req.BulkImport,
			UpdatedAt:      h.now().UTC(),
		}
		h.sessions[sess.ID] = sess
		h.sessionByKey[key] = sess.ID
		_ = h.saveLocked()
	}
	h.mu.Unlock()

	if err := h.connectSession(ctx, key); err != nil {
		return h.sessionSnapshot(key), err
	}
	return h.sessionSnapshot(key), nil
}

// connectSession opens the adapter transport for a persisted session. The
// registry membership added up front is the guard against two concurrent
// opens for the same key.
func (h *Hub) connectSession(ctx context.Context, key string) error {
	h.mu.RLock()
	id, ok := h.sessionByKey[key]
	var kind AdapterKind
	if ok {
		kind = h.sessions[id].Kind
	}
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, key)
	}

	if !h.registry.Add(key, kind) {
		// Another connect for this key is live or in flight.
		return nil
	}

	adapter, found := h.adapters.Lookup(kind)
	if !found {
		h.registry.Remove(key, kind)
		h.setSessionStatus(key, SessionError)
		return fmt.Errorf("%w: no adapter registered for kind %q", ErrAdapterUnavailable, kind)
	}

	lock := h.sessionOpLock(key)
	lock.Lock()
	defer lock.Unlock()

	h.setSessionStatus(key, SessionConnecting)
	handle, err := adapter.Open(ctx, key, AdapterCallbacks{
		OnStatus:  h.handleAdapterStatus,
		OnInbound: h.handleAdapterInbound,
	})
	if err != nil {
		h.registry.Remove(key, kind)
		h.setSessionStatus(key, SessionError)
		return fmt.Errorf("open session %q on %s: %w", key, kind, err)
	}

	h.mu.Lock()
	h.handles[key] = handleEntry{kind: kind, handle: handle}
	h.mu.Unlock()
	return nil
}

// DeleteSession closes the transport, drops the registry membership and
// removes the persisted session. Tickets stay behind for history.
func (h *Hub) DeleteSession(key string) error {
	h.mu.Lock()
	id, ok := h.sessionByKey[key]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: session %q", ErrNotFound, key)
	}
	sess := h.sessions[id]
	kind := sess.Kind
	entry, hasHandle := h.handles[key]
	delete(h.handles, key)
	delete(h.sessions, id)
	delete(h.sessionByKey, key)
	_ = h.saveLocked()
	snap := cloneSession(sess)
	h.mu.Unlock()

	h.registry.Remove(key, kind)
	if hasHandle {
		lock := h.sessionOpLock(key)
		lock.Lock()
		if adapter, found := h.adapters.Lookup(entry.kind); found {
			if err := adapter.Close(entry.handle); err != nil {
				log.Printf("hub: closing session=%s: %v", key, err)
			}
		}
		lock.Unlock()
	}
	snap.Status = SessionStopped
	h.publish(ChannelBroadcast, EventSessionStatusUpdate, snap)
	return nil
}

// SessionStatus returns the persisted session by key.
func (h *Hub) SessionStatus(key string) (Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.sessionByKey[key]
	if !ok {
		return Session{}, fmt.Errorf("%w: session %q", ErrNotFound, key)
	}
	return cloneSession(h.sessions[id]), nil
}

func (h *Hub) ListSessions() []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) sessionSnapshot(key string) Session {
	snap, err := h.SessionStatus(key)
	if err != nil {
		return Session{Key: key}
	}
	return snap
}

// handleAdapterStatus is the adapter's status callback. Persisted status is
// mutated here and by the health supervisor only.
func (h *Hub) handleAdapterStatus(sessionKey string, status SessionStatus) {
	h.setSessionStatus(sessionKey, status)
}

func (h *Hub) setSessionStatus(sessionKey string, status SessionStatus) {
	h.mu.Lock()
	id, ok := h.sessionByKey[sessionKey]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess := h.sessions[id]
	if sess.Status == status {
		h.mu.Unlock()
		return
	}
	sess.Status = status
	sess.UpdatedAt = h.now().UTC()
	snap := cloneSession(sess)
	_ = h.saveLocked()
	h.mu.Unlock()

	h.publish(ChannelBroadcast, EventSessionStatusUpdate, snap)
}

func (h *Hub) handleAdapterInbound(ev InboundEvent) {
	if _, err := h.IngestInbound(ev); err != nil {
		log.Printf("hub: inbound event session=%s delivery=%s rejected: %v", ev.SessionKey, ev.DeliveryID, err)
	}
}

// sendThroughSession delivers text to a contact over the session's bound
// adapter, serialized against reconnects. With no live handle for the bound
// kind it tries the channel's alternate eligible kind once before
// surfacing AdapterUnavailable.
func (h *Hub) sendThroughSession(ctx context.Context, sess Session, to, text string) error {
	lock := h.sessionOpLock(sess.Key)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	entry, ok := h.handles[sess.Key]
	h.mu.RUnlock()

	if ok {
		if adapter, found := h.adapters.Lookup(entry.kind); found {
			if err := adapter.SendText(ctx, entry.handle, to, text); err == nil {
				return nil
			} else if alt := alternateKind(sess.Channel, entry.kind); alt == "" {
				return fmt.Errorf("send via %s session=%s: %w", entry.kind, sess.Key, err)
			}
		}
	}
	return h.sendViaAlternate(ctx, sess, to, text)
}

func (h *Hub) sendViaAlternate(ctx context.Context, sess Session, to, text string) error {
	alt := alternateKind(sess.Channel, sess.Kind)
	if alt == "" {
		return fmt.Errorf("%w: no live handle for session %q (kind %s)", ErrAdapterUnavailable, sess.Key, sess.Kind)
	}
	adapter, found := h.adapters.Lookup(alt)
	if !found {
		return fmt.Errorf("%w: no live handle for session %q and alternate kind %s unregistered", ErrAdapterUnavailable, sess.Key, alt)
	}
	handle, err := adapter.Open(ctx, sess.Key, AdapterCallbacks{
		OnStatus:  h.handleAdapterStatus,
		OnInbound: h.handleAdapterInbound,
	})
	if err != nil {
		return fmt.Errorf("%w: alternate %s open failed: %v", ErrAdapterUnavailable, alt, err)
	}
	if err := adapter.SendText(ctx, handle, to, text); err != nil {
		_ = adapter.Close(handle)
		return fmt.Errorf("send via alternate %s session=%s: %w", alt, sess.Key, err)
	}
	_ = adapter.Close(handle)
	return nil
}

func (h *Hub) sendMediaThroughSession(ctx context.Context, sess Session, to string, data []byte, mime string) error {
	lock := h.sessionOpLock(sess.Key)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	entry, ok := h.handles[sess.Key]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no live handle for session %q", ErrAdapterUnavailable, sess.Key)
	}
	adapter, found := h.adapters.Lookup(entry.kind)
	if !found {
		return fmt.Errorf("%w: kind %s unregistered", ErrAdapterUnavailable, entry.kind)
	}
	return adapter.SendMedia(ctx, entry.handle, to, data, mime)
}

// AddQueue registers a routing queue. Queue administration proper lives
// outside the core; this is the minimal surface the router needs.
func (h *Hub) AddQueue(q Queue) Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q.ID = h.nextQueueIDLocked()
	stored := q
	h.queues[q.ID] = &stored
	_ = h.saveLocked()
	return q
}

// AttachQueue binds a queue to a session, optionally as the session default.
func (h *Hub) AttachQueue(sessionKey string, queueID int64, asDefault bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.sessionByKey[sessionKey]
	if !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, sessionKey)
	}
	if _, ok := h.queues[queueID]; !ok {
		return fmt.Errorf("%w: queue %d", ErrNotFound, queueID)
	}
	sess := h.sessions[id]
	for _, existing := range sess.QueueIDs {
		if existing == queueID {
			if asDefault {
				sess.DefaultQueueID = &queueID
			}
			_ = h.saveLocked()
			return nil
		}
	}
	sess.QueueIDs = append(sess.QueueIDs, queueID)
	if asDefault {
		sess.DefaultQueueID = &queueID
	}
	_ = h.saveLocked()
	return nil
}
