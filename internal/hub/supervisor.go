package hub

import (
	"context"
	"log"
	"time"
)

// StartSupervisor launches the reconnect burst and the periodic health
// sweep. Both stop when ctx is done or the hub closes.
func (h *Hub) StartSupervisor(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.StartupBurst(ctx)

		ticker := time.NewTicker(healthSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.closed:
				return
			case <-ticker.C:
				h.RunHealthPass(ctx)
			}
		}
	}()
}

// StartupBurst runs two guaranteed health passes, then up to five more
// spaced out, stopping early once every eligible session is live. Sessions
// that stay down after the burst are left to the periodic sweep.
func (h *Hub) StartupBurst(ctx context.Context) {
	passes := 2 + startupBurstExtras
	for i := 0; i < passes; i++ {
		if i >= 2 && h.allEligibleLive() {
			return
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.closed:
				return
			case <-time.After(startupBurstSpacing):
			}
		}
		h.RunHealthPass(ctx)
	}
}

func (h *Hub) allEligibleLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if !sessionEligible(s) {
			continue
		}
		if !h.registry.Contains(s.Key, s.Kind) {
			return false
		}
	}
	return true
}

// sessionEligible reports whether the supervisor should keep this session
// connected: it was connected or connecting when last persisted, or it is
// flagged for bulk import.
func sessionEligible(s *Session) bool {
	return s.Status == SessionConnected || s.Status == SessionConnecting || s.BulkImport
}

// RunHealthPass checks every persisted session once. A failure on one
// session never blocks the rest of the pass.
func (h *Hub) RunHealthPass(ctx context.Context) {
	h.mu.RLock()
	keys := make([]string, 0, len(h.sessions))
	for _, s := range h.sessions {
		keys = append(keys, s.Key)
	}
	h.mu.RUnlock()

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return
		case <-h.closed:
			return
		default:
		}
		h.checkSession(ctx, key)
	}
}

// ScheduleHealthCheck runs one session's check in the background, collapsing
// overlapping requests for the same key.
func (h *Hub) ScheduleHealthCheck(key string) {
	h.healthMu.Lock()
	if _, busy := h.checking[key]; busy {
		h.healthMu.Unlock()
		return
	}
	h.checking[key] = struct{}{}
	h.healthMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.healthMu.Lock()
			delete(h.checking, key)
			h.healthMu.Unlock()
		}()
		h.checkSession(h.queueCtx, key)
	}()
}

// checkSession probes one session's live handle and reconciles. A dead
// handle is demoted first, dropping the registry membership so the
// reconnect guard lets the follow-up connect through.
func (h *Hub) checkSession(ctx context.Context, key string) {
	h.mu.RLock()
	id, ok := h.sessionByKey[key]
	if !ok {
		h.mu.RUnlock()
		return
	}
	sess := cloneSession(h.sessions[id])
	entry, hasHandle := h.handles[key]
	h.mu.RUnlock()

	if hasHandle {
		adapter, found := h.adapters.Lookup(entry.kind)
		if found {
			switch adapter.Status(entry.handle) {
			case SessionConnected, SessionConnecting, SessionQRReady:
				if sess.Status != SessionConnected {
					h.setSessionStatus(key, SessionConnected)
				}
				return
			}
		}
		h.demoteSession(key, entry)
		sess.Status = SessionDisconnected
	}

	// Sessions that errored on open or were stopped on purpose wait for an
	// explicit reconnect; bulk-import sessions always come back.
	if (sess.Status == SessionError || sess.Status == SessionStopped) && !sess.BulkImport {
		return
	}
	if h.registry.Contains(key, sess.Kind) {
		// A connect for this key is already in flight.
		return
	}
	if err := h.connectSession(ctx, key); err != nil {
		log.Printf("hub: health reconnect session=%s: %v", key, err)
	}
}

// demoteSession drops a dead handle: close the transport, release the
// registry membership, mark the session disconnected.
func (h *Hub) demoteSession(key string, entry handleEntry) {
	h.mu.Lock()
	current, ok := h.handles[key]
	if !ok || current.handle != entry.handle {
		h.mu.Unlock()
		return
	}
	delete(h.handles, key)
	h.mu.Unlock()

	h.registry.Remove(key, entry.kind)
	if adapter, found := h.adapters.Lookup(entry.kind); found {
		if err := adapter.Close(entry.handle); err != nil {
			log.Printf("hub: closing dead handle session=%s: %v", key, err)
		}
	}
	h.setSessionStatus(key, SessionDisconnected)
}
