package hub

import (
	"sort"
	"time"
)

// assignQueueLocked routes a ticket into a queue and runs the auxiliary
// rules. An already-queued ticket is never reassigned; re-running is a
// no-op apart from a pending greeting. Returns the deferred side-effect
// sends. Call with h.mu held.
func (h *Hub) assignQueueLocked(t *Ticket, sess Session) []func() {
	if t.QueueID == nil {
		if id, ok := h.pickQueueLocked(sess); ok {
			t.QueueID = &id
		}
	}
	return h.queueAuxRulesLocked(t, sess)
}

// pickQueueLocked scans the session's queues in bot order and takes the
// first one accepting messages automatically, falling back to the session
// default.
func (h *Hub) pickQueueLocked(sess Session) (int64, bool) {
	queues := make([]*Queue, 0, len(sess.QueueIDs))
	for _, id := range sess.QueueIDs {
		if q, ok := h.queues[id]; ok {
			queues = append(queues, q)
		}
	}
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].BotOrder != queues[j].BotOrder {
			return queues[i].BotOrder < queues[j].BotOrder
		}
		return queues[i].ID < queues[j].ID
	})
	for _, q := range queues {
		if q.AutoReceive {
			return q.ID, true
		}
	}
	if sess.DefaultQueueID != nil {
		if _, ok := h.queues[*sess.DefaultQueueID]; ok {
			return *sess.DefaultQueueID, true
		}
	}
	return 0, false
}

// queueAuxRulesLocked runs the per-queue automation that applies on every
// inbound event: today that is the one-time greeting, held back outside the
// queue's business hours.
func (h *Hub) queueAuxRulesLocked(t *Ticket, sess Session) []func() {
	if t.QueueID == nil || t.GreetingSent {
		return nil
	}
	q, ok := h.queues[*t.QueueID]
	if !ok || q.Greeting == "" {
		return nil
	}
	if !withinBusinessHours(q, h.now()) {
		return nil
	}
	t.GreetingSent = true
	return []func(){h.systemSendLocked(sess, t, q.Greeting)}
}

// withinBusinessHours checks the queue's open window. 0/0 means always
// open; an end hour before the start hour wraps past midnight.
func withinBusinessHours(q *Queue, now time.Time) bool {
	if q.StartHour == 0 && q.EndHour == 0 {
		return true
	}
	hour := now.Hour()
	if q.StartHour <= q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}
