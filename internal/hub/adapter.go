package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AdapterHandle is an opaque reference to one live transport instance. Only
// the adapter that produced it knows what is inside.
type AdapterHandle interface{}

// AdapterCallbacks carries the hub's hooks into an adapter. Status
// transitions are emitted asynchronously after Open returns; inbound events
// may arrive on any goroutine.
type AdapterCallbacks struct {
	OnStatus  func(sessionKey string, status SessionStatus)
	OnInbound func(ev InboundEvent)
}

// ProviderAdapter is the uniform contract every messaging backend satisfies.
// Open persists transport credentials to the per-session private store and
// may reject outright (bad credentials, unreachable network); the caller
// marks the session errored and must not retry without backoff.
type ProviderAdapter interface {
	Kind() AdapterKind
	Open(ctx context.Context, sessionKey string, cb AdapterCallbacks) (AdapterHandle, error)
	SendText(ctx context.Context, handle AdapterHandle, to, text string) error
	SendMedia(ctx context.Context, handle AdapterHandle, to string, data []byte, mime string) error
	Close(handle AdapterHandle) error
	Status(handle AdapterHandle) SessionStatus
}

// AdapterTable is the enum-keyed strategy table mapping adapter kinds to
// implementations. Adding a channel backend is one Register call.
type AdapterTable struct {
	mu       sync.RWMutex
	adapters map[AdapterKind]ProviderAdapter
}

func NewAdapterTable(adapters ...ProviderAdapter) *AdapterTable {
	t := &AdapterTable{adapters: map[AdapterKind]ProviderAdapter{}}
	for _, a := range adapters {
		t.Register(a)
	}
	return t
}

func (t *AdapterTable) Register(a ProviderAdapter) {
	if t == nil || a == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters[a.Kind()] = a
}

func (t *AdapterTable) Lookup(kind AdapterKind) (ProviderAdapter, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.adapters[kind]
	return a, ok
}

func (t *AdapterTable) Kinds() []AdapterKind {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	kinds := make([]AdapterKind, 0, len(t.adapters))
	for kind := range t.adapters {
		kinds = append(kinds, kind)
	}
	return kinds
}

// eligibleKinds lists the adapter kinds that can serve a channel, in
// preference-neutral order.
func eligibleKinds(channel Channel) []AdapterKind {
	switch channel {
	case ChannelWhatsApp:
		return []AdapterKind{KindWAWeb, KindWACloud}
	case ChannelInstagram:
		return []AdapterKind{KindInstagram}
	case ChannelFacebook:
		return []AdapterKind{KindFacebook}
	default:
		return nil
	}
}

func channelForKind(kind AdapterKind) Channel {
	switch kind {
	case KindWAWeb, KindWACloud:
		return ChannelWhatsApp
	case KindInstagram:
		return ChannelInstagram
	case KindFacebook:
		return ChannelFacebook
	default:
		return ""
	}
}

// alternateKind returns the other eligible kind for the session's channel,
// or "" when the channel has no alternative backend.
func alternateKind(channel Channel, kind AdapterKind) AdapterKind {
	for _, candidate := range eligibleKinds(channel) {
		if candidate != kind {
			return candidate
		}
	}
	return ""
}

// MemoryAdapter is an in-process transport used by tests and the dev
// profile. Sessions connect immediately unless scripted otherwise, sends are
// recorded, and inbound traffic is injected through Deliver.
type MemoryAdapter struct {
	kind    AdapterKind
	credDir string

	mu       sync.Mutex
	handles  map[string]*memoryHandle
	sent     []SentRecord
	failOpen map[string]error
	failSend error
}

// SentRecord captures one outbound send for assertions.
type SentRecord struct {
	SessionKey string
	To         string
	Text       string
	Mime       string
	Media      bool
}

type memoryHandle struct {
	sessionKey string
	status     SessionStatus
	cb         AdapterCallbacks
}

func NewMemoryAdapter(kind AdapterKind, credDir string) *MemoryAdapter {
	return &MemoryAdapter{
		kind:     kind,
		credDir:  credDir,
		handles:  map[string]*memoryHandle{},
		failOpen: map[string]error{},
	}
}

func (a *MemoryAdapter) Kind() AdapterKind { return a.kind }

func (a *MemoryAdapter) Open(ctx context.Context, sessionKey string, cb AdapterCallbacks) (AdapterHandle, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, ErrInvalidInput
	}
	a.mu.Lock()
	if err, ok := a.failOpen[sessionKey]; ok && err != nil {
		a.mu.Unlock()
		return nil, err
	}
	h := &memoryHandle{sessionKey: sessionKey, status: SessionConnected, cb: cb}
	a.handles[sessionKey] = h
	a.mu.Unlock()

	if err := a.persistCredentials(sessionKey); err != nil {
		return nil, fmt.Errorf("persist credentials for %s: %w", sessionKey, err)
	}
	if cb.OnStatus != nil {
		go cb.OnStatus(sessionKey, SessionConnected)
	}
	return h, nil
}

func (a *MemoryAdapter) persistCredentials(sessionKey string) error {
	if a.credDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.credDir, 0o700); err != nil {
		return err
	}
	creds := map[string]string{
		"sessionKey": sessionKey,
		"kind":       string(a.kind),
		"issuedAt":   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.credDir, sessionKey+".json"), data, 0o600)
}

func (a *MemoryAdapter) SendText(ctx context.Context, handle AdapterHandle, to, text string) error {
	h, ok := handle.(*memoryHandle)
	if !ok || h == nil {
		return ErrAdapterUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSend != nil {
		return a.failSend
	}
	if h.status != SessionConnected {
		return ErrAdapterUnavailable
	}
	a.sent = append(a.sent, SentRecord{SessionKey: h.sessionKey, To: to, Text: text})
	return nil
}

func (a *MemoryAdapter) SendMedia(ctx context.Context, handle AdapterHandle, to string, data []byte, mime string) error {
	h, ok := handle.(*memoryHandle)
	if !ok || h == nil {
		return ErrAdapterUnavailable
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSend != nil {
		return a.failSend
	}
	if h.status != SessionConnected {
		return ErrAdapterUnavailable
	}
	a.sent = append(a.sent, SentRecord{SessionKey: h.sessionKey, To: to, Mime: mime, Media: true})
	return nil
}

func (a *MemoryAdapter) Close(handle AdapterHandle) error {
	h, ok := handle.(*memoryHandle)
	if !ok || h == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h.status = SessionStopped
	delete(a.handles, h.sessionKey)
	return nil
}

func (a *MemoryAdapter) Status(handle AdapterHandle) SessionStatus {
	h, ok := handle.(*memoryHandle)
	if !ok || h == nil {
		return SessionDisconnected
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return h.status
}

// Deliver injects an inbound event as if it arrived from the network.
func (a *MemoryAdapter) Deliver(sessionKey string, ev InboundEvent) bool {
	a.mu.Lock()
	h, ok := a.handles[sessionKey]
	a.mu.Unlock()
	if !ok || h.cb.OnInbound == nil {
		return false
	}
	ev.SessionKey = sessionKey
	h.cb.OnInbound(ev)
	return true
}

// Drop simulates a transport failure: the handle stays registered but the
// live status flips to disconnected without a callback.
func (a *MemoryAdapter) Drop(sessionKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handles[sessionKey]; ok {
		h.status = SessionDisconnected
	}
}

// FailOpen scripts the next Open calls for the key to reject with err.
func (a *MemoryAdapter) FailOpen(sessionKey string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failOpen, sessionKey)
		return
	}
	a.failOpen[sessionKey] = err
}

// FailSends scripts every send to fail with err until cleared.
func (a *MemoryAdapter) FailSends(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failSend = err
}

// Sent returns a copy of the outbound records so far.
func (a *MemoryAdapter) Sent() []SentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentRecord(nil), a.sent...)
}
