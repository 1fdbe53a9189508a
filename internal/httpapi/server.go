package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deskforce/ticketrelay/internal/hub"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	hub                *hub.Hub
	validator          *hub.EnvelopeValidator
	ws                 *WSGateway
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(h *hub.Hub) (*Server, error) {
	return NewServerWithConfig(h, nil, ServerConfig{})
}

func NewServerWithConfig(h *hub.Hub, ws *WSGateway, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	validator, err := hub.NewEnvelopeValidator()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		hub:                h,
		validator:          validator,
		ws:                 ws,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/inbound" && r.Method == http.MethodPost {
		s.handleInternalInbound(w, r)
		return
	}
	if r.URL.Path == "/v1/ws" && s.ws != nil {
		s.handleWS(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodGet:
		requiredScope = "sessions:manage"
		route = "sessions_list"
	case len(parts) == 2 && parts[1] == "sessions" && r.Method == http.MethodPost:
		requiredScope = "sessions:manage"
		route = "session_create"
	case len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodGet:
		requiredScope = "sessions:manage"
		route = "session_status"
	case len(parts) == 3 && parts[1] == "sessions" && r.Method == http.MethodDelete:
		requiredScope = "sessions:manage"
		route = "session_delete"
	case len(parts) == 4 && parts[1] == "sessions" && parts[3] == "queues" && r.Method == http.MethodPost:
		requiredScope = "sessions:manage"
		route = "session_attach_queue"
	case len(parts) == 2 && parts[1] == "queues" && r.Method == http.MethodPost:
		requiredScope = "sessions:manage"
		route = "queue_create"
	case len(parts) == 2 && parts[1] == "tickets" && r.Method == http.MethodGet:
		requiredScope = "tickets:read"
		route = "tickets_list"
	case len(parts) == 3 && parts[1] == "tickets" && r.Method == http.MethodGet:
		requiredScope = "tickets:read"
		route = "ticket_get"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "messages" && r.Method == http.MethodGet:
		requiredScope = "tickets:read"
		route = "ticket_messages"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "messages" && r.Method == http.MethodPost:
		requiredScope = "tickets:write"
		route = "ticket_send"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "poll" && r.Method == http.MethodPost:
		requiredScope = "tickets:write"
		route = "ticket_poll"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "accept" && r.Method == http.MethodPost:
		requiredScope = "tickets:write"
		route = "ticket_accept"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = "tickets:write"
		route = "ticket_resolve"
	case len(parts) == 4 && parts[1] == "tickets" && parts[3] == "close" && r.Method == http.MethodPost:
		requiredScope = "tickets:write"
		route = "ticket_close"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := claims.TenantID + "|" + strconv.FormatInt(claims.AgentID, 10)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sessions_list":
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.hub.ListSessions()})
	case "session_create":
		s.handleSessionCreate(w, r, claims, correlationID)
	case "session_status":
		s.handleSessionStatus(w, parts[2], correlationID)
	case "session_delete":
		s.handleSessionDelete(w, parts[2], correlationID)
	case "session_attach_queue":
		s.handleSessionAttachQueue(w, r, parts[2], correlationID)
	case "queue_create":
		s.handleQueueCreate(w, r, correlationID)
	case "tickets_list":
		s.handleTicketsList(w, r)
	case "ticket_get":
		s.handleTicketGet(w, parts[2], correlationID)
	case "ticket_messages":
		s.handleTicketMessages(w, parts[2], correlationID)
	case "ticket_send":
		s.handleTicketSend(w, r, parts[2], claims, correlationID)
	case "ticket_poll":
		s.handleTicketPoll(w, r, parts[2], claims, correlationID)
	case "ticket_accept":
		s.handleTicketAction(w, r, parts[2], claims, correlationID, s.hub.AcceptTicket)
	case "ticket_resolve":
		s.handleTicketAction(w, r, parts[2], claims, correlationID, s.hub.ResolveTicket)
	case "ticket_close":
		s.handleTicketAction(w, r, parts[2], claims, correlationID, s.hub.CloseTicket)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleInternalInbound is the provider-facing ingestion endpoint. It is
// authenticated with the shared HMAC, replay-guarded, and schema-validated
// before anything reaches the normalizer.
func (s *Server) handleInternalInbound(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var ev hub.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = correlationID
	}
	queued, err := s.hub.IngestInbound(ev)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, hub.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, hub.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, authErr := authorizeBearer("Bearer "+token, s.cfg.JWTSecret, "", "tickets:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	s.ws.Serve(w, r, claims)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		Key            string `json:"key"`
		Channel        string `json:"channel"`
		Preference     string `json:"preference"`
		DefaultQueueID *int64 `json:"defaultQueueId"`
		BulkImport     bool   `json:"bulkImport"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	sess, err := s.hub.CreateSession(r.Context(), hub.CreateSessionRequest{
		TenantID:       claims.TenantID,
		Key:            req.Key,
		Channel:        hub.Channel(req.Channel),
		Preference:     hub.AdapterKind(req.Preference),
		DefaultQueueID: req.DefaultQueueID,
		BulkImport:     req.BulkImport,
	})
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, hub.ErrCapacityExceeded):
			writeError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error(), correlationID)
		case errors.Is(err, hub.ErrAdapterUnavailable):
			writeError(w, http.StatusBadGateway, "adapter_unavailable", err.Error(), correlationID)
		default:
			// The session may exist in the error state; return it with the failure.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"session":       sess,
				"code":          "open_failed",
				"message":       err.Error(),
				"correlationId": correlationID,
			})
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, key, correlationID string) {
	sess, err := s.hub.SessionStatus(key)
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, key, correlationID string) {
	if err := s.hub.DeleteSession(key); err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionAttachQueue(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	var req struct {
		QueueID int64 `json:"queueId"`
		Default bool  `json:"default"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.hub.AttachQueue(key, req.QueueID, req.Default); err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "attached"})
}

func (s *Server) handleQueueCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var q hub.Queue
	if !s.decodeJSONBody(w, r, correlationID, &q) {
		return
	}
	if strings.TrimSpace(q.Name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "queue name required", correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, s.hub.AddQueue(q))
}

func (s *Server) handleTicketsList(w http.ResponseWriter, r *http.Request) {
	filter := hub.TicketFilter{
		ChatStatus: hub.ChatStatus(r.URL.Query().Get("chatStatus")),
		Status:     hub.TicketStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("sessionId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.SessionID = id
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": s.hub.ListTickets(filter)})
}

func (s *Server) handleTicketGet(w http.ResponseWriter, rawID, correlationID string) {
	id, ok := parseTicketID(w, rawID, correlationID)
	if !ok {
		return
	}
	ticket, err := s.hub.GetTicket(id)
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleTicketMessages(w http.ResponseWriter, rawID, correlationID string) {
	id, ok := parseTicketID(w, rawID, correlationID)
	if !ok {
		return
	}
	msgs, err := s.hub.ListMessages(id)
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleTicketSend(w http.ResponseWriter, r *http.Request, rawID string, claims tokenClaims, correlationID string) {
	id, ok := parseTicketID(w, rawID, correlationID)
	if !ok {
		return
	}
	var req struct {
		Body      string `json:"body"`
		Media     string `json:"media,omitempty"`
		MediaMime string `json:"mediaMime,omitempty"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var msg hub.Message
	var err error
	if req.Media != "" {
		var data []byte
		data, err = base64.StdEncoding.DecodeString(req.Media)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "media must be base64", correlationID)
			return
		}
		msg, err = s.hub.SendMedia(r.Context(), id, claims.AgentID, data, req.MediaMime, req.Body)
	} else {
		msg, err = s.hub.SendText(r.Context(), id, claims.AgentID, req.Body)
	}
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTicketPoll(w http.ResponseWriter, r *http.Request, rawID string, claims tokenClaims, correlationID string) {
	id, ok := parseTicketID(w, rawID, correlationID)
	if !ok {
		return
	}
	var req struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.hub.SendPoll(r.Context(), id, claims.AgentID, req.Question, req.Options)
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTicketAction(
	w http.ResponseWriter,
	r *http.Request,
	rawID string,
	claims tokenClaims,
	correlationID string,
	action func(ctx context.Context, ticketID, agentID int64) (hub.Ticket, error),
) {
	id, ok := parseTicketID(w, rawID, correlationID)
	if !ok {
		return
	}
	ticket, err := action(r.Context(), id, claims.AgentID)
	if err != nil {
		writeHubError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func parseTicketID(w http.ResponseWriter, raw, correlationID string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid ticket id", correlationID)
		return 0, false
	}
	return id, true
}

func writeHubError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, hub.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, hub.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, hub.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, hub.ErrCapacityExceeded):
		writeError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error(), correlationID)
	case errors.Is(err, hub.ErrAdapterUnavailable):
		writeError(w, http.StatusBadGateway, "adapter_unavailable", err.Error(), correlationID)
	case errors.Is(err, hub.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
