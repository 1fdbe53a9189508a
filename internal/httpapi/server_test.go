package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deskforce/ticketrelay/internal/hub"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *hub.Hub) {
	t.Helper()
	h := hub.New(hub.Options{
		Adapters: hub.NewAdapterTable(
			hub.NewMemoryAdapter(hub.KindWAWeb, ""),
			hub.NewMemoryAdapter(hub.KindWACloud, ""),
		),
		ProtocolEnabled: true,
		DisableWorkers:  true,
	})
	t.Cleanup(h.Close)
	server, err := NewServerWithConfig(h, NewWSGateway(), cfg)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return server, h
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, tenantID string, agentID int64, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, tenantID, agentID, scopes, "ticketrelay", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, tenantID string, agentID int64, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"tenant_id": tenantID,
		"agent_id":  agentID,
		"scopes":    scopes,
		"exp":       exp.Unix(),
		"aud":       aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signInternal(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postInbound(t *testing.T, server *Server, h *hub.Hub, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal inbound: %v", err)
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	rec := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/inbound",
		headers: map[string]string{
			"X-Correlation-Id":  "corr_in",
			"X-Relay-Timestamp": ts,
			"X-Relay-Signature": signInternal("dev-internal-secret", ts, body),
		},
		body: body,
	})
	h.DrainInbound()
	return rec
}

func createSession(t *testing.T, server *Server, token, key string) {
	t.Helper()
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sessions",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_sess",
		},
		body: map[string]any{"key": key, "channel": "whatsapp"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on session create, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tickets"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/tickets/1/accept",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without tickets:write, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWrongAudienceRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	token := mustTestJWTWithAudience(t, "dev-secret", "acme", 3, []string{"tickets:read"}, "somewhere-else", time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/tickets",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tickets",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	createSession(t, server, token, "acme-main")

	statusRec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/sessions/acme-main",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_2",
		},
	})
	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on status, got %d (%s)", statusRec.Code, statusRec.Body.String())
	}
	var sess hub.Session
	if err := json.NewDecoder(statusRec.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Key != "acme-main" {
		t.Fatalf("unexpected session %+v", sess)
	}

	deleteRec := doRequest(t, server, request{
		method: http.MethodDelete,
		path:   "/v1/sessions/acme-main",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_3",
		},
	})
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d (%s)", deleteRec.Code, deleteRec.Body.String())
	}

	missingRec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/sessions/acme-main",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_4",
		},
	})
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missingRec.Code)
	}
}

func TestInboundToTicketFlow(t *testing.T) {
	server, h := newTestServer(t, ServerConfig{})
	manage := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	agent := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read", "tickets:write"}, time.Now().Add(time.Hour))
	createSession(t, server, manage, "acme-main")

	inRec := postInbound(t, server, h, map[string]any{
		"sessionKey":     "acme-main",
		"deliveryId":     "prov-1",
		"rawType":        "chat",
		"conversationId": "5511999@c.us",
		"body":           "hello",
	})
	if inRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on inbound, got %d (%s)", inRec.Code, inRec.Body.String())
	}

	listRec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/tickets?chatStatus=waiting",
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_5",
		},
	})
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", listRec.Code, listRec.Body.String())
	}
	var listPayload struct {
		Tickets []hub.Ticket `json:"tickets"`
	}
	if err := json.NewDecoder(listRec.Body).Decode(&listPayload); err != nil {
		t.Fatalf("decode tickets: %v", err)
	}
	if len(listPayload.Tickets) != 1 {
		t.Fatalf("expected one waiting ticket, got %d", len(listPayload.Tickets))
	}
	ticketID := listPayload.Tickets[0].ID

	acceptRec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/accept", ticketID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_6",
		},
	})
	if acceptRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on accept, got %d (%s)", acceptRec.Code, acceptRec.Body.String())
	}

	// Accepting again is an illegal transition.
	conflictRec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/accept", ticketID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_7",
		},
	})
	if conflictRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double accept, got %d (%s)", conflictRec.Code, conflictRec.Body.String())
	}

	sendRec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/messages", ticketID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_8",
		},
		body: map[string]any{"body": "how can I help?"},
	})
	if sendRec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on send, got %d (%s)", sendRec.Code, sendRec.Body.String())
	}

	resolveRec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/resolve", ticketID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_9",
		},
	})
	if resolveRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on resolve, got %d (%s)", resolveRec.Code, resolveRec.Body.String())
	}
	var resolved hub.Ticket
	if err := json.NewDecoder(resolveRec.Body).Decode(&resolved); err != nil {
		t.Fatalf("decode resolved ticket: %v", err)
	}
	if resolved.ChatStatus != hub.ChatResolved || resolved.Protocol == "" {
		t.Fatalf("expected resolved ticket with protocol, got %+v", resolved)
	}
}

func TestInternalInboundBadSignature(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	body := []byte(`{"sessionKey":"acme-main","conversationId":"c-1"}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	rec := doRawRequest(t, server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/inbound",
		headers: map[string]string{
			"X-Correlation-Id":  "corr_1",
			"X-Relay-Timestamp": ts,
			"X-Relay-Signature": "deadbeef",
		},
		body: body,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestInternalInboundReplayDetected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	manage := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	createSession(t, server, manage, "acme-main")

	body := []byte(`{"sessionKey":"acme-main","conversationId":"c-1","body":"hi"}`)
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	headers := map[string]string{
		"X-Correlation-Id":  "corr_1",
		"X-Relay-Timestamp": ts,
		"X-Relay-Signature": signInternal("dev-internal-secret", ts, body),
	}
	first := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/inbound", headers: headers, body: body})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on first delivery, got %d (%s)", first.Code, first.Body.String())
	}
	replay := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/internal/inbound", headers: headers, body: body})
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", replay.Code)
	}
}

func TestInternalInboundSchemaRejected(t *testing.T) {
	server, h := newTestServer(t, ServerConfig{})
	manage := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	createSession(t, server, manage, "acme-main")

	rec := postInbound(t, server, h, map[string]any{
		"sessionKey":     "acme-main",
		"conversationId": "c-1",
		"bogusField":     true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read"}, time.Now().Add(time.Hour))
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/tickets",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_%d", i),
			},
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the limit, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read"}, time.Now().Add(-time.Minute))
	rec := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/tickets",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestMediaSendOverHTTP(t *testing.T) {
	server, h := newTestServer(t, ServerConfig{})
	manage := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	agent := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:read", "tickets:write"}, time.Now().Add(time.Hour))
	createSession(t, server, manage, "acme-main")
	postInbound(t, server, h, map[string]any{
		"sessionKey":     "acme-main",
		"deliveryId":     "prov-media-1",
		"rawType":        "chat",
		"conversationId": "5511999@c.us",
		"body":           "hello",
	})
	tickets := h.ListTickets(hub.TicketFilter{})
	if len(tickets) != 1 {
		t.Fatalf("expected one ticket, got %d", len(tickets))
	}
	if _, err := h.AcceptTicket(context.Background(), tickets[0].ID, 3); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/messages", tickets[0].ID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_media",
		},
		body: map[string]any{
			"body":      "floor plan",
			"media":     base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			"mediaMime": "image/png",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on media send, got %d (%s)", rec.Code, rec.Body.String())
	}
	var msg hub.Message
	if err := json.NewDecoder(rec.Body).Decode(&msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Kind != hub.MessageImage || msg.MediaMime != "image/png" {
		t.Fatalf("unexpected media message: %+v", msg)
	}
}

func TestMediaSendRejectsBadBase64(t *testing.T) {
	server, h := newTestServer(t, ServerConfig{})
	manage := mustTestJWT(t, "dev-secret", "acme", 3, []string{"sessions:manage"}, time.Now().Add(time.Hour))
	agent := mustTestJWT(t, "dev-secret", "acme", 3, []string{"tickets:write"}, time.Now().Add(time.Hour))
	createSession(t, server, manage, "acme-main")
	postInbound(t, server, h, map[string]any{
		"sessionKey":     "acme-main",
		"deliveryId":     "prov-media-2",
		"rawType":        "chat",
		"conversationId": "5511999@c.us",
		"body":           "hello",
	})
	tickets := h.ListTickets(hub.TicketFilter{})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/tickets/%d/messages", tickets[0].ID),
		headers: map[string]string{
			"Authorization":    "Bearer " + agent,
			"X-Correlation-Id": "corr_media_bad",
		},
		body: map[string]any{
			"media":     "%%%not-base64%%%",
			"mediaMime": "image/png",
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad base64, got %d (%s)", rec.Code, rec.Body.String())
	}
}
