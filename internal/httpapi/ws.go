package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/deskforce/ticketrelay/internal/hub"
)

// WSGateway fans hub events out to connected operator consoles. It plugs in
// as a hub.Notifier: everything published on the broadcast channel reaches
// every client, ticket channels reach only their subscribers.
type WSGateway struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn     *websocket.Conn
	tenantID string
	out      chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

type wsCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

func NewWSGateway() *WSGateway {
	return &WSGateway{clients: map[*wsClient]struct{}{}}
}

// Publish implements hub.Notifier. A slow client gets dropped rather than
// backpressuring the hub.
func (g *WSGateway) Publish(channel, event string, payload any) {
	data, err := json.Marshal(hub.NotifierEnvelope{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		log.Printf("httpapi: ws encode %s/%s: %v", channel, event, err)
		return
	}
	g.mu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.out <- data:
		default:
			g.drop(c)
		}
	}
}

func (c *wsClient) wants(channel string) bool {
	if channel == hub.ChannelBroadcast {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[channel]
	return ok
}

func (g *WSGateway) drop(c *wsClient) {
	g.mu.Lock()
	_, present := g.clients[c]
	delete(g.clients, c)
	g.mu.Unlock()
	if present {
		_ = c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// Serve upgrades the request and pumps events until the client goes away.
// The client subscribes to ticket channels with
// {"action":"subscribe","channel":"ticket:42"}.
func (g *WSGateway) Serve(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("httpapi: ws accept: %v", err)
		return
	}
	client := &wsClient{
		conn:     conn,
		tenantID: claims.TenantID,
		out:      make(chan []byte, 64),
		topics:   map[string]struct{}{},
	}
	g.mu.Lock()
	g.clients[client] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.clients, client)
		g.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	go g.writeLoop(ctx, client)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		client.mu.Lock()
		switch cmd.Action {
		case "subscribe":
			if cmd.Channel != "" {
				client.topics[cmd.Channel] = struct{}{}
			}
		case "unsubscribe":
			delete(client.topics, cmd.Channel)
		}
		client.mu.Unlock()
	}
}

func (g *WSGateway) writeLoop(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.out:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				g.drop(c)
				return
			}
		}
	}
}
