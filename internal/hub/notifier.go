package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier events produced by the core.
const (
	EventNewMessage          = "new-message"
	EventMessageUpdate       = "message-update"
	EventTicketsUpdate       = "tickets-update"
	EventSessionStatusUpdate = "session-status-update"
	EventContactUpdated      = "contact-updated"
)

// ChannelBroadcast is the fan-to-everyone channel; ticket-scoped channels
// come from TicketChannel.
const ChannelBroadcast = "broadcast"

func TicketChannel(ticketID int64) string {
	return fmt.Sprintf("ticket:%d", ticketID)
}

// Notifier is the realtime publish contract. Implementations must not
// block the caller for long; publishes are best-effort.
type Notifier interface {
	Publish(channel, event string, payload any)
}

// MultiNotifier fans a publish out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Publish(channel, event string, payload any) {
	for _, n := range m {
		if n != nil {
			n.Publish(channel, event, payload)
		}
	}
}

// LogNotifier writes events to the process log. Useful as a default sink.
type LogNotifier struct{}

func (LogNotifier) Publish(channel, event string, payload any) {
	log.Printf("notify channel=%s event=%s", channel, event)
}

// NotifierEnvelope is the wire form a RedisNotifier publishes, carrying the
// logical channel inside the payload so one Redis channel can fan out to
// any number of subscriber processes.
type NotifierEnvelope struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// RedisNotifier publishes every event to a single Redis pub/sub channel for
// cross-process delivery.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

func NewRedisNotifier(addr, password, channel string, db int) (*RedisNotifier, error) {
	if channel == "" {
		channel = "ticketrelay-events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis notifier connection test failed: %w", err)
	}
	return &RedisNotifier{client: client, channel: channel, timeout: 3 * time.Second}, nil
}

func (n *RedisNotifier) Publish(channel, event string, payload any) {
	data, err := json.Marshal(NotifierEnvelope{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		log.Printf("redis notifier: marshal event=%s: %v", event, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		log.Printf("redis notifier: publish event=%s: %v", event, err)
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
