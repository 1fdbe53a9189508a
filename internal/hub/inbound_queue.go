package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// InboundQueue buffers accepted inbound envelope ids between ingestion and
// the normalizer workers. Implementations may be durable; the memory queue
// is the default.
type InboundQueue interface {
	TryEnqueue(envelopeID string) bool
	Enqueue(ctx context.Context, envelopeID string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryInboundQueue struct {
	ch chan string
}

func NewInMemoryInboundQueue(capacity int) InboundQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryInboundQueue{ch: make(chan string, capacity)}
}

func (q *inMemoryInboundQueue) TryEnqueue(envelopeID string) bool {
	select {
	case q.ch <- envelopeID:
		return true
	default:
		return false
	}
}

func (q *inMemoryInboundQueue) Enqueue(ctx context.Context, envelopeID string) bool {
	select {
	case q.ch <- envelopeID:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryInboundQueue) Dequeue(ctx context.Context) (string, bool) {
	select {
	case id, ok := <-q.ch:
		return id, ok
	case <-ctx.Done():
		return "", false
	}
}

func (q *inMemoryInboundQueue) Depth() int    { return len(q.ch) }
func (q *inMemoryInboundQueue) Capacity() int { return cap(q.ch) }
func (q *inMemoryInboundQueue) Close() error  { return nil }

type fileInboundQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []string
}

type fileInboundQueueState struct {
	Items []string `json:"items"`
}

// NewFileInboundQueue persists the queued ids to a JSON file so accepted
// envelopes survive a restart.
func NewFileInboundQueue(path string, capacity int) (InboundQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileInboundQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []string{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileInboundQueue) TryEnqueue(envelopeID string) bool {
	if strings.TrimSpace(envelopeID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, envelopeID)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileInboundQueue) Enqueue(ctx context.Context, envelopeID string) bool {
	for {
		if q.TryEnqueue(envelopeID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInboundQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]string{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return "", false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileInboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileInboundQueue) Capacity() int { return q.capacity }
func (q *fileInboundQueue) Close() error  { return nil }

func (q *fileInboundQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileInboundQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]string(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]string(nil), snapshot.Items...)
	return nil
}

func (q *fileInboundQueue) saveLocked() error {
	snapshot := fileInboundQueueState{Items: append([]string(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildInboundQueueFromDSN maps a DSN scheme to a queue implementation:
// memory://, file://path, postgres://...
func BuildInboundQueueFromDSN(dsn string, capacity int) (InboundQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileInboundQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryInboundQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresInboundQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported inbound queue scheme: %s", scheme)
	}
}
