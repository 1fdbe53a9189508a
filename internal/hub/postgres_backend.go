package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 10 * time.Millisecond
	postgresInboundQueueTable = "ticketrelay_inbound_queue"
	postgresQueueKey          = "default"
	postgresMetaKey           = "default"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps the hub entities in relational tables:
// queues, sessions, contacts, tickets, messages plus a meta row for the id
// counters and the delivery-dedupe index. Save rewrites the snapshot inside
// one transaction under an advisory lock.
type PostgresStateBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{dsn: dsn, openDB: sql.Open}, nil
}

var postgresStateDDL = []string{
	`CREATE TABLE IF NOT EXISTS ticketrelay_meta (
		meta_key TEXT PRIMARY KEY,
		session_ctr BIGINT NOT NULL DEFAULT 0,
		contact_ctr BIGINT NOT NULL DEFAULT 0,
		ticket_ctr BIGINT NOT NULL DEFAULT 0,
		message_ctr BIGINT NOT NULL DEFAULT 0,
		queue_ctr BIGINT NOT NULL DEFAULT 0,
		delivery_index TEXT NOT NULL DEFAULT '{}',
		pending_envelopes TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE ticketrelay_meta ADD COLUMN IF NOT EXISTS pending_envelopes TEXT NOT NULL DEFAULT '[]'`,
	`CREATE TABLE IF NOT EXISTS ticketrelay_queues (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		bot_order INT NOT NULL DEFAULT 0,
		auto_receive BOOLEAN NOT NULL DEFAULT FALSE,
		greeting TEXT NOT NULL DEFAULT '',
		farewell TEXT NOT NULL DEFAULT '',
		start_hour INT NOT NULL DEFAULT 0,
		end_hour INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ticketrelay_sessions (
		id BIGINT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL UNIQUE,
		channel TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		default_queue_id BIGINT REFERENCES ticketrelay_queues(id),
		queue_ids TEXT NOT NULL DEFAULT '[]',
		bulk_import BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticketrelay_contacts (
		id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES ticketrelay_sessions(id),
		contact_key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (session_id, contact_key)
	)`,
	`CREATE TABLE IF NOT EXISTS ticketrelay_tickets (
		id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES ticketrelay_sessions(id),
		contact_id BIGINT NOT NULL REFERENCES ticketrelay_contacts(id),
		contact_key TEXT NOT NULL,
		queue_id BIGINT REFERENCES ticketrelay_queues(id),
		agent_id BIGINT,
		status TEXT NOT NULL,
		chat_status TEXT NOT NULL,
		unread INT NOT NULL DEFAULT 0,
		last_message TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL DEFAULT '',
		survey_score INT,
		pending_poll TEXT,
		greeting_sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS ticketrelay_messages (
		id BIGINT PRIMARY KEY,
		ticket_id BIGINT NOT NULL REFERENCES ticketrelay_tickets(id),
		sender TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		media_path TEXT NOT NULL DEFAULT '',
		media_mime TEXT NOT NULL DEFAULT '',
		media_error TEXT NOT NULL DEFAULT '',
		poll_option INT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, ddl := range postgresStateDDL {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	state := &persistedState{DeliveryIndex: map[string]string{}}

	var deliveryIndex, pendingEnvelopes string
	err := b.db.QueryRowContext(ctx, `
		SELECT session_ctr, contact_ctr, ticket_ctr, message_ctr, queue_ctr, delivery_index, pending_envelopes
		FROM ticketrelay_meta WHERE meta_key = $1`, postgresMetaKey).
		Scan(&state.SessionCtr, &state.ContactCtr, &state.TicketCtr, &state.MessageCtr, &state.QueueCtr, &deliveryIndex, &pendingEnvelopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deliveryIndex), &state.DeliveryIndex); err != nil {
		return nil, fmt.Errorf("decode delivery index: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingEnvelopes), &state.PendingEnvelopes); err != nil {
		return nil, fmt.Errorf("decode pending envelopes: %w", err)
	}

	if err := b.loadQueues(ctx, state); err != nil {
		return nil, err
	}
	if err := b.loadSessions(ctx, state); err != nil {
		return nil, err
	}
	if err := b.loadContacts(ctx, state); err != nil {
		return nil, err
	}
	if err := b.loadTickets(ctx, state); err != nil {
		return nil, err
	}
	if err := b.loadMessages(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (b *PostgresStateBackend) loadQueues(ctx context.Context, state *persistedState) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, bot_order, auto_receive, greeting, farewell, start_hour, end_hour
		FROM ticketrelay_queues ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		q := &Queue{}
		if err := rows.Scan(&q.ID, &q.Name, &q.BotOrder, &q.AutoReceive, &q.Greeting, &q.Farewell, &q.StartHour, &q.EndHour); err != nil {
			return err
		}
		state.Queues = append(state.Queues, q)
	}
	return rows.Err()
}

func (b *PostgresStateBackend) loadSessions(ctx context.Context, state *persistedState) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, tenant_id, session_key, channel, kind, status, default_queue_id, queue_ids, bulk_import, updated_at
		FROM ticketrelay_sessions ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		s := &Session{}
		var defaultQueue sql.NullInt64
		var queueIDs string
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Key, &s.Channel, &s.Kind, &s.Status, &defaultQueue, &queueIDs, &s.BulkImport, &s.UpdatedAt); err != nil {
			return err
		}
		if defaultQueue.Valid {
			v := defaultQueue.Int64
			s.DefaultQueueID = &v
		}
		if err := json.Unmarshal([]byte(queueIDs), &s.QueueIDs); err != nil {
			return fmt.Errorf("decode queue ids for session %d: %w", s.ID, err)
		}
		state.Sessions = append(state.Sessions, s)
	}
	return rows.Err()
}

func (b *PostgresStateBackend) loadContacts(ctx context.Context, state *persistedState) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, session_id, contact_key, name, is_group, updated_at
		FROM ticketrelay_contacts ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		c := &Contact{}
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Key, &c.Name, &c.IsGroup, &c.UpdatedAt); err != nil {
			return err
		}
		state.Contacts = append(state.Contacts, c)
	}
	return rows.Err()
}

func (b *PostgresStateBackend) loadTickets(ctx context.Context, state *persistedState) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, session_id, contact_id, contact_key, queue_id, agent_id, status, chat_status,
		       unread, last_message, protocol, survey_score, pending_poll, greeting_sent,
		       created_at, updated_at, closed_at
		FROM ticketrelay_tickets ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		t := &Ticket{}
		var queueID, agentID sql.NullInt64
		var surveyScore sql.NullInt64
		var pendingPoll sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ContactID, &t.ContactKey, &queueID, &agentID,
			&t.Status, &t.ChatStatus, &t.Unread, &t.LastMessage, &t.Protocol, &surveyScore,
			&pendingPoll, &t.GreetingSent, &t.CreatedAt, &t.UpdatedAt, &closedAt); err != nil {
			return err
		}
		if queueID.Valid {
			v := queueID.Int64
			t.QueueID = &v
		}
		if agentID.Valid {
			v := agentID.Int64
			t.AgentID = &v
		}
		if surveyScore.Valid {
			v := int(surveyScore.Int64)
			t.SurveyScore = &v
		}
		if pendingPoll.Valid && pendingPoll.String != "" {
			var ref PollRef
			if err := json.Unmarshal([]byte(pendingPoll.String), &ref); err != nil {
				return fmt.Errorf("decode pending poll for ticket %d: %w", t.ID, err)
			}
			t.PendingPoll = &ref
		}
		if closedAt.Valid {
			v := closedAt.Time
			t.ClosedAt = &v
		}
		state.Tickets = append(state.Tickets, t)
	}
	return rows.Err()
}

func (b *PostgresStateBackend) loadMessages(ctx context.Context, state *persistedState) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, ticket_id, sender, kind, body, media_url, media_path, media_mime, media_error, poll_option, created_at
		FROM ticketrelay_messages ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		m := &Message{}
		var pollOption sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Sender, &m.Kind, &m.Body, &m.MediaURL, &m.MediaPath,
			&m.MediaMime, &m.MediaError, &pollOption, &m.CreatedAt); err != nil {
			return err
		}
		if pollOption.Valid {
			v := int(pollOption.Int64)
			m.PollOption = &v
		}
		state.Messages = append(state.Messages, m)
	}
	return rows.Err()
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	deliveryIndex, err := json.Marshal(state.DeliveryIndex)
	if err != nil {
		return err
	}
	if state.DeliveryIndex == nil {
		deliveryIndex = []byte("{}")
	}
	pendingEnvelopes, err := json.Marshal(state.PendingEnvelopes)
	if err != nil {
		return err
	}
	if state.PendingEnvelopes == nil {
		pendingEnvelopes = []byte("[]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresAdvisoryKey("ticketrelay_state")); err != nil {
		return err
	}
	for _, table := range []string{"ticketrelay_messages", "ticketrelay_tickets", "ticketrelay_contacts", "ticketrelay_sessions", "ticketrelay_queues"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	for _, q := range state.Queues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticketrelay_queues (id, name, bot_order, auto_receive, greeting, farewell, start_hour, end_hour)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			q.ID, q.Name, q.BotOrder, q.AutoReceive, q.Greeting, q.Farewell, q.StartHour, q.EndHour); err != nil {
			return err
		}
	}
	for _, s := range state.Sessions {
		queueIDs, err := json.Marshal(s.QueueIDs)
		if err != nil {
			return err
		}
		if s.QueueIDs == nil {
			queueIDs = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticketrelay_sessions (id, tenant_id, session_key, channel, kind, status, default_queue_id, queue_ids, bulk_import, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			s.ID, s.TenantID, s.Key, s.Channel, s.Kind, s.Status, nullableInt64(s.DefaultQueueID), string(queueIDs), s.BulkImport, s.UpdatedAt); err != nil {
			return err
		}
	}
	for _, c := range state.Contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticketrelay_contacts (id, session_id, contact_key, name, is_group, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.SessionID, c.Key, c.Name, c.IsGroup, c.UpdatedAt); err != nil {
			return err
		}
	}
	for _, t := range state.Tickets {
		var pendingPoll any
		if t.PendingPoll != nil {
			data, err := json.Marshal(t.PendingPoll)
			if err != nil {
				return err
			}
			pendingPoll = string(data)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticketrelay_tickets (id, session_id, contact_id, contact_key, queue_id, agent_id, status, chat_status,
				unread, last_message, protocol, survey_score, pending_poll, greeting_sent, created_at, updated_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			t.ID, t.SessionID, t.ContactID, t.ContactKey, nullableInt64(t.QueueID), nullableInt64(t.AgentID),
			t.Status, t.ChatStatus, t.Unread, t.LastMessage, t.Protocol, nullableInt(t.SurveyScore),
			pendingPoll, t.GreetingSent, t.CreatedAt, t.UpdatedAt, nullableTime(t.ClosedAt)); err != nil {
			return err
		}
	}
	for _, m := range state.Messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticketrelay_messages (id, ticket_id, sender, kind, body, media_url, media_path, media_mime, media_error, poll_option, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, m.TicketID, m.Sender, m.Kind, m.Body, m.MediaURL, m.MediaPath, m.MediaMime, m.MediaError,
			nullableInt(m.PollOption), m.CreatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ticketrelay_meta (meta_key, session_ctr, contact_ctr, ticket_ctr, message_ctr, queue_ctr, delivery_index, pending_envelopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (meta_key) DO UPDATE SET
			session_ctr = EXCLUDED.session_ctr,
			contact_ctr = EXCLUDED.contact_ctr,
			ticket_ctr = EXCLUDED.ticket_ctr,
			message_ctr = EXCLUDED.message_ctr,
			queue_ctr = EXCLUDED.queue_ctr,
			delivery_index = EXCLUDED.delivery_index,
			pending_envelopes = EXCLUDED.pending_envelopes,
			updated_at = NOW()`,
		postgresMetaKey, state.SessionCtr, state.ContactCtr, state.TicketCtr, state.MessageCtr, state.QueueCtr, string(deliveryIndex), string(pendingEnvelopes)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

// PostgresInboundQueue is a durable FIFO over a single table, drained with
// FOR UPDATE SKIP LOCKED so several processes can share the work.
type PostgresInboundQueue struct {
	dsn          string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresInboundQueue(dsn string, capacity int) (InboundQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresInboundQueue{
		dsn:          dsn,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresInboundQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresInboundQueueTable)
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndex := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_key_id_idx ON %s (queue_key, id)",
			postgresInboundQueueTable, postgresInboundQueueTable)
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresInboundQueue) TryEnqueue(envelopeID string) bool {
	if strings.TrimSpace(envelopeID) == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresAdvisoryKey(postgresInboundQueueTable)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresInboundQueueTable),
		postgresQueueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", postgresInboundQueueTable),
		postgresQueueKey, envelopeID); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresInboundQueue) Enqueue(ctx context.Context, envelopeID string) bool {
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

func (q *PostgresInboundQueue) Dequeue(ctx context.Context) (string, bool) {
	for {
		payload, ok := q.tryDequeue(ctx)
		if ok {
			return payload, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresInboundQueue) tryDequeue(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, payload FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresInboundQueueTable), postgresQueueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresInboundQueueTable), id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresInboundQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresInboundQueueTable),
		postgresQueueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresInboundQueue) Capacity() int { return q.capacity }

func (q *PostgresInboundQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresAdvisoryKey(name string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(name))
	return int64(hasher.Sum64())
}
