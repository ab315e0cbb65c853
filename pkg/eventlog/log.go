// Package eventlog implements the append-only per-session event ledger.
// Sequence numbers assigned here are the single ordering authority in the
// system; wall-clock timestamps on event rows are advisory only.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"drydock/pkg/protocol"
)

// Log appends and queries session events. Appends for the same session are
// serialized through a per-session mutex so sequence assignment stays
// linearizable even with multiple concurrent producers; appends for
// different sessions do not contend.
type Log struct {
	db *sql.DB

	mu       sync.Mutex
	sessions map[string]*sync.Mutex

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Log over an opened control-plane database.
func New(db *sql.DB) *Log {
	return &Log{
		db:       db,
		sessions: make(map[string]*sync.Mutex),
		nowFunc:  time.Now,
	}
}

// sessionLock returns the append mutex for a session, creating it on first use.
func (l *Log) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.sessions[sessionID] = m
	}
	return m
}

// Evict drops the per-session append mutex. Callers evict once the session
// is terminal so the map does not grow with every session the daemon ever
// ran; a late append simply recreates the lock, and the UNIQUE(session_id,
// seq) constraint still guards sequence assignment.
func (l *Log) Evict(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

// Append assigns the next sequence number for sessionID, persists the event
// atomically, and returns it for immediate delivery. Sequence numbers are
// strictly increasing and gapless per session; the UNIQUE(session_id, seq)
// constraint backstops the serialized append path.
func (l *Log) Append(ctx context.Context, sessionID string, source protocol.EventSource, eventType, payload string) (*protocol.Event, error) {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last seq for %s: %w", sessionID, err)
	}

	ev := &protocol.Event{
		SessionID: sessionID,
		Source:    source,
		Type:      eventType,
		Payload:   payload,
		Seq:       last + 1,
		CreatedAt: protocol.Timestamp(l.nowFunc()),
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, source, type, payload, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Source, ev.Type, ev.Payload, ev.Seq, ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append event %s/%s: %w", sessionID, eventType, err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("event rowid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

// Query returns all events for sessionID with seq > sinceSeq in ascending
// sequence order. sinceSeq=0 replays the full session history.
func (l *Log) Query(ctx context.Context, sessionID string, sinceSeq int64) ([]protocol.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, source, type, COALESCE(payload, ''), seq, created_at
		 FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Source, &e.Type, &e.Payload, &e.Seq, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest sequence number assigned for sessionID,
// or 0 if the session has no events.
func (l *Log) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var last int64
	if err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("last seq for %s: %w", sessionID, err)
	}
	return last, nil
}
