package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Event is one audited debug link request.
type Event struct {
	ID          int64
	SessionID   uint64
	MessageType uint32
	Outcome     string
	Error       string
	Elapsed     time.Duration
	CreatedAt   time.Time
}

func (s *Store) RecordEvent(ctx context.Context, ev Event) error {
	var errText sql.NullString
	if ev.Error != "" {
		errText = sql.NullString{String: ev.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO debug_events (session_id, message_type, outcome, error, elapsed_us) VALUES (?, ?, ?, ?, ?)`,
		int64(ev.SessionID), ev.MessageType, ev.Outcome, errText, ev.Elapsed.Microseconds())
	if err != nil {
		return fmt.Errorf("failed to insert debug event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message_type, outcome, error, elapsed_us, created_at
		 FROM debug_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query debug events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			session   int64
			errText   sql.NullString
			elapsedUS int64
		)
		if err := rows.Scan(&ev.ID, &session, &ev.MessageType, &ev.Outcome, &errText, &elapsedUS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan debug event: %w", err)
		}
		ev.SessionID = uint64(session)
		ev.Error = errText.String
		ev.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
