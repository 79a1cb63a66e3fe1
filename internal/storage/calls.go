// Package storage persists call-history records in a local SQLite database.
// It is the engine's only durable state; everything else lives in memory.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CallRecord is one finished call as persisted for the history view.
type CallRecord struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	Type         string    `json:"type"`      // voice | video
	Direction    string    `json:"direction"` // incoming | outgoing
	EndReason    string    `json:"end_reason"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Participants []string  `json:"participants"`
}

// Duration is the wall-clock length of the call.
func (r CallRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// CallStore is the local cache for call history.
type CallStore struct {
	db *sql.DB
}

// OpenCallStore opens or creates the call-history database in dir.
func OpenCallStore(dir string) (*CallStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "calls.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL,
			type         TEXT NOT NULL,
			direction    TEXT NOT NULL,
			end_reason   TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			ended_at     INTEGER NOT NULL,
			participants TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}
	return &CallStore{db: db}, nil
}

// CacheCall inserts or replaces one call record.
func (s *CallStore) CacheCall(rec CallRecord) error {
	parts, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO calls
			(id, chat_id, type, direction, end_reason, started_at, ended_at, participants)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.Type, rec.Direction, rec.EndReason,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), string(parts),
	)
	if err != nil {
		return fmt.Errorf("cache call %s: %w", rec.ID, err)
	}
	return nil
}

// CachedCalls returns up to limit records, most recent first. limit <= 0
// returns everything.
func (s *CallStore) CachedCalls(limit int) ([]CallRecord, error) {
	q := `SELECT id, chat_id, type, direction, end_reason, started_at, ended_at, participants
		FROM calls ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var started, ended int64
		var parts string
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Type, &rec.Direction,
			&rec.EndReason, &started, &ended, &parts); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.EndedAt = time.UnixMilli(ended)
		if err := json.Unmarshal([]byte(parts), &rec.Participants); err != nil {
			rec.Participants = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *CallStore) Close() error {
	return s.db.Close()
}
