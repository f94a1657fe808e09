package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store reads and writes turn history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Turn is one completed turn to record.
type Turn struct {
	SessionKey  string
	UserPrompt  string
	Artifact    string // empty when the response had none
	IsInitial   bool
	PromptKind  string
	TotalChunks int
	At          time.Time
}

// Request is one recorded turn.
type Request struct {
	ID           int64     `json:"id"`
	SessionKey   string    `json:"sessionKey"`
	UserPrompt   string    `json:"userPrompt"`
	DrawioXML    string    `json:"drawioXml,omitempty"`
	IsInitial    bool      `json:"isInitial"`
	PromptKind   string    `json:"promptKind"`
	TotalChunks  int       `json:"totalChunks"`
	LinesAdded   int       `json:"linesAdded"`
	LinesRemoved int       `json:"linesRemoved"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RecordTurn appends a turn, creating the session row on first use. Line
// counts are taken against the session's most recent artifact.
func (s *Store) RecordTurn(ctx context.Context, turn Turn) (Request, error) {
	at := turn.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	stamp := at.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO flow_sessions (session_key, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET updated_at = excluded.updated_at`,
		turn.SessionKey, stamp, stamp)
	if err != nil {
		return Request{}, fmt.Errorf("upsert session: %w", err)
	}

	var sessionID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM flow_sessions WHERE session_key = ?`, turn.SessionKey).Scan(&sessionID); err != nil {
		return Request{}, fmt.Errorf("load session: %w", err)
	}

	var previous sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT drawio_xml FROM flow_requests
		WHERE session_id = ? AND drawio_xml IS NOT NULL ORDER BY id DESC LIMIT 1`, sessionID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("load previous artifact: %w", err)
	}

	var added, removed int
	if turn.Artifact != "" {
		added, removed = lineStats(previous.String, turn.Artifact)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO flow_requests
		(session_id, user_prompt, drawio_xml, is_initial, prompt_kind, total_chunks, lines_added, lines_removed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turn.UserPrompt, nullString(turn.Artifact), turn.IsInitial, turn.PromptKind,
		turn.TotalChunks, added, removed, stamp)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Request{}, fmt.Errorf("request id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit: %w", err)
	}

	return Request{
		ID:           id,
		SessionKey:   turn.SessionKey,
		UserPrompt:   turn.UserPrompt,
		DrawioXML:    turn.Artifact,
		IsInitial:    turn.IsInitial,
		PromptKind:   turn.PromptKind,
		TotalChunks:  turn.TotalChunks,
		LinesAdded:   added,
		LinesRemoved: removed,
		CreatedAt:    at,
	}, nil
}

// List returns up to limit turns for a session, oldest first.
func (s *Store) List(ctx context.Context, sessionKey string, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT r.id, r.user_prompt, r.drawio_xml, r.is_initial, r.prompt_kind,
			r.total_chunks, r.lines_added, r.lines_removed, r.created_at
		FROM flow_requests r JOIN flow_sessions s ON s.id = r.session_id
		WHERE s.session_key = ? ORDER BY r.id ASC LIMIT ?`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req := Request{SessionKey: sessionKey}
		var xml sql.NullString
		var createdAtStr string
		if err := rows.Scan(&req.ID, &req.UserPrompt, &xml, &req.IsInitial, &req.PromptKind,
			&req.TotalChunks, &req.LinesAdded, &req.LinesRemoved, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		req.DrawioXML = xml.String
		req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
