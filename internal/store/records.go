package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vtt/internal/scene"
)

func encodeDrawing(d scene.Drawing) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode drawing %s: %w", d.ID, err)
	}
	return data, nil
}

func decodeDrawing(payload []byte) (scene.Drawing, error) {
	var d scene.Drawing
	if err := json.Unmarshal(payload, &d); err != nil {
		return scene.Drawing{}, fmt.Errorf("decode drawing: %w", err)
	}
	return d, nil
}

// UpsertCharacter stores a character record and returns it with the
// server-assigned update time.
func (s *Store) UpsertCharacter(ctx context.Context, c scene.Character) (scene.Character, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(c)
	if err != nil {
		return scene.Character{}, fmt.Errorf("encode character %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO characters (id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		c.ID, payload, c.UpdatedAt)
	if err != nil {
		return scene.Character{}, fmt.Errorf("upsert character %s: %w", c.ID, err)
	}
	return c, nil
}

// ReplaceNotes replaces the shared ordered note list wholesale.
func (s *Store) ReplaceNotes(ctx context.Context, notes []scene.Note) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notes tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear notes: %w", err)
	}
	for i, n := range notes {
		payload, err := json.Marshal(n)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode note %s: %w", n.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO notes (position, payload) VALUES (?, ?)`, i, payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert note %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// Notes returns the shared note list in order.
func (s *Store) Notes(ctx context.Context) ([]scene.Note, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM notes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	notes := []scene.Note{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		var n scene.Note
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, fmt.Errorf("decode note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// AddMessage stores a chat line with a server-assigned id and timestamp and
// returns the canonical record.
func (s *Store) AddMessage(ctx context.Context, m scene.ChatMessage) (scene.ChatMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(m)
	if err != nil {
		return scene.ChatMessage{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, payload, created_at) VALUES (?, ?, ?)`,
		m.ID, payload, m.CreatedAt)
	if err != nil {
		return scene.ChatMessage{}, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return m, nil
}

// RecentMessages returns up to limit chat lines, oldest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]scene.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM (
			SELECT payload, created_at, rowid AS rid FROM messages ORDER BY created_at DESC, rid DESC LIMIT ?
		) ORDER BY created_at, rid`, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []scene.ChatMessage{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m scene.ChatMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
