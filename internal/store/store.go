// Package store persists tabletop state to SQLite. Scenes are whole JSON
// documents replaced on every save; drawings are the one entity with
// row-level insert and delete.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vtt/internal/scene"
)

// ErrNotFound is returned when a requested row does not exist. Callers racing
// a delete against a read must tolerate it, not treat it as fatal.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite handle and exposes the persistence contract the
// sync layer depends on.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open prepares a SQLite database at the given path and ensures the schema
// exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scenes (
			id INTEGER PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drawings (
			id TEXT PRIMARY KEY,
			scene_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notes (
			position INTEGER PRIMARY KEY,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drawings_scene_created ON drawings(scene_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC, id DESC);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// SceneByID loads a scene snapshot. A missing row yields ErrNotFound; a row
// whose payload no longer parses degrades to the default scene and reports
// scene.ErrCorruptSnapshot so the caller can surface a recoverable notice.
func (s *Store) SceneByID(ctx context.Context, id int64) (scene.Scene, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM scenes WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return scene.Default(id), ErrNotFound
	}
	if err != nil {
		return scene.Default(id), fmt.Errorf("query scene %d: %w", id, err)
	}

	decoded, err := scene.DecodeSnapshot(id, payload)
	if err != nil {
		s.logger.Error("corrupt scene snapshot", slog.Int64("scene", id), slog.String("error", err.Error()))
		return decoded, err
	}
	return decoded, nil
}

// SaveScene replaces the whole scene document and returns the canonical
// record with the server-assigned save timestamp. Last successful writer
// wins; there is no versioning.
func (s *Store) SaveScene(ctx context.Context, sc scene.Scene) (scene.Scene, error) {
	sc.SavedAt = time.Now().UTC()
	payload, err := scene.EncodeSnapshot(sc)
	if err != nil {
		return scene.Scene{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenes (id, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		sc.ID, payload, sc.SavedAt)
	if err != nil {
		return scene.Scene{}, fmt.Errorf("save scene %d: %w", sc.ID, err)
	}
	return sc, nil
}

// DrawingsByScene returns a scene's drawings in creation order.
func (s *Store) DrawingsByScene(ctx context.Context, sceneID int64) ([]scene.Drawing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM drawings WHERE scene_id = ? ORDER BY created_at, rowid`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query drawings for scene %d: %w", sceneID, err)
	}
	defer rows.Close()

	drawings := []scene.Drawing{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan drawing: %w", err)
		}
		d, err := decodeDrawing(payload)
		if err != nil {
			s.logger.Error("corrupt drawing row", slog.Int64("scene", sceneID), slog.String("error", err.Error()))
			continue
		}
		drawings = append(drawings, d)
	}
	return drawings, rows.Err()
}

// AddDrawing inserts a drawing row, assigning an id and timestamp when the
// client did not, and returns the canonical record.
func (s *Store) AddDrawing(ctx context.Context, d scene.Drawing) (scene.Drawing, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	payload, err := encodeDrawing(d)
	if err != nil {
		return scene.Drawing{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO drawings (id, scene_id, payload, created_by, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		d.ID, d.SceneID, payload, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return scene.Drawing{}, fmt.Errorf("insert drawing %s: %w", d.ID, err)
	}
	return d, nil
}

// DeleteDrawing removes a drawing row and returns the deleted record so the
// caller can broadcast its scene id.
func (s *Store) DeleteDrawing(ctx context.Context, id string) (scene.Drawing, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM drawings WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return scene.Drawing{}, ErrNotFound
	}
	if err != nil {
		return scene.Drawing{}, fmt.Errorf("query drawing %s: %w", id, err)
	}

	d, err := decodeDrawing(payload)
	if err != nil {
		return scene.Drawing{}, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM drawings WHERE id = ?`, id); err != nil {
		return scene.Drawing{}, fmt.Errorf("delete drawing %s: %w", id, err)
	}
	return d, nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}
