package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HasCode   bool      `json:"has_code"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Change is one recorded edit or resolution in a room's history.
type Change struct {
	ID         int64     `json:"id"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	ChangeType string    `json:"change_type"`
	Code       string    `json:"code"`
	CreatedAt  time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
}

// Presence events
const (
	EventJoin  = "join"
	EventLeave = "leave"
)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database initialized", "path", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		code TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS code_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		change_type TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_code_changes_room_id ON code_changes(room_id, id);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		event TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		is_system BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room_id, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, code IS NOT NULL, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.HasCode, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, code IS NOT NULL, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.HasCode, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// ListRoomIDs pages through room IDs in ID order, starting after the given
// ID. Unlike ListRooms the order does not move when rooms are updated.
func (d *Database) ListRoomIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id FROM rooms WHERE id > ? ORDER BY id LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Canonical code

// LoadCode returns the room's saved canonical code. ok is false when the
// room was never saved.
func (d *Database) LoadCode(ctx context.Context, roomID string) (string, bool, error) {
	var code sql.NullString
	err := d.db.QueryRowContext(ctx, "SELECT code FROM rooms WHERE id = ?", roomID).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code.String, code.Valid, nil
}

const upsertCode = `
	INSERT INTO rooms (id, code) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET
		code = excluded.code,
		updated_at = CURRENT_TIMESTAMP
`

// Change history

// RecordChange appends to the room's history and makes code canonical.
func (d *Database) RecordChange(ctx context.Context, roomID, userID, changeType, code string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertCode, roomID, code); err != nil {
		return fmt.Errorf("update room code: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO code_changes (room_id, user_id, change_type, code) VALUES (?, ?, ?, ?)",
		roomID, userID, changeType, code,
	); err != nil {
		return fmt.Errorf("insert change: %w", err)
	}

	return tx.Commit()
}

// ListChanges returns the room's most recent changes, newest first
func (d *Database) ListChanges(ctx context.Context, roomID string, limit int) ([]Change, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, change_type, code, created_at
		FROM code_changes
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.ID, &c.RoomID, &c.UserID, &c.ChangeType, &c.Code, &c.CreatedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// GetChange returns one recorded change, or nil if it does not exist
func (d *Database) GetChange(ctx context.Context, id int64) (*Change, error) {
	var c Change
	err := d.db.QueryRowContext(ctx,
		"SELECT id, room_id, user_id, change_type, code, created_at FROM code_changes WHERE id = ?",
		id,
	).Scan(&c.ID, &c.RoomID, &c.UserID, &c.ChangeType, &c.Code, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (d *Database) GetChangeCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM code_changes WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// PruneChanges deletes old history, keeping only the most recent keepCount rows
func (d *Database) PruneChanges(ctx context.Context, roomID string, keepCount int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM code_changes
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM code_changes
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Presence and chat

func (d *Database) RecordEvent(ctx context.Context, roomID, userID, event string) error {
	if err := d.CreateRoom(ctx, roomID, ""); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO room_events (room_id, user_id, event) VALUES (?, ?, ?)",
		roomID, userID, event,
	)
	return err
}

func (d *Database) CountEvents(ctx context.Context, roomID, event string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_events WHERE room_id = ? AND event = ?",
		roomID, event,
	).Scan(&count)
	return count, err
}

func (d *Database) SaveChatMessage(ctx context.Context, m ChatMessage) error {
	if err := d.CreateRoom(ctx, m.RoomID, ""); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO chat_messages (room_id, user_id, username, message, is_system) VALUES (?, ?, ?, ?, ?)",
		m.RoomID, m.UserID, m.Username, m.Message, m.System,
	)
	return err
}

// ListChatMessages returns the most recent messages in chronological order
func (d *Database) ListChatMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, username, message, is_system, created_at
		FROM chat_messages
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Message, &m.System, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var changeCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM code_changes").Scan(&changeCount); err != nil {
		return nil, err
	}
	stats["change_count"] = changeCount

	var chatCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages").Scan(&chatCount); err != nil {
		return nil, err
	}
	stats["chat_count"] = chatCount

	return stats, nil
}
