package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/model"
)

// SQLiteStore implements both MessageLog and Directory on a single SQLite
// database. It backs single-node deployments and development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chat.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY under concurrent flushes
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL,
		room_id INTEGER NOT NULL,
		body TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		UNIQUE (sender_id, room_id, body, sent_at)
	);

	CREATE INDEX IF NOT EXISTS idx_room_messages_room ON room_messages(room_id, sent_at, sender_id);
	CREATE INDEX IF NOT EXISTS idx_room_messages_sender ON room_messages(sender_id);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

	CREATE TABLE IF NOT EXISTS push_tokens (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		platform TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, msgs []model.Message) (AppendResult, error) {
	var res AppendResult
	if len(msgs) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO room_messages (sender_id, room_id, body, sent_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return res, err
	}
	defer stmt.Close()

	for _, m := range msgs {
		r, err := stmt.ExecContext(ctx, m.SenderID, m.RoomID, m.Body, m.Timestamp)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert message: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return AppendResult{}, err
		}
		if n == 0 {
			res.Skipped++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return res, nil
}

const sqliteMessageColumns = "SELECT room_id, sender_id, body, sent_at FROM room_messages "

func (s *SQLiteStore) Range(ctx context.Context, roomID int64, from, to model.Key) ([]model.Message, error) {
	return s.queryMessages(ctx, sqliteMessageColumns+
		"WHERE room_id = ? AND (sent_at, sender_id) >= (?, ?) AND (sent_at, sender_id) < (?, ?) "+
		"ORDER BY sent_at, sender_id, body",
		roomID, from.Timestamp(), from.Sender(), to.Timestamp(), to.Sender())
}

func (s *SQLiteStore) Before(ctx context.Context, roomID int64, before model.Key, limit int) ([]model.Message, error) {
	msgs, err := s.queryMessages(ctx, sqliteMessageColumns+
		"WHERE room_id = ? AND (sent_at, sender_id) < (?, ?) "+
		"ORDER BY sent_at DESC, sender_id DESC, body DESC LIMIT ?",
		roomID, before.Timestamp(), before.Sender(), limit)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) FullHistory(ctx context.Context, roomID int64) ([]model.Message, error) {
	return s.queryMessages(ctx, sqliteMessageColumns+
		"WHERE room_id = ? ORDER BY sent_at, sender_id, body", roomID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.RoomID, &m.SenderID, &m.Body, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) RoomMembers(ctx context.Context, roomID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id", roomID)
}

func (s *SQLiteStore) UserRooms(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT room_id FROM room_members WHERE user_id = ? ORDER BY room_id", userID)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, arg int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) AddMember(ctx context.Context, roomID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)", roomID, userID)
	return err
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = ? AND user_id = ?", roomID, userID)
	return err
}

func (s *SQLiteStore) UserTokens(ctx context.Context, userID int64) ([]model.PushToken, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, token, platform FROM push_tokens WHERE user_id = ? ORDER BY token", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]model.PushToken, 0)
	for rows.Next() {
		var t model.PushToken
		if err := rows.Scan(&t.UserID, &t.Token, &t.Platform); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) SaveToken(ctx context.Context, t model.PushToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (token, user_id, platform) VALUES (?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform
	`, t.Token, t.UserID, string(t.Platform))
	return err
}

func (s *SQLiteStore) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",")

	_, err := s.db.ExecContext(ctx, "DELETE FROM push_tokens WHERE token IN ("+placeholders+")", args...)
	return err
}
