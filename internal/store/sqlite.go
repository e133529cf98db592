package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/vibechat/internal/chat"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// defaultPermission is the permission_id of a regular member.
const defaultPermission = 2

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	permission_id INTEGER NOT NULL DEFAULT 2
);

CREATE TABLE IF NOT EXISTS channels (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS member_of (
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	joined_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, channel_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id   INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id      INTEGER NOT NULL,
	message      TEXT NOT NULL,
	message_date TIMESTAMP NOT NULL,
	edited_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, message_date);
`

// SQLite is the relational store backing users, channels, memberships and
// messages. It holds a single connection, which serializes writers and keeps
// per-message updates atomic.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("path", path).Msg("sqlite store ready")
	return s, nil
}

func (s *SQLite) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts user. A duplicate email is a validation error.
func (s *SQLite) CreateUser(ctx context.Context, user chat.User) (chat.User, error) {
	if user.PermissionID == 0 {
		user.PermissionID = defaultPermission
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, permission_id) VALUES (?, ?, ?)`,
		user.Username, user.Email, user.PermissionID)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return chat.User{}, fmt.Errorf("%w: email %q already registered", chat.ErrValidation, user.Email)
		}
		return chat.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.User{}, fmt.Errorf("insert user: %w", err)
	}
	user.ID = chat.UserID(id)
	return user, nil
}

// DeleteUser removes the user; memberships cascade.
func (s *SQLite) DeleteUser(ctx context.Context, id chat.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("user %d", id))
}

// CreateChannel inserts a channel.
func (s *SQLite) CreateChannel(ctx context.Context, name string) (chat.Channel, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO channels (name) VALUES (?)`, name)
	if err != nil {
		return chat.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return chat.Channel{ID: chat.ChannelID(id), Name: name}, nil
}

// AddMember links userID to channelID. Unknown ids yield ErrNotFound.
func (s *SQLite) AddMember(ctx context.Context, userID chat.UserID, channelID chat.ChannelID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO member_of (user_id, channel_id, joined_at) VALUES (?, ?, ?)`,
		userID, channelID, time.Now().UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("member %d of channel %d: %w", userID, channelID, chat.ErrNotFound)
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// FindUser implements chat.UserDirectory.
func (s *SQLite) FindUser(ctx context.Context, id chat.UserID) (chat.User, error) {
	var user chat.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, permission_id FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.Email, &user.PermissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("find user %d: %w", id, err)
	}
	return user, nil
}

// IsMember reports false for unknown channels.
func (s *SQLite) IsMember(ctx context.Context, userID chat.UserID, channelID chat.ChannelID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM member_of WHERE user_id = ? AND channel_id = ?`, userID, channelID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("membership of %d in %d: %w", userID, channelID, err)
	}
	return n > 0, nil
}

// IsAdmin reports false for unknown users.
func (s *SQLite) IsAdmin(ctx context.Context, userID chat.UserID) (bool, error) {
	var permission int
	err := s.db.QueryRowContext(ctx, `SELECT permission_id FROM users WHERE id = ?`, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("permission of %d: %w", userID, err)
	}
	return permission == chat.AdminPermission, nil
}

// Members lists the users of channelID.
func (s *SQLite) Members(ctx context.Context, channelID chat.ChannelID) ([]chat.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM member_of WHERE channel_id = ? ORDER BY joined_at, rowid`, channelID)
	if err != nil {
		return nil, fmt.Errorf("members of %d: %w", channelID, err)
	}
	defer rows.Close()

	var members []chat.UserID
	for rows.Next() {
		var id chat.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("members of %d: %w", channelID, err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// Create inserts a message. An unknown channel yields ErrNotFound.
func (s *SQLite) Create(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, user_id, message, message_date) VALUES (?, ?, ?, ?)`,
		draft.ChannelID, draft.AuthorID, draft.Body, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return chat.Message{}, fmt.Errorf("channel %d: %w", draft.ChannelID, chat.ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return chat.Message{
		ID:        chat.MessageID(id),
		ChannelID: draft.ChannelID,
		AuthorID:  draft.AuthorID,
		Body:      draft.Body,
		CreatedAt: now,
	}, nil
}

// Edit overwrites the body in a single statement and reads the row back in
// the same transaction.
func (s *SQLite) Edit(ctx context.Context, id chat.MessageID, body string) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("edit message %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET message = ?, edited_at = ? WHERE id = ?`, body, time.Now().UTC(), id)
	if err != nil {
		return chat.Message{}, fmt.Errorf("edit message %d: %w", id, err)
	}
	if err := expectAffected(res, fmt.Sprintf("message %d", id)); err != nil {
		return chat.Message{}, err
	}

	msg, err := scanMessage(tx.QueryRowContext(ctx, selectMessage, id))
	if err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("edit message %d: %w", id, err)
	}
	return msg, nil
}

// Delete removes the message for good.
func (s *SQLite) Delete(ctx context.Context, id chat.MessageID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	return expectAffected(res, fmt.Sprintf("message %d", id))
}

// FindByID implements chat.MessageStore.
func (s *SQLite) FindByID(ctx context.Context, id chat.MessageID) (chat.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, selectMessage, id))
}

const selectMessage = `SELECT id, channel_id, user_id, message, message_date, edited_at FROM messages WHERE id = ?`

func scanMessage(row *sql.Row) (chat.Message, error) {
	var (
		msg    chat.Message
		edited sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Body, &msg.CreatedAt, &edited)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("message: %w", chat.ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if edited.Valid {
		t := edited.Time
		msg.EditedAt = &t
	}
	return msg, nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, chat.ErrNotFound)
	}
	return nil
}
