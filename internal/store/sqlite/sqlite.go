package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pingchat/ping-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT NOT NULL UNIQUE,
	nickname      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS channels (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	owner_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	is_private BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	content    TEXT NOT NULL,
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS channel_users (
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kick_votes INTEGER NOT NULL DEFAULT 0,
	joined_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (channel_id, user_id)
);

CREATE TABLE IF NOT EXISTS kicks (
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	voter_id   INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	kicked_id  INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (channel_id, voter_id, kicked_id)
);

CREATE TABLE IF NOT EXISTS banned_users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (channel_id, user_id)
);
`

// Seed rows: the system user authors announcements, and the public "general"
// channel greets new installations.
const seed = `
INSERT OR IGNORE INTO users (id, email, nickname, name, password_hash)
VALUES (-1, 'system@system.com', 'system', 'System', '');

INSERT OR IGNORE INTO channels (id, name, owner_id, is_private)
VALUES (-1, 'general', -1, 0);

INSERT OR IGNORE INTO channel_users (channel_id, user_id)
VALUES (-1, -1);
`

const welcomeGeneral = "Welcome to the general channel! This is a read-only channel for system announcements."

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// New opens the database, applies the schema and seeds baseline rows.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(seed); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed database: %w", err)
	}

	// Write the general welcome message once.
	var n int
	if err := db.Get(&n, `SELECT COUNT(*) FROM messages WHERE channel_id = -1`); err != nil {
		db.Close()
		return nil, fmt.Errorf("check seed message: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec(
			`INSERT INTO messages (content, channel_id, user_id) VALUES (?, -1, ?)`,
			welcomeGeneral, store.SystemUserID,
		); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed message: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup opens the database and runs a setup function instead of the
// built-in schema. Useful for tests.
func NewWithSetup(dbPath string, setup func(*sqlx.DB) error) (*SQLiteStore, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func open(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, nickname, name, passwordHash string) (*store.User, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, nickname, name, password_hash) VALUES (?, ?, ?, ?)`,
		email, nickname, name, passwordHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE id = ?`, id)
}

// GetUserByNickname retrieves a user by nickname.
func (s *SQLiteStore) GetUserByNickname(ctx context.Context, nickname string) (*store.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE nickname = ?`, nickname)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	return s.getUser(ctx, `SELECT * FROM users WHERE email = ?`, email)
}

func (s *SQLiteStore) getUser(ctx context.Context, query string, arg any) (*store.User, error) {
	var user store.User
	if err := s.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== ChannelStore implementation ====

// CreateChannel creates a channel and inserts the owner as its first member.
func (s *SQLiteStore) CreateChannel(ctx context.Context, name string, ownerID int64, isPrivate bool) (*store.Channel, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO channels (name, owner_id, is_private) VALUES (?, ?, ?)`,
		name, ownerID, isPrivate,
	)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_users (channel_id, user_id) VALUES (?, ?)`,
		id, ownerID,
	); err != nil {
		return nil, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	var channel store.Channel
	if err := s.db.GetContext(ctx, &channel, `SELECT * FROM channels WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return &channel, nil
}

// GetChannelByName retrieves a channel by its unique name.
func (s *SQLiteStore) GetChannelByName(ctx context.Context, name string) (*store.Channel, error) {
	var channel store.Channel
	if err := s.db.GetContext(ctx, &channel, `SELECT * FROM channels WHERE name = ?`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return &channel, nil
}

// ListUserChannels lists channels the user is a member of.
func (s *SQLiteStore) ListUserChannels(ctx context.Context, userID int64) ([]*store.Channel, error) {
	var channels []*store.Channel
	err := s.db.SelectContext(ctx, &channels, `
		SELECT c.*
		FROM channels c
		JOIN channel_users cu ON cu.channel_id = c.id
		WHERE cu.user_id = ?
		ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user channels: %w", err)
	}
	return channels, nil
}

// DeleteChannel removes the channel; related rows cascade.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteInactiveChannels removes channels whose newest message is older than
// the cutoff.
func (s *SQLiteStore) DeleteInactiveChannels(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.id, c.name
		FROM channels c
		JOIN messages m ON m.channel_id = c.id
		GROUP BY c.id
		HAVING MAX(m.created_at) < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query inactive channels: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var names []string
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan inactive channel: %w", err)
		}
		ids = append(ids, id)
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inactive channels: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id); err != nil {
			return names, fmt.Errorf("delete channel %d: %w", id, err)
		}
	}
	return names, nil
}

// ==== MembershipStore implementation ====

// AddMember inserts a membership with zero kick votes and clears any ban.
func (s *SQLiteStore) AddMember(ctx context.Context, channelID, userID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_users (channel_id, user_id) VALUES (?, ?)`,
		channelID, userID,
	); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM banned_users WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	); err != nil {
		return fmt.Errorf("clear ban: %w", err)
	}

	return tx.Commit()
}

// RemoveMember deletes the membership and purges kick votes referencing the
// user as voter or target. If ban is true a ban row is inserted.
func (s *SQLiteStore) RemoveMember(ctx context.Context, channelID, userID int64, ban bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM channel_users WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kicks WHERE channel_id = ? AND (voter_id = ? OR kicked_id = ?)`,
		channelID, userID, userID,
	); err != nil {
		return fmt.Errorf("purge kick votes: %w", err)
	}

	if ban {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO banned_users (channel_id, user_id) VALUES (?, ?)`,
			channelID, userID,
		); err != nil {
			return fmt.Errorf("insert ban: %w", err)
		}
	}

	return tx.Commit()
}

// IsMember reports whether a membership row exists.
func (s *SQLiteStore) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM channel_users WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

// ListMembers lists users that are members of the channel.
func (s *SQLiteStore) ListMembers(ctx context.Context, channelID int64) ([]*store.User, error) {
	var users []*store.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT u.*
		FROM users u
		JOIN channel_users cu ON cu.user_id = u.id
		WHERE cu.channel_id = ?
		ORDER BY u.nickname`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	return users, nil
}

// IsBanned reports whether the user is banned from the channel.
func (s *SQLiteStore) IsBanned(ctx context.Context, channelID, userID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM banned_users WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("query ban: %w", err)
	}
	return n > 0, nil
}

// CastKickVote records a vote and resolves the kick if the threshold is
// reached. The duplicate check, the recount and the conditional removal run in
// one transaction so two concurrent votes cannot both observe a pre-threshold
// tally.
func (s *SQLiteStore) CastKickVote(ctx context.Context, channelID, voterID, targetID int64, threshold int) (*store.KickResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM kicks WHERE channel_id = ? AND voter_id = ? AND kicked_id = ?`,
		channelID, voterID, targetID,
	); err != nil {
		return nil, fmt.Errorf("check existing vote: %w", err)
	}
	if n > 0 {
		return nil, store.ErrDuplicateVote
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kicks (channel_id, voter_id, kicked_id) VALUES (?, ?, ?)`,
		channelID, voterID, targetID,
	); err != nil {
		return nil, fmt.Errorf("insert vote: %w", err)
	}

	var votes int
	if err := tx.GetContext(ctx, &votes,
		`SELECT COUNT(DISTINCT voter_id) FROM kicks WHERE channel_id = ? AND kicked_id = ?`,
		channelID, targetID,
	); err != nil {
		return nil, fmt.Errorf("count votes: %w", err)
	}

	result := &store.KickResult{Votes: votes}

	if votes >= threshold {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channel_users WHERE channel_id = ? AND user_id = ?`,
			channelID, targetID,
		); err != nil {
			return nil, fmt.Errorf("delete membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kicks WHERE channel_id = ? AND (voter_id = ? OR kicked_id = ?)`,
			channelID, targetID, targetID,
		); err != nil {
			return nil, fmt.Errorf("purge kick votes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO banned_users (channel_id, user_id) VALUES (?, ?)`,
			channelID, targetID,
		); err != nil {
			return nil, fmt.Errorf("insert ban: %w", err)
		}
		result.Removed = true
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE channel_users SET kick_votes = ? WHERE channel_id = ? AND user_id = ?`,
			votes, channelID, targetID,
		); err != nil {
			return nil, fmt.Errorf("update vote tally: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// CountKickVotes returns the number of distinct voters against the target.
func (s *SQLiteStore) CountKickVotes(ctx context.Context, channelID, targetID int64) (int, error) {
	var votes int
	err := s.db.GetContext(ctx, &votes,
		`SELECT COUNT(DISTINCT voter_id) FROM kicks WHERE channel_id = ? AND kicked_id = ?`,
		channelID, targetID,
	)
	if err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return votes, nil
}

// ==== MessageStore implementation ====

// CreateMessage persists a message and returns it with the author loaded.
func (s *SQLiteStore) CreateMessage(ctx context.Context, channelID, userID int64, content string) (*store.Message, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (content, channel_id, user_id) VALUES (?, ?, ?)`,
		content, channelID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.getMessage(ctx, id)
}

// ListMessages returns up to limit messages oldest-first. When beforeID is
// set, only messages older than it are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID int64, beforeID *int64, limit int) ([]*store.Message, error) {
	query := `
		SELECT m.id, m.content, m.channel_id, m.user_id, m.created_at, m.updated_at,
		       u.id AS author_id, u.email, u.nickname, u.name, u.created_at AS author_created_at, u.updated_at AS author_updated_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.channel_id = ?`
	args := []any{channelID}
	if beforeID != nil {
		query += ` AND m.id < ?`
		args = append(args, *beforeID)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Ordered newest-first by the query; reverse so the chat reads oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastMessage returns the newest message of the channel.
func (s *SQLiteStore) LastMessage(ctx context.Context, channelID int64) (*store.Message, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM messages WHERE channel_id = ? ORDER BY id DESC LIMIT 1`,
		channelID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query last message: %w", err)
	}
	return s.getMessage(ctx, id)
}

func (s *SQLiteStore) getMessage(ctx context.Context, id int64) (*store.Message, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT m.id, m.content, m.channel_id, m.user_id, m.created_at, m.updated_at,
		       u.id AS author_id, u.email, u.nickname, u.name, u.created_at AS author_created_at, u.updated_at AS author_updated_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.id = ?`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var author store.User
	err := row.Scan(
		&msg.ID, &msg.Content, &msg.ChannelID, &msg.UserID, &msg.CreatedAt, &msg.UpdatedAt,
		&author.ID, &author.Email, &author.Nickname, &author.Name, &author.CreatedAt, &author.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Author = &author
	return &msg, nil
}
