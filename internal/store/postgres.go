package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the message and group membership tables. group_members is
// also read by groups.Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT,
	group_id     TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK ((recipient_id IS NULL) <> (group_id IS NULL))
);
CREATE INDEX IF NOT EXISTS messages_group_idx ON messages (group_id, created_at);
CREATE INDEX IF NOT EXISTS messages_direct_idx ON messages (sender_id, recipient_id, created_at);
CREATE TABLE IF NOT EXISTS group_members (
	group_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (group_id, user_id)
);`

const (
	insertMessage = `INSERT INTO messages (id, content, sender_id, recipient_id, group_id)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
RETURNING created_at`

	selectColumns = `SELECT id, content, sender_id, COALESCE(recipient_id, ''), COALESCE(group_id, ''), created_at FROM messages`

	listGroup = selectColumns + ` WHERE group_id = $1 ORDER BY created_at, id`

	listUser = selectColumns + ` WHERE group_id IS NULL AND (sender_id = $1 OR recipient_id = $1) ORDER BY created_at, id`

	listPair = selectColumns + ` WHERE group_id IS NULL
AND ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
ORDER BY created_at, id`
)

// Postgres is a Store backed by PostgreSQL through pgx.
type Postgres struct {
	db DB
}

// NewPostgres wraps a pgx pool or connection.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateMessage implements Store.
func (p *Postgres) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	stored := Message{
		ID:          uuid.NewString(),
		Content:     msg.Content,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
	}
	err := p.db.QueryRow(ctx, insertMessage,
		stored.ID, stored.Content, stored.SenderID, stored.RecipientID, stored.GroupID,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	return stored, nil
}

// ListMessages implements Store.
func (p *Postgres) ListMessages(ctx context.Context, q Query) ([]Message, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case q.GroupID != "":
		rows, err = p.db.Query(ctx, listGroup, q.GroupID)
	case q.PeerID != "":
		rows, err = p.db.Query(ctx, listPair, q.UserID, q.PeerID)
	default:
		rows, err = p.db.Query(ctx, listUser, q.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Content, &m.SenderID, &m.RecipientID, &m.GroupID, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return messages, nil
}

// AddGroupMember records a membership row used by groups.Postgres.
func (p *Postgres) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, groupID, err)
	}
	return nil
}
