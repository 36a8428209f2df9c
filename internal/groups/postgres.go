package groups

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool / pgx.Conn used by Postgres.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const membersQuery = `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY joined_at, user_id`

// Postgres resolves membership from the group_members table shared with the
// message store.
type Postgres struct {
	db Querier
}

// NewPostgres creates a Postgres resolver.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// Resolve implements Resolver.
func (p *Postgres) Resolve(ctx context.Context, groupID string) ([]string, error) {
	rows, err := p.db.Query(ctx, membersQuery, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", groupID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members of %s: %w", groupID, err)
	}
	return members, nil
}
