package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Role values mirror the memberships.role column.
const (
	RoleLeader = "LEADER"
	RoleMember = "MEMBER"
)

var (
	ErrGraphNotFound      = errors.New("graph not found")
	ErrMembershipNotFound = errors.New("membership not found")
)

type GraphRow struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	LeaderID string `json:"leader_id"`
}

type Membership struct {
	GraphID string `json:"graph_id"`
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
}

// CommandRow is one append-only entry of the persisted command log.
type CommandRow struct {
	ID        string    `json:"id"`
	GraphID   string    `json:"graph_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

// IGraphStore is the persistence contract the session core consumes. The
// schema is owned by the CRUD side of the product; this package only reads
// and writes the rows the session manager needs.
type IGraphStore interface {
	GetGraph(ctx context.Context, graphID string) (*GraphRow, error)
	GetMembership(ctx context.Context, graphID, userID string) (*Membership, error)
	// PromoteLeader demotes the current LEADER row (if any), promotes the
	// target and updates graphs.leader_id, all in one transaction.
	PromoteLeader(ctx context.Context, graphID, userID string) error
	DeleteMembership(ctx context.Context, graphID, userID string) error
	// DeleteGraph removes the graph and everything hanging off it:
	// links, entities, commands, memberships, then the graph row.
	DeleteGraph(ctx context.Context, graphID string) error
	AppendCommand(ctx context.Context, cmd *CommandRow) error
	ListCommands(ctx context.Context, graphID string, limit, offset int) ([]CommandRow, error)
}

type graphStore struct {
	db *sql.DB
}

var _ IGraphStore = (*graphStore)(nil)

func New(db *sql.DB) IGraphStore { return &graphStore{db: db} }

func (s *graphStore) GetGraph(ctx context.Context, graphID string) (*GraphRow, error) {
	const q = `SELECT id, owner_id, coalesce(leader_id,'')
	             FROM graphs WHERE id = $1`
	g := &GraphRow{}
	err := s.db.QueryRowContext(ctx, q, graphID).Scan(&g.ID, &g.OwnerID, &g.LeaderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGraphNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *graphStore) GetMembership(ctx context.Context, graphID, userID string) (*Membership, error) {
	const q = `SELECT graph_id, user_id, role
	             FROM memberships WHERE graph_id = $1 AND user_id = $2`
	m := &Membership{}
	err := s.db.QueryRowContext(ctx, q, graphID, userID).Scan(&m.GraphID, &m.UserID, &m.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *graphStore) PromoteLeader(ctx context.Context, graphID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Demote-then-promote keeps the single-LEADER invariant even if the
	// previous leader row is already gone.
	if _, err = tx.ExecContext(ctx,
		`UPDATE memberships SET role = $1 WHERE graph_id = $2 AND role = $3`,
		RoleMember, graphID, RoleLeader); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE memberships SET role = $1 WHERE graph_id = $2 AND user_id = $3`,
		RoleLeader, graphID, userID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE graphs SET leader_id = $1 WHERE id = $2`,
		userID, graphID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *graphStore) DeleteMembership(ctx context.Context, graphID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE graph_id = $1 AND user_id = $2`,
		graphID, userID)
	return err
}

func (s *graphStore) DeleteGraph(ctx context.Context, graphID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM links       WHERE graph_id = $1`,
		`DELETE FROM entities    WHERE graph_id = $1`,
		`DELETE FROM commands    WHERE graph_id = $1`,
		`DELETE FROM memberships WHERE graph_id = $1`,
		`DELETE FROM graphs      WHERE id = $1`,
	} {
		if _, err = tx.ExecContext(ctx, q, graphID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *graphStore) AppendCommand(ctx context.Context, cmd *CommandRow) error {
	const q = `INSERT INTO commands (id, graph_id, type, payload, user_id, user_name, created_at)
	                VALUES ($1, $2, $3, $4, $5, $6, $7)
	           ON CONFLICT (id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, q,
		cmd.ID, cmd.GraphID, cmd.Type, cmd.Payload,
		cmd.UserID, cmd.UserName, cmd.CreatedAt)
	return err
}

func (s *graphStore) ListCommands(ctx context.Context, graphID string, limit, offset int) ([]CommandRow, error) {
	if limit == 0 {
		limit = 50
	}
	const q = `SELECT id, graph_id, type, payload, user_id, user_name, created_at
	             FROM commands WHERE graph_id = $1
	         ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, q, graphID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]CommandRow, 0, limit)
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.ID, &c.GraphID, &c.Type, &c.Payload,
			&c.UserID, &c.UserName, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
