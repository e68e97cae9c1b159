// Package exchange implements the activation-code exchange engine: code
// redemption, spare-code listings, counter-proposals, and the atomic swap
// that settles a trade. Every multi-row mutation opens its transaction at
// the top of the operation and commits or rolls back as a unit; shared
// rows are serialized with row-level locks inside those transactions.
package exchange

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"agentbox/internal/receipt"
)

type Service struct {
	db     *pgxpool.Pool
	log    zerolog.Logger
	signer receipt.Signer

	codePrefix string
	pageLimit  int

	// Test-only failure injection inside the settle transaction.
	settleHook func(stage string) error
}

func New(db *pgxpool.Pool, log zerolog.Logger, signer receipt.Signer, codePrefix string, pageLimit int) *Service {
	if pageLimit < 1 {
		pageLimit = 20
	}
	return &Service{
		db:         db,
		log:        log,
		signer:     signer,
		codePrefix: codePrefix,
		pageLimit:  pageLimit,
	}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read helpers
// run either standalone or inside an operation's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Service) audit(ctx context.Context, actorID uuid.UUID, action string, data map[string]any) {
	// Best-effort; never fails the caller.
	if _, err := s.db.Exec(ctx, `
		insert into audit_logs (actor_id, action, data)
		values ($1, $2, $3)
	`, actorID, action, data); err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit insert failed")
	}
}

func (s *Service) agentRef(ctx context.Context, q querier, agentID uuid.UUID) (AgentRef, error) {
	var a AgentRef
	err := q.QueryRow(ctx, `
		select id, name, slug, rarity
		from agents
		where id = $1
	`, agentID).Scan(&a.ID, &a.Name, &a.Slug, &a.Rarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentRef{}, errf(KindNotFound, "agent not found")
	}
	return a, err
}

// activeAgentExists distinguishes "never existed" from "retired from the
// catalog"; both make an agent an invalid trade target.
func activeAgentExists(ctx context.Context, q querier, agentID uuid.UUID) (bool, error) {
	var active bool
	err := q.QueryRow(ctx, `select active from agents where id = $1`, agentID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, `
		select id, nickname, total_agents
		from users
		where id = $1
	`, userID).Scan(&p.UserID, &p.Nickname, &p.TotalAgents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errf(KindNotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func notFoundOr(err error, reason string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errf(KindNotFound, reason)
	}
	return err
}

// uniqueViolation maps a constraint race lost at insert time to the same
// engine error the explicit pre-check produces.
func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
