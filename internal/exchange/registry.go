package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// codeRow is the registry's working view of an activation code.
type codeRow struct {
	ID           uuid.UUID
	Code         string
	AgentID      uuid.UUID
	Status       CodeStatus
	HolderUserID *uuid.UUID
	RedeemedAt   *time.Time
}

func lookupCode(ctx context.Context, q querier, code string) (*codeRow, error) {
	var c codeRow
	err := q.QueryRow(ctx, `
		select id, code, agent_id, status, holder_user_id, redeemed_at
		from activation_codes
		where code = $1
	`, code).Scan(&c.ID, &c.Code, &c.AgentID, &c.Status, &c.HolderUserID, &c.RedeemedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errf(KindNotFound, "activation code not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// lockCodeByCode locks the code row for the rest of the transaction.
func lockCodeByCode(ctx context.Context, tx pgx.Tx, code string) (*codeRow, error) {
	var c codeRow
	err := tx.QueryRow(ctx, `
		select id, code, agent_id, status, holder_user_id, redeemed_at
		from activation_codes
		where code = $1
		for update
	`, code).Scan(&c.ID, &c.Code, &c.AgentID, &c.Status, &c.HolderUserID, &c.RedeemedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errf(KindNotFound, "activation code not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func lockCodeByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*codeRow, error) {
	var c codeRow
	err := tx.QueryRow(ctx, `
		select id, code, agent_id, status, holder_user_id, redeemed_at
		from activation_codes
		where id = $1
		for update
	`, id).Scan(&c.ID, &c.Code, &c.AgentID, &c.Status, &c.HolderUserID, &c.RedeemedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errf(KindNotFound, "activation code not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// markRedeemed flips a code UNUSED -> ACTIVATED for the given holder. The
// status guard in the WHERE clause is the single serialization point for
// double-spends: whichever transaction gets here first wins, the loser
// sees zero rows affected.
func markRedeemed(ctx context.Context, tx pgx.Tx, codeID, holderUserID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		update activation_codes
		set status = 'activated', holder_user_id = $2, redeemed_at = now()
		where id = $1 and status = 'unused'
	`, codeID, holderUserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status CodeStatus
	err = tx.QueryRow(ctx, `select status from activation_codes where id = $1`, codeID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return errf(KindNotFound, "activation code not found")
	}
	if err != nil {
		return err
	}
	if status == CodeVoid {
		return errf(KindVoid, "this activation code has been voided")
	}
	return errf(KindAlreadyUsed, "this activation code has already been used")
}

// liveListingExists reports whether a code is attached to a non-terminal
// listing.
func liveListingExists(ctx context.Context, q querier, codeID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		select true
		from listings
		where offered_code_id = $1 and status in ('pending', 'trading')
		limit 1
	`, codeID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return exists, err
}

// liveProposalWithCodeExists reports whether a code backs a pending or
// accepted proposal.
func liveProposalWithCodeExists(ctx context.Context, q querier, codeID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		select true
		from proposals
		where proposer_code_id = $1 and status in ('pending', 'accepted')
		limit 1
	`, codeID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return exists, err
}
