package exchange

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func hasUnlocked(ctx context.Context, q querier, userID, agentID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		select true
		from agent_unlocks
		where user_id = $1 and agent_id = $2
	`, userID, agentID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return exists, err
}

// grantOrRefresh upserts the (user, agent) unlock. A first unlock inserts
// the record and bumps the user's total_agents in the same transaction; a
// repeat unlock only refreshes source_code_id/unlocked_at, so duplicate
// trades never inflate the counter. Returns whether a new record was
// created.
func grantOrRefresh(ctx context.Context, tx pgx.Tx, userID, agentID, sourceCodeID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		insert into agent_unlocks (user_id, agent_id, source_code_id)
		values ($1, $2, $3)
		on conflict (user_id, agent_id) do nothing
	`, userID, agentID, sourceCodeID)
	if err != nil {
		return false, err
	}

	if tag.RowsAffected() == 1 {
		if _, err := tx.Exec(ctx, `
			update users set total_agents = total_agents + 1 where id = $1
		`, userID); err != nil {
			return false, err
		}
		return true, nil
	}

	if _, err := tx.Exec(ctx, `
		update agent_unlocks
		set source_code_id = $3, unlocked_at = now()
		where user_id = $1 and agent_id = $2
	`, userID, agentID, sourceCodeID); err != nil {
		return false, err
	}
	return false, nil
}

// MyUnlocks lists the caller's unlocked agents, most recent first.
func (s *Service) MyUnlocks(ctx context.Context, userID uuid.UUID) ([]UnlockView, error) {
	rows, err := s.db.Query(ctx, `
		select a.id, a.name, a.slug, a.rarity, u.unlocked_at
		from agent_unlocks u
		join agents a on a.id = u.agent_id
		where u.user_id = $1
		order by u.unlocked_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnlockView
	for rows.Next() {
		var v UnlockView
		if err := rows.Scan(&v.Agent.ID, &v.Agent.Name, &v.Agent.Slug, &v.Agent.Rarity, &v.UnlockedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
