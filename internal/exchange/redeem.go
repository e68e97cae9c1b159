package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentbox/internal/codes"
	"agentbox/internal/metrics"
)

// Redeem activates a code for a user: the code flips UNUSED -> ACTIVATED
// and the agent it is bound to is granted (or refreshed) in the unlock
// ledger, all in one transaction.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, rawCode string) (*RedeemResult, error) {
	code := codes.Normalize(rawCode)
	if !codes.Valid(s.codePrefix, code) {
		return nil, errf(KindInvalidInput, "activation code format is invalid, expected %s followed by 10 characters", s.codePrefix)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := lockCodeByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case CodeVoid:
		return nil, errf(KindVoid, "this activation code has been voided")
	case CodeActivated:
		return nil, errf(KindAlreadyUsed, "this activation code has already been used")
	}

	active, err := activeAgentExists(ctx, tx, c.AgentID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, errf(KindInvalidTarget, "the agent bound to this code is no longer available")
	}

	if err := markRedeemed(ctx, tx, c.ID, userID); err != nil {
		return nil, err
	}
	created, err := grantOrRefresh(ctx, tx, userID, c.AgentID, c.ID)
	if err != nil {
		return nil, err
	}

	agent, err := s.agentRef(ctx, tx, c.AgentID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.CodesRedeemed.Inc()
	s.log.Info().
		Str("user_id", userID.String()).
		Str("code_id", c.ID.String()).
		Str("agent_slug", agent.Slug).
		Bool("new_unlock", created).
		Msg("code redeemed")
	s.audit(ctx, userID, "code_redeemed", map[string]any{
		"code_id":  c.ID.String(),
		"agent_id": agent.ID.String(),
	})

	return &RedeemResult{
		Agent:      agent,
		UnlockedAt: time.Now().UTC(),
		NewUnlock:  created,
	}, nil
}

// VerifyCode answers whether a code could be published right now, and why
// not otherwise. Advisory only: Publish re-validates transactionally.
func (s *Service) VerifyCode(ctx context.Context, userID uuid.UUID, rawCode string) (*VerifyResult, error) {
	code := codes.Normalize(rawCode)
	if !codes.Valid(s.codePrefix, code) {
		return nil, errf(KindInvalidInput, "activation code format is invalid, expected %s followed by 10 characters", s.codePrefix)
	}

	c, err := lookupCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	agent, err := s.agentRef(ctx, s.db, c.AgentID)
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{Agent: agent, Status: c.Status, CanPublish: true}

	switch c.Status {
	case CodeActivated:
		res.CanPublish = false
		res.Reason = "this code has already been activated"
	case CodeVoid:
		res.CanPublish = false
		res.Reason = "this code has been voided"
	}

	if res.CanPublish {
		owned, err := hasUnlocked(ctx, s.db, userID, c.AgentID)
		if err != nil {
			return nil, err
		}
		if !owned {
			res.CanPublish = false
			res.Reason = "you have not unlocked " + agent.Name + " yet; only spare codes for agents you already own can be listed"
		}
	}

	if res.CanPublish {
		listed, err := liveListingExists(ctx, s.db, c.ID)
		if err != nil {
			return nil, err
		}
		if listed {
			res.CanPublish = false
			res.Reason = "this code is already listed on the market"
		}
	}

	return res, nil
}
