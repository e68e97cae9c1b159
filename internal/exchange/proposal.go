package exchange

import (
	"context"

	"github.com/google/uuid"

	"agentbox/internal/codes"
	"agentbox/internal/metrics"
)

// Propose submits a counter-offer against a PENDING listing. The proposed
// code must unlock exactly the agent the listing asks for. The listing is
// not mutated; the owner decides later.
func (s *Service) Propose(ctx context.Context, proposerID, listingID uuid.UUID, rawCode string) (*ProposalView, error) {
	code := codes.Normalize(rawCode)
	if !codes.Valid(s.codePrefix, code) {
		return nil, errf(KindInvalidInput, "activation code format is invalid, expected %s followed by 10 characters", s.codePrefix)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		ownerID       uuid.UUID
		wantedAgentID uuid.UUID
		listingStatus ListingStatus
	)
	// Lock the listing so a concurrent cancel cannot slip between the
	// status check and the proposal insert.
	err = tx.QueryRow(ctx, `
		select owner_user_id, wanted_agent_id, status
		from listings
		where id = $1
		for update
	`, listingID).Scan(&ownerID, &wantedAgentID, &listingStatus)
	if err != nil {
		return nil, notFoundOr(err, "listing not found")
	}
	if listingStatus != ListingPending {
		return nil, errf(KindListingNotTradable, "this listing is no longer open for proposals")
	}
	if ownerID == proposerID {
		return nil, errf(KindSelfTrade, "you cannot propose a trade on your own listing")
	}

	var hasLive bool
	err = tx.QueryRow(ctx, `
		select true
		from proposals
		where listing_id = $1 and proposer_user_id = $2 and status in ('pending', 'accepted')
	`, listingID, proposerID).Scan(&hasLive)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	if hasLive {
		return nil, errf(KindDuplicateProposal, "you already have an open proposal on this listing")
	}

	c, err := lockCodeByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if c.Status != CodeUnused {
		return nil, errf(KindCodeUnavailable, "this code has already been used or voided")
	}
	listed, err := liveListingExists(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if listed {
		return nil, errf(KindCodeUnavailable, "this code is listed on the market; cancel the listing first")
	}
	inProposal, err := liveProposalWithCodeExists(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if inProposal {
		return nil, errf(KindCodeUnavailable, "this code already backs another open proposal")
	}
	if c.AgentID != wantedAgentID {
		offered, err := s.agentRef(ctx, tx, c.AgentID)
		if err != nil {
			return nil, err
		}
		wanted, err := s.agentRef(ctx, tx, wantedAgentID)
		if err != nil {
			return nil, err
		}
		return nil, errf(KindMismatchedAgent, "your code unlocks %s but the listing asks for %s", offered.Name, wanted.Name)
	}

	var proposalID uuid.UUID
	err = tx.QueryRow(ctx, `
		insert into proposals (listing_id, proposer_user_id, proposer_code_id, status)
		values ($1, $2, $3, 'pending')
		returning id
	`, listingID, proposerID, c.ID).Scan(&proposalID)
	if err != nil {
		if uniqueViolation(err, "uq_proposals_live_per_proposer") {
			return nil, errf(KindDuplicateProposal, "you already have an open proposal on this listing")
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("proposal_id", proposalID.String()).
		Str("listing_id", listingID.String()).
		Str("proposer_id", proposerID.String()).
		Msg("proposal submitted")
	s.audit(ctx, proposerID, "proposal_submitted", map[string]any{
		"proposal_id": proposalID.String(),
		"listing_id":  listingID.String(),
	})

	return s.proposalView(ctx, proposalID)
}

// Handle lets the listing owner accept or reject a pending proposal.
// Reject flips only the proposal; other pending proposals stay open.
// Accept settles the trade synchronously: the ACCEPTED/TRADING writes and
// the swap share one transaction, so a failed swap leaves both rows
// PENDING, never a stranded TRADING listing.
func (s *Service) Handle(ctx context.Context, ownerID, proposalID uuid.UUID, action ProposalAction) (*TradeResult, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, errf(KindInvalidInput, "action must be accept or reject")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		listingID      uuid.UUID
		proposerID     uuid.UUID
		proposerCodeID uuid.UUID
		proposalStatus ProposalStatus
		listingOwnerID uuid.UUID
		offeredCodeID  uuid.UUID
		wantedAgentID  uuid.UUID
		listingStatus  ListingStatus
	)
	err = tx.QueryRow(ctx, `
		select p.listing_id, p.proposer_user_id, p.proposer_code_id, p.status,
		       l.owner_user_id, l.offered_code_id, l.wanted_agent_id, l.status
		from proposals p
		join listings l on l.id = p.listing_id
		where p.id = $1
		for update of p, l
	`, proposalID).Scan(&listingID, &proposerID, &proposerCodeID, &proposalStatus,
		&listingOwnerID, &offeredCodeID, &wantedAgentID, &listingStatus)
	if err != nil {
		return nil, notFoundOr(err, "proposal not found")
	}
	if listingOwnerID != ownerID {
		return nil, errf(KindForbidden, "only the listing owner can handle proposals")
	}

	if proposalStatus == ProposalCompleted && listingStatus == ListingCompleted {
		// Retried accept after a completed settlement: report success.
		if action == ActionAccept {
			return s.completedTradeResult(ctx, tx, listingID, proposalID, offeredCodeID, proposerCodeID)
		}
		return nil, errf(KindAlreadyHandled, "this proposal has already been settled")
	}
	if proposalStatus != ProposalPending {
		return nil, errf(KindAlreadyHandled, "this proposal has already been handled")
	}

	if action == ActionReject {
		if _, err := tx.Exec(ctx, `
			update proposals set status = 'rejected', updated_at = now() where id = $1
		`, proposalID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		s.log.Info().Str("proposal_id", proposalID.String()).Msg("proposal rejected")
		s.audit(ctx, ownerID, "proposal_rejected", map[string]any{"proposal_id": proposalID.String()})
		return &TradeResult{ListingID: listingID, ProposalID: proposalID}, nil
	}

	if listingStatus != ListingPending {
		return nil, errf(KindListingNotTradable, "this listing was already settled or withdrawn")
	}

	if _, err := tx.Exec(ctx, `
		update proposals set status = 'accepted', updated_at = now() where id = $1
	`, proposalID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		update listings set status = 'trading', updated_at = now() where id = $1
	`, listingID); err != nil {
		return nil, err
	}

	result, err := s.settle(ctx, tx, settleArgs{
		listingID:          listingID,
		proposalID:         proposalID,
		ownerID:            ownerID,
		counterpartyID:     proposerID,
		offeredCodeID:      offeredCodeID,
		counterpartyCodeID: proposerCodeID,
		wantedAgentID:      wantedAgentID,
		path:               "accept",
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.TradesCompleted.WithLabelValues("accept").Inc()
	s.log.Info().
		Str("listing_id", listingID.String()).
		Str("proposal_id", proposalID.String()).
		Msg("trade settled via accept")
	s.audit(ctx, ownerID, "trade_settled", map[string]any{
		"listing_id":  listingID.String(),
		"proposal_id": proposalID.String(),
		"path":        "accept",
	})

	return result, nil
}
