package exchange

import (
	"context"

	"github.com/google/uuid"

	"agentbox/internal/codes"
	"agentbox/internal/metrics"
)

// Publish lists a spare activation code on the market in exchange for a
// different agent. Only codes whose agent the owner has already unlocked
// through some other instance are eligible.
func (s *Service) Publish(ctx context.Context, ownerID uuid.UUID, rawCode string, wantedAgentID uuid.UUID) (*ListingView, error) {
	code := codes.Normalize(rawCode)
	if !codes.Valid(s.codePrefix, code) {
		return nil, errf(KindInvalidInput, "activation code format is invalid, expected %s followed by 10 characters", s.codePrefix)
	}
	if wantedAgentID == uuid.Nil {
		return nil, errf(KindInvalidInput, "wanted agent is required")
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
	if c.Status != CodeUnused {
		return nil, errf(KindNotEligible, "this code has already been used or voided and cannot be listed")
	}
	if c.AgentID == wantedAgentID {
		return nil, errf(KindInvalidTarget, "a code cannot be traded for the same agent it unlocks")
	}

	active, err := activeAgentExists(ctx, tx, wantedAgentID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, errf(KindInvalidTarget, "the wanted agent does not exist or is retired")
	}

	owned, err := hasUnlocked(ctx, tx, ownerID, c.AgentID)
	if err != nil {
		return nil, err
	}
	if !owned {
		offeredAgent, err := s.agentRef(ctx, tx, c.AgentID)
		if err != nil {
			return nil, err
		}
		return nil, errf(KindNotOwned, "you have not unlocked %s yet; only spare codes for agents you already own can be listed", offeredAgent.Name)
	}

	listed, err := liveListingExists(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if listed {
		return nil, errf(KindAlreadyListed, "this code is already listed on the market")
	}
	inProposal, err := liveProposalWithCodeExists(ctx, tx, c.ID)
	if err != nil {
		return nil, err
	}
	if inProposal {
		return nil, errf(KindAlreadyListed, "this code backs an open trade proposal and cannot be listed")
	}

	var listingID uuid.UUID
	err = tx.QueryRow(ctx, `
		insert into listings (owner_user_id, offered_code_id, wanted_agent_id, status)
		values ($1, $2, $3, 'pending')
		returning id
	`, ownerID, c.ID, wantedAgentID).Scan(&listingID)
	if err != nil {
		// The partial unique index backstops the explicit check above when
		// two publishes race on the same code.
		if uniqueViolation(err, "uq_listings_live_code") {
			return nil, errf(KindAlreadyListed, "this code is already listed on the market")
		}
		return nil, err
	}

	offeredAgent, err := s.agentRef(ctx, tx, c.AgentID)
	if err != nil {
		return nil, err
	}
	wantedAgent, err := s.agentRef(ctx, tx, wantedAgentID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.ListingsPublished.Inc()
	s.log.Info().
		Str("listing_id", listingID.String()).
		Str("owner_id", ownerID.String()).
		Str("offered_agent", offeredAgent.Slug).
		Str("wanted_agent", wantedAgent.Slug).
		Msg("listing published")
	s.audit(ctx, ownerID, "listing_published", map[string]any{
		"listing_id":      listingID.String(),
		"wanted_agent_id": wantedAgentID.String(),
	})

	view, err := s.listingView(ctx, listingID, ownerID)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Cancel withdraws a PENDING listing. Pending proposals block cancellation:
// the owner has to reject them first rather than have them silently
// discarded. Re-cancelling an already-cancelled listing succeeds
// idempotently.
func (s *Service) Cancel(ctx context.Context, requesterID, listingID uuid.UUID) (*CancelResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		ownerID uuid.UUID
		status  ListingStatus
	)
	err = tx.QueryRow(ctx, `
		select owner_user_id, status
		from listings
		where id = $1
		for update
	`, listingID).Scan(&ownerID, &status)
	if err != nil {
		return nil, notFoundOr(err, "listing not found")
	}
	if ownerID != requesterID {
		return nil, errf(KindForbidden, "only the listing owner can cancel it")
	}

	switch status {
	case ListingCancelled:
		return &CancelResult{ListingID: listingID, Status: ListingCancelled, AlreadyCancelled: true}, nil
	case ListingPending:
		// fall through
	default:
		return nil, errf(KindNotCancelable, "only pending listings can be cancelled")
	}

	var pending int
	if err := tx.QueryRow(ctx, `
		select count(*)
		from proposals
		where listing_id = $1 and status = 'pending'
	`, listingID).Scan(&pending); err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, errf(KindNotCancelable, "this listing has %d pending proposal(s); handle them before cancelling", pending)
	}

	if _, err := tx.Exec(ctx, `
		update listings
		set status = 'cancelled', updated_at = now()
		where id = $1
	`, listingID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.log.Info().Str("listing_id", listingID.String()).Msg("listing cancelled")
	s.audit(ctx, requesterID, "listing_cancelled", map[string]any{"listing_id": listingID.String()})

	return &CancelResult{ListingID: listingID, Status: ListingCancelled}, nil
}
