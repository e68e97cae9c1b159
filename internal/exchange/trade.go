package exchange

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agentbox/internal/codes"
	"agentbox/internal/metrics"
)

type settleArgs struct {
	listingID          uuid.UUID
	proposalID         uuid.UUID
	ownerID            uuid.UUID
	counterpartyID     uuid.UUID
	offeredCodeID      uuid.UUID
	counterpartyCodeID uuid.UUID
	wantedAgentID      uuid.UUID
	path               string // "accept" or "direct"
}

// tradePayload is the receipt body: everything needed to audit a swap,
// serialized canonically before digesting/signing.
type tradePayload struct {
	ListingID          string `json:"listing_id"`
	ProposalID         string `json:"proposal_id"`
	OwnerID            string `json:"owner_id"`
	CounterpartyID     string `json:"counterparty_id"`
	OfferedCodeID      string `json:"offered_code_id"`
	CounterpartyCodeID string `json:"counterparty_code_id"`
	OfferedAgentID     string `json:"offered_agent_id"`
	WantedAgentID      string `json:"wanted_agent_id"`
	Path               string `json:"path"`
	SettledAt          string `json:"settled_at"`
}

// settle is the single swap routine behind both accept and direct trade.
// The caller holds the listing row lock and has verified the listing is
// settleable; settle locks both code rows, re-validates them against the
// now-consistent snapshot, transfers them crosswise, updates the unlock
// ledger and counters, writes the receipt, and flips listing and proposal
// to COMPLETED. Runs entirely inside the caller's transaction: any error
// aborts the whole operation with no partial writes.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, a settleArgs) (*TradeResult, error) {
	// Lock both codes in ascending id order so two settlements touching
	// the same pair cannot deadlock.
	lockOrder := []uuid.UUID{a.offeredCodeID, a.counterpartyCodeID}
	if bytes.Compare(lockOrder[1][:], lockOrder[0][:]) < 0 {
		lockOrder[0], lockOrder[1] = lockOrder[1], lockOrder[0]
	}
	locked := map[uuid.UUID]*codeRow{}
	for _, id := range lockOrder {
		c, err := lockCodeByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = c
	}
	offered := locked[a.offeredCodeID]
	counter := locked[a.counterpartyCodeID]

	// Re-validate under the locks: either code may have been consumed by
	// another trade since the proposal was created.
	if offered.Status != CodeUnused {
		metrics.TradeConflicts.WithLabelValues(string(KindCodeNoLongerEligible)).Inc()
		return nil, errf(KindCodeNoLongerEligible, "the listed code was already consumed by another trade")
	}
	if counter.Status != CodeUnused {
		metrics.TradeConflicts.WithLabelValues(string(KindCodeNoLongerEligible)).Inc()
		return nil, errf(KindCodeNoLongerEligible, "the offered code was already consumed by another trade")
	}
	if counter.AgentID != a.wantedAgentID {
		return nil, errf(KindMismatchedAgent, "the offered code does not unlock the wanted agent")
	}

	// Crosswise transfer: the listed code goes to the counterparty, the
	// counterparty's code to the listing owner.
	if err := markRedeemed(ctx, tx, offered.ID, a.counterpartyID); err != nil {
		return nil, redeemConflict(err)
	}
	if err := s.runSettleHook("after_first_transfer"); err != nil {
		return nil, err
	}
	if err := markRedeemed(ctx, tx, counter.ID, a.ownerID); err != nil {
		return nil, redeemConflict(err)
	}

	if _, err := grantOrRefresh(ctx, tx, a.counterpartyID, offered.AgentID, offered.ID); err != nil {
		return nil, err
	}
	if _, err := grantOrRefresh(ctx, tx, a.ownerID, counter.AgentID, counter.ID); err != nil {
		return nil, err
	}

	payload := tradePayload{
		ListingID:          a.listingID.String(),
		ProposalID:         a.proposalID.String(),
		OwnerID:            a.ownerID.String(),
		CounterpartyID:     a.counterpartyID.String(),
		OfferedCodeID:      offered.ID.String(),
		CounterpartyCodeID: counter.ID.String(),
		OfferedAgentID:     offered.AgentID.String(),
		WantedAgentID:      a.wantedAgentID.String(),
		Path:               a.path,
		SettledAt:          time.Now().UTC().Format(time.RFC3339),
	}
	canonical, digest, signature, err := s.signer.Seal(payload)
	if err != nil {
		return nil, err
	}
	var sigArg any
	if signature != "" {
		sigArg = signature
	}
	if _, err := tx.Exec(ctx, `
		insert into trade_receipts (listing_id, proposal_id, payload, digest, signature)
		values ($1, $2, $3, $4, $5)
	`, a.listingID, a.proposalID, canonical, digest, sigArg); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		update listings set status = 'completed', updated_at = now() where id = $1
	`, a.listingID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		update proposals set status = 'completed', updated_at = now() where id = $1
	`, a.proposalID); err != nil {
		return nil, err
	}

	receivedAgent, err := s.agentRef(ctx, tx, counter.AgentID)
	if err != nil {
		return nil, err
	}
	givenAgent, err := s.agentRef(ctx, tx, offered.AgentID)
	if err != nil {
		return nil, err
	}

	// The result is phrased from the caller's perspective: Handle reports
	// for the owner, DirectTrade flips it for the counterparty.
	return &TradeResult{
		ListingID:     a.listingID,
		ProposalID:    a.proposalID,
		ReceivedAgent: receivedAgent,
		GivenAgent:    givenAgent,
		ReceiptDigest: digest,
	}, nil
}

// redeemConflict reclassifies a redemption failure inside the executor:
// by this point the code was validated UNUSED under lock, so a loss here
// means a racing transaction consumed it.
func redeemConflict(err error) error {
	switch KindOf(err) {
	case KindAlreadyUsed, KindVoid:
		metrics.TradeConflicts.WithLabelValues(string(KindCodeNoLongerEligible)).Inc()
		return errf(KindCodeNoLongerEligible, "the code was consumed by a concurrent trade")
	}
	return err
}

func (s *Service) runSettleHook(stage string) error {
	if s.settleHook == nil {
		return nil
	}
	return s.settleHook(stage)
}

// DirectTrade settles a PENDING listing immediately: the caller supplies a
// matching code and the swap runs without the owner's accept step, after
// re-running the same eligibility checks Propose applies. A COMPLETED
// proposal row is synthesized so the caller's trade history reads the same
// as a negotiated trade.
func (s *Service) DirectTrade(ctx context.Context, counterpartyID, listingID uuid.UUID, rawCode string) (*TradeResult, error) {
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
		offeredCodeID uuid.UUID
		wantedAgentID uuid.UUID
		listingStatus ListingStatus
	)
	err = tx.QueryRow(ctx, `
		select owner_user_id, offered_code_id, wanted_agent_id, status
		from listings
		where id = $1
		for update
	`, listingID).Scan(&ownerID, &offeredCodeID, &wantedAgentID, &listingStatus)
	if err != nil {
		return nil, notFoundOr(err, "listing not found")
	}
	if ownerID == counterpartyID {
		return nil, errf(KindSelfTrade, "you cannot trade against your own listing")
	}

	if listingStatus == ListingCompleted {
		// Idempotent retry: if this caller already settled this listing
		// with this code, report the completed trade instead of a conflict.
		res, err := s.retriedDirectTrade(ctx, tx, listingID, counterpartyID, code, offeredCodeID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	if listingStatus != ListingPending {
		metrics.TradeConflicts.WithLabelValues(string(KindListingNotTradable)).Inc()
		return nil, errf(KindListingNotTradable, "this listing was already settled or withdrawn")
	}

	c, err := lockCodeByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if c.Status != CodeUnused {
		return nil, errf(KindCodeNoLongerEligible, "this code has already been used or voided")
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

	// Settling directly supersedes any open proposal the caller has on
	// this listing; withdraw it so its code is freed instead of staying
	// stranded on a completed listing.
	if _, err := tx.Exec(ctx, `
		update proposals
		set status = 'rejected', updated_at = now()
		where listing_id = $1 and proposer_user_id = $2 and status = 'pending'
	`, listingID, counterpartyID); err != nil {
		return nil, err
	}

	// Synthesize the proposal so both completion paths leave the same
	// queryable trail. Inserted terminal, so it never collides with the
	// live-proposal uniqueness rule.
	var proposalID uuid.UUID
	if err := tx.QueryRow(ctx, `
		insert into proposals (listing_id, proposer_user_id, proposer_code_id, status, direct)
		values ($1, $2, $3, 'completed', true)
		returning id
	`, listingID, counterpartyID, c.ID).Scan(&proposalID); err != nil {
		return nil, err
	}

	result, err := s.settle(ctx, tx, settleArgs{
		listingID:          listingID,
		proposalID:         proposalID,
		ownerID:            ownerID,
		counterpartyID:     counterpartyID,
		offeredCodeID:      offeredCodeID,
		counterpartyCodeID: c.ID,
		wantedAgentID:      wantedAgentID,
		path:               "direct",
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	metrics.TradesCompleted.WithLabelValues("direct").Inc()
	s.log.Info().
		Str("listing_id", listingID.String()).
		Str("proposal_id", proposalID.String()).
		Str("counterparty_id", counterpartyID.String()).
		Msg("trade settled directly")
	s.audit(ctx, counterpartyID, "trade_settled", map[string]any{
		"listing_id":  listingID.String(),
		"proposal_id": proposalID.String(),
		"path":        "direct",
	})

	// settle phrases the result for the owner; flip it for the caller.
	result.ReceivedAgent, result.GivenAgent = result.GivenAgent, result.ReceivedAgent
	return result, nil
}

// retriedDirectTrade recognizes a re-issued direct trade: same listing,
// same caller, same code, listing already COMPLETED by that exact trade.
// Returns nil when this is not a retry.
func (s *Service) retriedDirectTrade(ctx context.Context, tx pgx.Tx, listingID, counterpartyID uuid.UUID, code string, offeredCodeID uuid.UUID) (*TradeResult, error) {
	var (
		proposalID     uuid.UUID
		proposerCodeID uuid.UUID
	)
	err := tx.QueryRow(ctx, `
		select p.id, p.proposer_code_id
		from proposals p
		join activation_codes c on c.id = p.proposer_code_id
		where p.listing_id = $1 and p.proposer_user_id = $2
		  and p.status = 'completed' and c.code = $3
	`, listingID, counterpartyID, code).Scan(&proposalID, &proposerCodeID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.completedTradeResult(ctx, tx, listingID, proposalID, offeredCodeID, proposerCodeID)
	if err != nil {
		return nil, err
	}
	// completedTradeResult phrases for the owner; flip for the caller.
	res.ReceivedAgent, res.GivenAgent = res.GivenAgent, res.ReceivedAgent
	return res, nil
}

// completedTradeResult rebuilds the success payload for an idempotent
// retry of an already-settled trade, phrased from the owner's perspective.
func (s *Service) completedTradeResult(ctx context.Context, tx pgx.Tx, listingID, proposalID, offeredCodeID, counterpartyCodeID uuid.UUID) (*TradeResult, error) {
	var offeredAgentID, counterAgentID uuid.UUID
	if err := tx.QueryRow(ctx, `
		select agent_id from activation_codes where id = $1
	`, offeredCodeID).Scan(&offeredAgentID); err != nil {
		return nil, err
	}
	if err := tx.QueryRow(ctx, `
		select agent_id from activation_codes where id = $1
	`, counterpartyCodeID).Scan(&counterAgentID); err != nil {
		return nil, err
	}

	receivedAgent, err := s.agentRef(ctx, tx, counterAgentID)
	if err != nil {
		return nil, err
	}
	givenAgent, err := s.agentRef(ctx, tx, offeredAgentID)
	if err != nil {
		return nil, err
	}

	var digest string
	err = tx.QueryRow(ctx, `
		select digest from trade_receipts where listing_id = $1
	`, listingID).Scan(&digest)
	if err != nil && !isNoRows(err) {
		return nil, err
	}

	return &TradeResult{
		ListingID:        listingID,
		ProposalID:       proposalID,
		ReceivedAgent:    receivedAgent,
		GivenAgent:       givenAgent,
		ReceiptDigest:    digest,
		AlreadyCompleted: true,
	}, nil
}
