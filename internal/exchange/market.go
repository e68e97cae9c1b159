package exchange

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Market returns PENDING listings visible to the viewer: never their own,
// raw code strings redacted, each annotated with whether the viewer
// already has an open proposal on it. limit+1 pagination.
func (s *Service) Market(ctx context.Context, viewerID uuid.UUID, f MarketFilter) (*MarketPage, error) {
	limit := f.Limit
	if limit < 1 || limit > s.pageLimit {
		limit = s.pageLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{viewerID}
	where := []string{"l.status = 'pending'", "l.owner_user_id <> $1"}
	argN := 2
	if f.WantedAgentID != nil {
		where = append(where, "l.wanted_agent_id = $"+strconv.Itoa(argN))
		args = append(args, *f.WantedAgentID)
		argN++
	}

	sql := `
		select l.id, l.owner_user_id, u.nickname, l.status, l.created_at,
		       oa.id, oa.name, oa.slug, oa.rarity,
		       wa.id, wa.name, wa.slug, wa.rarity,
		       exists (
		           select 1 from proposals p
		           where p.listing_id = l.id and p.proposer_user_id = $1
		             and p.status in ('pending', 'accepted')
		       ) as has_proposed
		from listings l
		join users u on u.id = l.owner_user_id
		join activation_codes c on c.id = l.offered_code_id
		join agents oa on oa.id = c.agent_id
		join agents wa on wa.id = l.wanted_agent_id
		where ` + strings.Join(where, " and ") + `
		order by l.created_at desc
		limit $` + strconv.Itoa(argN) + ` offset $` + strconv.Itoa(argN+1)
	args = append(args, limit+1, offset)

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ListingView, 0, limit)
	for rows.Next() {
		var v ListingView
		if err := rows.Scan(
			&v.ID, &v.OwnerID, &v.OwnerNickname, &v.Status, &v.CreatedAt,
			&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
			&v.WantedAgent.ID, &v.WantedAgent.Name, &v.WantedAgent.Slug, &v.WantedAgent.Rarity,
			&v.HasProposed,
		); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := false
	if len(out) > limit {
		hasMore = true
		out = out[:limit]
	}
	nextOffset := offset + len(out)

	return &MarketPage{Listings: out, HasMore: hasMore, NextOffset: nextOffset}, nil
}

// MyListings returns the caller's listings, newest first, each with its
// proposals so the owner can accept or reject from the same view.
func (s *Service) MyListings(ctx context.Context, userID uuid.UUID) ([]ListingView, error) {
	rows, err := s.db.Query(ctx, `
		select l.id, l.owner_user_id, l.status, l.created_at,
		       oa.id, oa.name, oa.slug, oa.rarity,
		       wa.id, wa.name, wa.slug, wa.rarity
		from listings l
		join activation_codes c on c.id = l.offered_code_id
		join agents oa on oa.id = c.agent_id
		join agents wa on wa.id = l.wanted_agent_id
		where l.owner_user_id = $1
		order by l.created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ListingView
	for rows.Next() {
		var v ListingView
		if err := rows.Scan(
			&v.ID, &v.OwnerID, &v.Status, &v.CreatedAt,
			&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
			&v.WantedAgent.ID, &v.WantedAgent.Name, &v.WantedAgent.Slug, &v.WantedAgent.Rarity,
		); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		proposals, err := s.listingProposals(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Proposals = proposals
	}
	return out, nil
}

func (s *Service) listingProposals(ctx context.Context, listingID uuid.UUID) ([]ProposalView, error) {
	rows, err := s.db.Query(ctx, `
		select p.id, p.listing_id, p.proposer_user_id, u.nickname, p.status, p.direct, p.created_at,
		       a.id, a.name, a.slug, a.rarity
		from proposals p
		join users u on u.id = p.proposer_user_id
		join activation_codes c on c.id = p.proposer_code_id
		join agents a on a.id = c.agent_id
		where p.listing_id = $1
		order by p.created_at desc
	`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProposalView
	for rows.Next() {
		var v ProposalView
		if err := rows.Scan(
			&v.ID, &v.ListingID, &v.ProposerID, &v.ProposerNickname, &v.Status, &v.Direct, &v.CreatedAt,
			&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
		); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MyProposals returns the caller's proposals with the listing's two agents
// as context, so the history reads "I offered X against a listing giving Y
// for X".
func (s *Service) MyProposals(ctx context.Context, userID uuid.UUID) ([]ProposalView, error) {
	rows, err := s.db.Query(ctx, `
		select p.id, p.listing_id, p.proposer_user_id, p.status, p.direct, p.created_at,
		       pa.id, pa.name, pa.slug, pa.rarity,
		       oa.id, oa.name, oa.slug, oa.rarity,
		       wa.id, wa.name, wa.slug, wa.rarity
		from proposals p
		join activation_codes pc on pc.id = p.proposer_code_id
		join agents pa on pa.id = pc.agent_id
		join listings l on l.id = p.listing_id
		join activation_codes oc on oc.id = l.offered_code_id
		join agents oa on oa.id = oc.agent_id
		join agents wa on wa.id = l.wanted_agent_id
		where p.proposer_user_id = $1
		order by p.created_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProposalView
	for rows.Next() {
		var (
			v              ProposalView
			listingOffered AgentRef
			listingWanted  AgentRef
		)
		if err := rows.Scan(
			&v.ID, &v.ListingID, &v.ProposerID, &v.Status, &v.Direct, &v.CreatedAt,
			&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
			&listingOffered.ID, &listingOffered.Name, &listingOffered.Slug, &listingOffered.Rarity,
			&listingWanted.ID, &listingWanted.Name, &listingWanted.Slug, &listingWanted.Rarity,
		); err != nil {
			return nil, err
		}
		v.ListingOfferedAgent = &listingOffered
		v.ListingWantedAgent = &listingWanted
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListAgents exposes the active catalog so clients can pick a wanted
// agent. The catalog itself is managed elsewhere; this is read-only.
func (s *Service) ListAgents(ctx context.Context) ([]AgentRef, error) {
	rows, err := s.db.Query(ctx, `
		select id, name, slug, rarity
		from agents
		where active
		order by name asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentRef
	for rows.Next() {
		var a AgentRef
		if err := rows.Scan(&a.ID, &a.Name, &a.Slug, &a.Rarity); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Service) listingView(ctx context.Context, listingID, viewerID uuid.UUID) (*ListingView, error) {
	var v ListingView
	err := s.db.QueryRow(ctx, `
		select l.id, l.owner_user_id, u.nickname, l.status, l.created_at,
		       oa.id, oa.name, oa.slug, oa.rarity,
		       wa.id, wa.name, wa.slug, wa.rarity,
		       exists (
		           select 1 from proposals p
		           where p.listing_id = l.id and p.proposer_user_id = $2
		             and p.status in ('pending', 'accepted')
		       ) as has_proposed
		from listings l
		join users u on u.id = l.owner_user_id
		join activation_codes c on c.id = l.offered_code_id
		join agents oa on oa.id = c.agent_id
		join agents wa on wa.id = l.wanted_agent_id
		where l.id = $1
	`, listingID, viewerID).Scan(
		&v.ID, &v.OwnerID, &v.OwnerNickname, &v.Status, &v.CreatedAt,
		&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
		&v.WantedAgent.ID, &v.WantedAgent.Name, &v.WantedAgent.Slug, &v.WantedAgent.Rarity,
		&v.HasProposed,
	)
	if err != nil {
		return nil, notFoundOr(err, "listing not found")
	}
	return &v, nil
}

func (s *Service) proposalView(ctx context.Context, proposalID uuid.UUID) (*ProposalView, error) {
	var v ProposalView
	err := s.db.QueryRow(ctx, `
		select p.id, p.listing_id, p.proposer_user_id, u.nickname, p.status, p.direct, p.created_at,
		       a.id, a.name, a.slug, a.rarity
		from proposals p
		join users u on u.id = p.proposer_user_id
		join activation_codes c on c.id = p.proposer_code_id
		join agents a on a.id = c.agent_id
		where p.id = $1
	`, proposalID).Scan(
		&v.ID, &v.ListingID, &v.ProposerID, &v.ProposerNickname, &v.Status, &v.Direct, &v.CreatedAt,
		&v.OfferedAgent.ID, &v.OfferedAgent.Name, &v.OfferedAgent.Slug, &v.OfferedAgent.Rarity,
	)
	if err != nil {
		return nil, notFoundOr(err, "proposal not found")
	}
	return &v, nil
}
