package exchange

import (
	"time"

	"github.com/google/uuid"
)

type CodeStatus string

const (
	CodeUnused    CodeStatus = "unused"
	CodeActivated CodeStatus = "activated"
	CodeVoid      CodeStatus = "void"
)

type ListingStatus string

const (
	ListingPending   ListingStatus = "pending"
	ListingTrading   ListingStatus = "trading"
	ListingCompleted ListingStatus = "completed"
	ListingCancelled ListingStatus = "cancelled"
)

type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalCompleted ProposalStatus = "completed"
)

type ProposalAction string

const (
	ActionAccept ProposalAction = "accept"
	ActionReject ProposalAction = "reject"
)

// AgentRef is the public identity of a catalog agent. The raw activation
// code string never travels with it.
type AgentRef struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Slug   string    `json:"slug"`
	Rarity string    `json:"rarity"`
}

type RedeemResult struct {
	Agent      AgentRef  `json:"agent"`
	UnlockedAt time.Time `json:"unlocked_at"`
	NewUnlock  bool      `json:"new_unlock"`
}

// VerifyResult answers "can this code be published?" ahead of time; it is
// advisory only, Publish re-checks everything transactionally.
type VerifyResult struct {
	Agent      AgentRef   `json:"agent"`
	Status     CodeStatus `json:"status"`
	CanPublish bool       `json:"can_publish"`
	Reason     string     `json:"reason,omitempty"`
}

type ListingView struct {
	ID            uuid.UUID      `json:"id"`
	OwnerID       uuid.UUID      `json:"owner_id"`
	OwnerNickname string         `json:"owner_nickname,omitempty"`
	OfferedAgent  AgentRef       `json:"offered_agent"`
	WantedAgent   AgentRef       `json:"wanted_agent"`
	Status        ListingStatus  `json:"status"`
	HasProposed   bool           `json:"has_proposed"`
	Proposals     []ProposalView `json:"proposals,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type MarketFilter struct {
	WantedAgentID *uuid.UUID
	Limit         int
	Offset        int
}

type MarketPage struct {
	Listings   []ListingView `json:"listings"`
	HasMore    bool          `json:"has_more"`
	NextOffset int           `json:"next_offset"`
}

type ProposalView struct {
	ID               uuid.UUID      `json:"id"`
	ListingID        uuid.UUID      `json:"listing_id"`
	ProposerID       uuid.UUID      `json:"proposer_id"`
	ProposerNickname string         `json:"proposer_nickname,omitempty"`
	OfferedAgent     AgentRef       `json:"offered_agent"`
	Status           ProposalStatus `json:"status"`
	Direct           bool           `json:"direct"`
	CreatedAt        time.Time      `json:"created_at"`

	// Listing context, populated for the proposer's own history.
	ListingOfferedAgent *AgentRef `json:"listing_offered_agent,omitempty"`
	ListingWantedAgent  *AgentRef `json:"listing_wanted_agent,omitempty"`
}

type TradeResult struct {
	ListingID        uuid.UUID `json:"listing_id"`
	ProposalID       uuid.UUID `json:"proposal_id"`
	ReceivedAgent    AgentRef  `json:"received_agent"`
	GivenAgent       AgentRef  `json:"given_agent"`
	ReceiptDigest    string    `json:"receipt_digest,omitempty"`
	AlreadyCompleted bool      `json:"already_completed,omitempty"`
}

type CancelResult struct {
	ListingID        uuid.UUID     `json:"listing_id"`
	Status           ListingStatus `json:"status"`
	AlreadyCancelled bool          `json:"already_cancelled,omitempty"`
}

type UnlockView struct {
	Agent      AgentRef  `json:"agent"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	Nickname    string    `json:"nickname"`
	TotalAgents int       `json:"total_agents"`
}
