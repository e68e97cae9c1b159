package exchange

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"agentbox/internal/codes"
	"agentbox/internal/receipt"
)

// Integration tests run against a throwaway Postgres pointed to by
// AGENTBOX_TEST_DATABASE_URL and are skipped otherwise. The schema is
// applied from migrations/ and every test starts from truncated tables.
func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("AGENTBOX_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AGENTBOX_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		truncate audit_logs, trade_receipts, proposals, listings,
		         agent_unlocks, activation_codes, user_api_keys, agents, users
		restart identity cascade
	`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	signer, err := receipt.NewSigner("")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return New(pool, zerolog.Nop(), signer, "PONTA", 20)
}

func createUser(t *testing.T, s *Service, nickname string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := s.db.QueryRow(context.Background(), `
		insert into users (nickname) values ($1) returning id
	`, nickname).Scan(&id)
	if err != nil {
		t.Fatalf("create user %s: %v", nickname, err)
	}
	return id
}

func createAgent(t *testing.T, s *Service, name, slug string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := s.db.QueryRow(context.Background(), `
		insert into agents (name, slug, rarity) values ($1, $2, 'standard') returning id
	`, name, slug).Scan(&id)
	if err != nil {
		t.Fatalf("create agent %s: %v", slug, err)
	}
	return id
}

func retireAgent(t *testing.T, s *Service, agentID uuid.UUID) {
	t.Helper()
	if _, err := s.db.Exec(context.Background(), `
		update agents set active = false where id = $1
	`, agentID); err != nil {
		t.Fatalf("retire agent: %v", err)
	}
}

func mintCode(t *testing.T, s *Service, agentID uuid.UUID) string {
	t.Helper()
	code, err := codes.Mint("PONTA")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := s.db.Exec(context.Background(), `
		insert into activation_codes (code, agent_id) values ($1, $2)
	`, code, agentID); err != nil {
		t.Fatalf("insert code: %v", err)
	}
	return code
}

func voidCode(t *testing.T, s *Service, code string) {
	t.Helper()
	if _, err := s.db.Exec(context.Background(), `
		update activation_codes set status = 'void' where code = $1
	`, code); err != nil {
		t.Fatalf("void code: %v", err)
	}
}

// unlock grants the user an agent the normal way: redeem a fresh code.
func unlock(t *testing.T, s *Service, userID, agentID uuid.UUID) {
	t.Helper()
	code := mintCode(t, s, agentID)
	if _, err := s.Redeem(context.Background(), userID, code); err != nil {
		t.Fatalf("unlock via redeem: %v", err)
	}
}

func codeStatus(t *testing.T, s *Service, code string) (CodeStatus, uuid.UUID) {
	t.Helper()
	var (
		status CodeStatus
		holder *uuid.UUID
	)
	err := s.db.QueryRow(context.Background(), `
		select status, holder_user_id from activation_codes where code = $1
	`, code).Scan(&status, &holder)
	if err != nil {
		t.Fatalf("code status: %v", err)
	}
	if holder == nil {
		return status, uuid.Nil
	}
	return status, *holder
}

func totalAgents(t *testing.T, s *Service, userID uuid.UUID) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(context.Background(), `
		select total_agents from users where id = $1
	`, userID).Scan(&n)
	if err != nil {
		t.Fatalf("total_agents: %v", err)
	}
	return n
}

func listingStatus(t *testing.T, s *Service, listingID uuid.UUID) ListingStatus {
	t.Helper()
	var status ListingStatus
	err := s.db.QueryRow(context.Background(), `
		select status from listings where id = $1
	`, listingID).Scan(&status)
	if err != nil {
		t.Fatalf("listing status: %v", err)
	}
	return status
}

func proposalStatus(t *testing.T, s *Service, proposalID uuid.UUID) ProposalStatus {
	t.Helper()
	var status ProposalStatus
	err := s.db.QueryRow(context.Background(), `
		select status from proposals where id = $1
	`, proposalID).Scan(&status)
	if err != nil {
		t.Fatalf("proposal status: %v", err)
	}
	return status
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %q error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %q (%v), want %q", got, err, kind)
	}
}

func TestRedeemNewUnlock(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user := createUser(t, s, "nick")
	agent := createAgent(t, s, "Nick", "nick")
	code := mintCode(t, s, agent)

	res, err := s.Redeem(ctx, user, code)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !res.NewUnlock {
		t.Fatal("first redemption should be a new unlock")
	}
	if res.Agent.Slug != "nick" {
		t.Fatalf("agent slug = %q, want nick", res.Agent.Slug)
	}

	status, holder := codeStatus(t, s, code)
	if status != CodeActivated || holder != user {
		t.Fatalf("code = %s/%s, want activated by user", status, holder)
	}
	if n := totalAgents(t, s, user); n != 1 {
		t.Fatalf("total_agents = %d, want 1", n)
	}
}

func TestRedeemDuplicateAgentKeepsCounter(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user := createUser(t, s, "nick")
	agent := createAgent(t, s, "Nick", "nick")
	first := mintCode(t, s, agent)
	second := mintCode(t, s, agent)

	if _, err := s.Redeem(ctx, user, first); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	res, err := s.Redeem(ctx, user, second)
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if res.NewUnlock {
		t.Fatal("second instance of the same agent must not be a new unlock")
	}
	if n := totalAgents(t, s, user); n != 1 {
		t.Fatalf("total_agents = %d, want 1 after duplicate", n)
	}

	// The duplicate code is still consumed.
	status, holder := codeStatus(t, s, second)
	if status != CodeActivated || holder != user {
		t.Fatalf("duplicate code = %s/%s, want activated by user", status, holder)
	}
}

func TestRedeemRejections(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	agent := createAgent(t, s, "Nick", "nick")
	retired := createAgent(t, s, "Finnick", "finnick")
	retireAgent(t, s, retired)

	used := mintCode(t, s, agent)
	if _, err := s.Redeem(ctx, alice, used); err != nil {
		t.Fatalf("seed redeem: %v", err)
	}
	voided := mintCode(t, s, agent)
	voidCode(t, s, voided)
	retiredCode := mintCode(t, s, retired)

	tests := []struct {
		name string
		user uuid.UUID
		code string
		kind Kind
	}{
		{"bad format", bob, "PONTA-SHORT", KindInvalidInput},
		{"wrong prefix", bob, "HONTAABCDE12345", KindInvalidInput},
		{"unknown", bob, "PONTAZZZZZZZZZ9", KindNotFound},
		{"already used", bob, used, KindAlreadyUsed},
		{"used by self", alice, used, KindAlreadyUsed},
		{"voided", bob, voided, KindVoid},
		{"retired agent", bob, retiredCode, KindInvalidTarget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Redeem(ctx, tc.user, tc.code)
			wantKind(t, err, tc.kind)
		})
	}
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	agent := createAgent(t, s, "Nick", "nick")
	code := mintCode(t, s, agent)

	const racers = 8
	users := make([]uuid.UUID, racers)
	for i := range users {
		users[i] = createUser(t, s, "racer")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			if _, err := s.Redeem(ctx, u, code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if KindOf(err) != KindAlreadyUsed {
				t.Errorf("loser got %v, want already_used", err)
			}
		}(users[i])
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("redemption winners = %d, want exactly 1", wins)
	}
	var unlocks int
	if err := s.db.QueryRow(ctx, `select count(*) from agent_unlocks`).Scan(&unlocks); err != nil {
		t.Fatalf("count unlocks: %v", err)
	}
	if unlocks != 1 {
		t.Fatalf("unlock rows = %d, want 1", unlocks)
	}
}

func TestPublishAndVerify(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	nick := createUser(t, s, "nick")
	nickAgent := createAgent(t, s, "Nick", "nick")
	judyAgent := createAgent(t, s, "Judy", "judy")
	unlock(t, s, nick, nickAgent)
	spare := mintCode(t, s, nickAgent)

	verify, err := s.VerifyCode(ctx, nick, spare)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verify.CanPublish {
		t.Fatalf("verify said not publishable: %s", verify.Reason)
	}

	view, err := s.Publish(ctx, nick, spare, judyAgent)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if view.Status != ListingPending {
		t.Fatalf("listing status = %s, want pending", view.Status)
	}
	if view.OfferedAgent.Slug != "nick" || view.WantedAgent.Slug != "judy" {
		t.Fatalf("listing agents = %s/%s", view.OfferedAgent.Slug, view.WantedAgent.Slug)
	}

	verify, err = s.VerifyCode(ctx, nick, spare)
	if err != nil {
		t.Fatalf("verify after publish: %v", err)
	}
	if verify.CanPublish {
		t.Fatal("a listed code must not verify as publishable")
	}
}

func TestPublishRejections(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	nick := createUser(t, s, "nick")
	nickAgent := createAgent(t, s, "Nick", "nick")
	judyAgent := createAgent(t, s, "Judy", "judy")
	retired := createAgent(t, s, "Finnick", "finnick")
	retireAgent(t, s, retired)

	// Not yet unlocked: listing a spare requires owning the agent already.
	spare := mintCode(t, s, nickAgent)
	_, err := s.Publish(ctx, nick, spare, judyAgent)
	wantKind(t, err, KindNotOwned)

	unlock(t, s, nick, nickAgent)

	_, err = s.Publish(ctx, nick, spare, nickAgent)
	wantKind(t, err, KindInvalidTarget)

	_, err = s.Publish(ctx, nick, spare, retired)
	wantKind(t, err, KindInvalidTarget)

	if _, err := s.Publish(ctx, nick, spare, judyAgent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_, err = s.Publish(ctx, nick, spare, judyAgent)
	wantKind(t, err, KindAlreadyListed)

	burned := mintCode(t, s, nickAgent)
	if _, err := s.Redeem(ctx, nick, burned); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	_, err = s.Publish(ctx, nick, burned, judyAgent)
	wantKind(t, err, KindNotEligible)
}

func TestCancelListing(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	nick := createUser(t, s, "nick")
	judy := createUser(t, s, "judy")
	nickAgent := createAgent(t, s, "Nick", "nick")
	judyAgent := createAgent(t, s, "Judy", "judy")
	unlock(t, s, nick, nickAgent)
	unlock(t, s, judy, judyAgent)

	spare := mintCode(t, s, nickAgent)
	listing, err := s.Publish(ctx, nick, spare, judyAgent)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	_, err = s.Cancel(ctx, judy, listing.ID)
	wantKind(t, err, KindForbidden)

	judySpare := mintCode(t, s, judyAgent)
	prop, err := s.Propose(ctx, judy, listing.ID, judySpare)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// A pending proposal blocks cancellation until the owner handles it.
	_, err = s.Cancel(ctx, nick, listing.ID)
	wantKind(t, err, KindNotCancelable)

	if _, err := s.Handle(ctx, nick, prop.ID, ActionReject); err != nil {
		t.Fatalf("reject: %v", err)
	}

	res, err := s.Cancel(ctx, nick, listing.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Status != ListingCancelled || res.AlreadyCancelled {
		t.Fatalf("cancel result = %+v", res)
	}

	res, err = s.Cancel(ctx, nick, listing.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if !res.AlreadyCancelled {
		t.Fatal("repeat cancel should report already_cancelled")
	}

	// The code is free to list again.
	if _, err := s.Publish(ctx, nick, spare, judyAgent); err != nil {
		t.Fatalf("republish after cancel: %v", err)
	}
}

func TestConcurrentProposeVsCancel(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	nick := createUser(t, s, "nick")
	judy := createUser(t, s, "judy")
	nickAgent := createAgent(t, s, "Nick", "nick")
	judyAgent := createAgent(t, s, "Judy", "judy")
	unlock(t, s, nick, nickAgent)
	unlock(t, s, judy, judyAgent)

	spare := mintCode(t, s, nickAgent)
	listing, err := s.Publish(ctx, nick, spare, judyAgent)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	judySpare := mintCode(t, s, judyAgent)

	var (
		wg         sync.WaitGroup
		proposeErr error
		cancelErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, proposeErr = s.Propose(ctx, judy, listing.ID, judySpare)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = s.Cancel(ctx, nick, listing.ID)
	}()
	wg.Wait()

	// Whichever commits first blocks the other; a pending proposal must
	// never end up attached to a cancelled listing.
	if (proposeErr == nil) == (cancelErr == nil) {
		t.Fatalf("want exactly one winner: propose=%v cancel=%v", proposeErr, cancelErr)
	}
	if proposeErr != nil {
		wantKind(t, proposeErr, KindListingNotTradable)
	}
	if cancelErr != nil {
		wantKind(t, cancelErr, KindNotCancelable)
	}

	var stranded int
	if err := s.db.QueryRow(ctx, `
		select count(*)
		from proposals p
		join listings l on l.id = p.listing_id
		where l.status = 'cancelled' and p.status = 'pending'
	`).Scan(&stranded); err != nil {
		t.Fatalf("count stranded: %v", err)
	}
	if stranded != 0 {
		t.Fatalf("stranded pending proposals = %d, want 0", stranded)
	}
}

func TestMarketBrowsing(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	nick := createUser(t, s, "nick")
	judy := createUser(t, s, "judy")
	nickAgent := createAgent(t, s, "Nick", "nick")
	judyAgent := createAgent(t, s, "Judy", "judy")
	unlock(t, s, nick, nickAgent)
	unlock(t, s, judy, judyAgent)

	var listingIDs []uuid.UUID
	for i := 0; i < 3; i++ {
		spare := mintCode(t, s, nickAgent)
		l, err := s.Publish(ctx, nick, spare, judyAgent)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		listingIDs = append(listingIDs, l.ID)
	}

	// Owners never see their own listings in the market feed.
	page, err := s.Market(ctx, nick, MarketFilter{})
	if err != nil {
		t.Fatalf("market as owner: %v", err)
	}
	if len(page.Listings) != 0 {
		t.Fatalf("owner sees %d of their own listings", len(page.Listings))
	}

	page, err = s.Market(ctx, judy, MarketFilter{Limit: 2})
	if err != nil {
		t.Fatalf("market page 1: %v", err)
	}
	if len(page.Listings) != 2 || !page.HasMore {
		t.Fatalf("page 1 = %d listings, has_more=%v", len(page.Listings), page.HasMore)
	}
	page, err = s.Market(ctx, judy, MarketFilter{Limit: 2, Offset: page.NextOffset})
	if err != nil {
		t.Fatalf("market page 2: %v", err)
	}
	if len(page.Listings) != 1 || page.HasMore {
		t.Fatalf("page 2 = %d listings, has_more=%v", len(page.Listings), page.HasMore)
	}

	judySpare := mintCode(t, s, judyAgent)
	if _, err := s.Propose(ctx, judy, listingIDs[0], judySpare); err != nil {
		t.Fatalf("propose: %v", err)
	}
	page, err = s.Market(ctx, judy, MarketFilter{})
	if err != nil {
		t.Fatalf("market after propose: %v", err)
	}
	proposed := 0
	for _, l := range page.Listings {
		if l.HasProposed {
			proposed++
			if l.ID != listingIDs[0] {
				t.Fatalf("has_proposed on wrong listing %s", l.ID)
			}
		}
	}
	if proposed != 1 {
		t.Fatalf("has_proposed count = %d, want 1", proposed)
	}

	// Agent filter.
	otherAgent := createAgent(t, s, "Flash", "flash")
	page, err = s.Market(ctx, judy, MarketFilter{WantedAgentID: &otherAgent})
	if err != nil {
		t.Fatalf("market filtered: %v", err)
	}
	if len(page.Listings) != 0 {
		t.Fatalf("filter on unused agent returned %d listings", len(page.Listings))
	}
}

func TestMyUnlocksAndProfile(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	user := createUser(t, s, "nick")
	a1 := createAgent(t, s, "Nick", "nick")
	a2 := createAgent(t, s, "Judy", "judy")
	unlock(t, s, user, a1)
	unlock(t, s, user, a2)

	unlocks, err := s.MyUnlocks(ctx, user)
	if err != nil {
		t.Fatalf("my unlocks: %v", err)
	}
	if len(unlocks) != 2 {
		t.Fatalf("unlocks = %d, want 2", len(unlocks))
	}

	profile, err := s.Profile(ctx, user)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.TotalAgents != 2 || profile.Nickname != "nick" {
		t.Fatalf("profile = %+v", profile)
	}

	_, err = s.Profile(ctx, uuid.New())
	if !errors.Is(err, &Error{Kind: KindNotFound}) {
		t.Fatalf("unknown profile err = %v", err)
	}
}
