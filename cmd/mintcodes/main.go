package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"agentbox/internal/codes"
)

// mintcodes batch-mints activation codes for one agent and prints them to
// stdout, one per line, for handoff to the packaging line. Every batch is
// tagged with a ULID so a misprinted run can be voided wholesale.
func main() {
	var (
		dbURL  = flag.String("db", os.Getenv("AGENTBOX_DATABASE_URL"), "Postgres connection string")
		agent  = flag.String("agent", "", "Agent slug or UUID to bind the codes to")
		count  = flag.Int("count", 100, "Number of codes to mint")
		prefix = flag.String("prefix", envDefault("AGENTBOX_CODE_PREFIX", "PONTA"), "Code prefix")
	)
	flag.Parse()

	if *dbURL == "" {
		log.Fatal("missing -db or AGENTBOX_DATABASE_URL")
	}
	if *agent == "" {
		log.Fatal("missing -agent")
	}
	if *count < 1 || *count > 100000 {
		log.Fatal("-count must be between 1 and 100000")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dbURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	agentID, err := resolveAgent(ctx, pool, *agent)
	if err != nil {
		log.Fatalf("resolve agent: %v", err)
	}

	batchID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()

	minted := 0
	for minted < *count {
		code, err := codes.Mint(*prefix)
		if err != nil {
			log.Fatalf("mint: %v", err)
		}
		tag, err := pool.Exec(ctx, `
			insert into activation_codes (code, agent_id, batch_id)
			values ($1, $2, $3)
			on conflict (code) do nothing
		`, code, agentID, batchID)
		if err != nil {
			log.Fatalf("insert: %v", err)
		}
		// Collision with an existing code: roll again.
		if tag.RowsAffected() == 0 {
			continue
		}
		fmt.Println(code)
		minted++
	}

	log.Printf("minted %d codes for agent %s (batch %s)", minted, agentID, batchID)
}

func resolveAgent(ctx context.Context, pool *pgxpool.Pool, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		var exists bool
		if err := pool.QueryRow(ctx, `select exists(select 1 from agents where id=$1)`, id).Scan(&exists); err != nil {
			return uuid.Nil, err
		}
		if !exists {
			return uuid.Nil, fmt.Errorf("no agent with id %s", id)
		}
		return id, nil
	}

	var id uuid.UUID
	if err := pool.QueryRow(ctx, `select id from agents where slug=$1`, ref).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("no agent with slug %q: %w", ref, err)
	}
	return id, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
