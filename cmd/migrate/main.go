package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Applies migrations/*.sql in filename order, exactly once each. Every
// applied file's checksum is recorded so a later edit to an
// already-applied migration fails loudly instead of silently diverging
// the schema from the files.
func main() {
	var (
		dbURL = flag.String("db", os.Getenv("AGENTBOX_DATABASE_URL"), "Postgres connection string")
		dir   = flag.String("dir", "migrations", "Migrations directory")
	)
	flag.Parse()

	if *dbURL == "" {
		log.Fatal("missing -db or AGENTBOX_DATABASE_URL")
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := ensureMigrationsTable(db); err != nil {
		log.Fatalf("migrations table: %v", err)
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		log.Fatalf("list migrations: %v", err)
	}
	applied := 0
	for _, p := range files {
		ran, err := applyMigrationFile(db, p)
		if err != nil {
			log.Fatalf("apply %s: %v", p, err)
		}
		if ran {
			applied++
		}
	}

	log.Printf("%d of %d migrations applied from %s", applied, len(files), *dir)
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		create table if not exists schema_migrations (
			filename text primary key,
			checksum text not null,
			applied_at timestamptz not null default now()
		)
	`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), ".sql") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func fileChecksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// applyMigrationFile runs one migration inside a transaction and records
// its checksum. Reports whether the file was actually executed.
func applyMigrationFile(db *sql.DB, path string) (bool, error) {
	base := filepath.Base(path)

	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	sqlText := strings.TrimSpace(string(b))
	if sqlText == "" {
		return false, fmt.Errorf("empty migration")
	}
	sum := fileChecksum(b)

	var recorded string
	err = db.QueryRow(`select checksum from schema_migrations where filename=$1`, base).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != sum {
			return false, fmt.Errorf("%s was modified after being applied (checksum %.12s, recorded %.12s)", base, sum, recorded)
		}
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		// not applied yet
	default:
		return false, err
	}

	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqlText); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`insert into schema_migrations (filename, checksum) values ($1, $2)`, base, sum); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
