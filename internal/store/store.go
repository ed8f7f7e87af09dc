// Package store implements the Order Store (C2): a Postgres-backed
// repository for orders, secrets, and the append-only commitments audit
// trail, grounded on the teacher's internal/database/orders.go (same
// lib/pq driver, same text-encoded big.Int columns, same scanOrder-over-
// an-interface pattern for sharing scan logic between *sql.Row and
// *sql.Rows) and generalized to the full C2 contract spec §4.4 names.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/unite-defi/relayer/internal/config"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Open connects to Postgres and applies migrations.sql idempotently.
func Open(cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	schema, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return nil, fmt.Errorf("store: read migrations: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	return db, nil
}

// Stats is the aggregate view returned by Store.Stats.
type Stats struct {
	ByStatus map[string]int
	Total    int
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting Get and
// listing queries share one row-decoding routine.
type scanner interface {
	Scan(dest ...interface{}) error
}
