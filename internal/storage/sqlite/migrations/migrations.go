// Package migrations applies ordered, idempotent schema migrations. Each step
// records itself in schema_migrations; re-running a recorded step is a no-op.
package migrations

import (
	"database/sql"
	"fmt"
)

// step is one named migration. The function must be idempotent: steps guard
// their own DDL so a crash between apply and record is harmless.
type step struct {
	name string
	fn   func(db *sql.DB) error
}

// steps run in order. Append only; never reorder or remove.
var steps = []step{
	{"001_contributor_bot_flag", MigrateContributorBotFlag},
	{"002_raw_payload_pr_index", MigrateRawPayloadPRIndex},
	{"003_ranking_raw_followers", MigrateRankingRawFollowers},
}

// Run applies every unapplied migration in order.
func Run(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, s := range steps {
		var applied int
		if err := db.QueryRow(
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, s.name).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", s.name, err)
		}
		if applied > 0 {
			continue
		}
		if err := s.fn(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`, s.name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", s.name, err)
		}
	}
	return nil
}

// Applied returns the names of all recorded migrations in application order.
func Applied(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT name FROM schema_migrations ORDER BY applied_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// columnExists checks PRAGMA table_info for a named column.
func columnExists(db *sql.DB, table, column string) (found bool, retErr error) {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, fmt.Errorf("failed to check schema of %s: %w", table, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close schema rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var cid, notnull, pk int
		var name, typ string
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			found = true
		}
	}
	return found, rows.Err()
}
