package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateRankingRawFollowers adds the raw_followers column for snapshot
// tables created before follower counts were carried on ranking rows.
func MigrateRankingRawFollowers(db *sql.DB) error {
	exists, err := columnExists(db, "contributor_rankings", "raw_followers")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.Exec(`ALTER TABLE contributor_rankings ADD COLUMN raw_followers INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add raw_followers column: %w", err)
		}
	}
	return nil
}
