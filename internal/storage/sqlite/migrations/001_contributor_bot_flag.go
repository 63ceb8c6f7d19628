package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateContributorBotFlag adds the is_bot column for databases created
// before automation accounts were flagged.
func MigrateContributorBotFlag(db *sql.DB) error {
	exists, err := columnExists(db, "contributors", "is_bot")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.Exec(`ALTER TABLE contributors ADD COLUMN is_bot INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add is_bot column: %w", err)
		}
	}
	return nil
}
