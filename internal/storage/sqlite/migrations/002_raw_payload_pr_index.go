package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateRawPayloadPRIndex indexes the pull request id embedded in staged
// payloads so the sync stage's dedup lookup does not scan the table.
func MigrateRawPayloadPRIndex(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_raw_merge_requests_pr_id
		ON raw_merge_requests(json_extract(payload, '$.pull_request.id'))`)
	if err != nil {
		return fmt.Errorf("failed to create raw payload index: %w", err)
	}
	return nil
}
