package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"
)

// nullTime converts a *time.Time to a driver-friendly value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullString converts an empty string to NULL. Used for optional reference
// columns where "" means unresolved.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 converts a zero id to NULL. Provider ids are never zero, so zero
// means absent.
func nullInt64(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// jsonList encodes a string slice as a JSON array, "[]" when empty.
func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// parseJSONList decodes a JSON array column, tolerating malformed content.
func parseJSONList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

// scanTimePtr converts a sql.NullTime to *time.Time.
func scanTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// scanStringPtr converts a sql.NullString to *string.
func scanStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
