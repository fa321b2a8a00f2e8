package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harrison/claudecron/internal/models"
)

// Rich fields are stored as JSON text so they round-trip verbatim
// across both backends.

// marshalJSON serializes v, returning a NULL-able string. Nil pointers,
// nil maps, and nil slices produce NULL.
func marshalJSON(v interface{}) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal json field: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// unmarshalJSON deserializes a NULL-able string into out, leaving out
// untouched on NULL.
func unmarshalJSON(s sql.NullString, out interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return fmt.Errorf("unmarshal json field: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 UTC strings in SQLite; the API
// surface always speaks UTC regardless of backend representation.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// counterDeltas maps a terminal status onto the outcome counter it
// advances. Skips and cancellations advance neither.
func counterDeltas(status models.ExecutionStatus) (success, failure int) {
	switch status {
	case models.StatusSuccess:
		return 1, 0
	case models.StatusFailure, models.StatusTimeout:
		return 0, 1
	}
	return 0, 0
}

// triggerIndexColumns returns the denormalized trigger_kind and
// hook_event column values for a task, kept alongside the JSON blob so
// list filters stay index-friendly on both backends.
func triggerIndexColumns(t *models.Task) (string, sql.NullString) {
	kind := string(t.Trigger.Type)
	var event sql.NullString
	if t.Trigger.Type == models.TriggerHook {
		event = sql.NullString{String: string(t.Trigger.Event), Valid: true}
	}
	return kind, event
}
