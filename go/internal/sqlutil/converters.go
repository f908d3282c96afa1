package sqlutil

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// Helper functions for converting between Go types and nullable column types

// ToSqlString converts a Go string pointer to sql.NullString
func ToSqlString(val *string) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *val, Valid: true}
}

// FromSqlStringPtr converts sql.NullString to Go string pointer
func FromSqlStringPtr(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	return &val.String
}

// ToSqlTime converts a Go time pointer to sql.NullTime
func ToSqlTime(val *time.Time) sql.NullTime {
	if val == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *val, Valid: true}
}

// FromSqlTime converts sql.NullTime to Go time pointer
func FromSqlTime(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	return &val.Time
}

// ToNullRawMessage converts raw JSON to a nullable JSONB value. Empty input is NULL.
func ToNullRawMessage(val json.RawMessage) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: val, Valid: len(val) > 0}
}

// FromNullRawMessage converts a nullable JSONB value to raw JSON, nil when NULL.
func FromNullRawMessage(val pqtype.NullRawMessage) json.RawMessage {
	if !val.Valid || len(val.RawMessage) == 0 {
		return nil
	}
	return val.RawMessage
}
