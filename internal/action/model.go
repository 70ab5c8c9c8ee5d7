package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidelinehq/tideline/internal/clock"
)

// Operation enumerates the row-level mutation kinds a patch can describe.
type Operation string

const (
	// OperationInsert records a row creation.
	OperationInsert Operation = "INSERT"
	// OperationUpdate records an in-place field change.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete records a row removal.
	OperationDelete Operation = "DELETE"
)

var (
	// ErrInvalidActionID indicates that an action identifier is empty or exceeds storage bounds.
	ErrInvalidActionID = errors.New("action: invalid action id")
	// ErrInvalidTag indicates that an action tag is empty or exceeds storage bounds.
	ErrInvalidTag = errors.New("action: invalid tag")
	// ErrInvalidOperation indicates an unknown row operation value.
	ErrInvalidOperation = errors.New("action: invalid operation")
	// ErrInvalidPatch indicates that a patch payload could not be decoded.
	ErrInvalidPatch = errors.New("action: invalid patch payload")
)

const maxIdentifierLength = 190

// ValidateTag checks that a tag is usable as a registry key.
func ValidateTag(tag string) error {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTag)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTag, maxIdentifierLength)
	}
	return nil
}

// ValidateOperation checks that a row operation is one of the known kinds.
func ValidateOperation(op Operation) error {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}
}

// Patch is a set of fields to assign to a row. A nil field value means the
// field is removed, which is how a patch undoes the introduction of a field
// that did not previously exist.
type Patch map[string]any

// EncodePatch serializes a patch to its canonical JSON form. Nil patches
// encode as an empty object.
func EncodePatch(patch Patch) (string, error) {
	if patch == nil {
		patch = Patch{}
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return string(payload), nil
}

// DecodePatch parses a patch from its canonical JSON form.
func DecodePatch(payload string) (Patch, error) {
	if strings.TrimSpace(payload) == "" {
		return Patch{}, nil
	}
	var decoded Patch
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if decoded == nil {
		decoded = Patch{}
	}
	return decoded, nil
}

// Record is the immutable description of one executed action. Only the
// Synced flag and the ServerIngestID are ever updated after creation; the
// authority alone assigns ingest ids.
type Record struct {
	ID              string  `gorm:"column:action_id;primaryKey;size:190;not null"`
	Tag             string  `gorm:"column:tag;size:190;not null"`
	ClientID        string  `gorm:"column:client_id;size:190;not null;index:idx_action_records_client"`
	TransactionID   string  `gorm:"column:transaction_id;size:190;not null"`
	ClockJSON       string  `gorm:"column:clock_json;type:text;not null"`
	ArgsJSON        string  `gorm:"column:args_json;type:text;not null"`
	CreatedAtMs     int64   `gorm:"column:created_at_ms;not null"`
	Synced          bool    `gorm:"column:synced;not null;default:false;index:idx_action_records_synced"`
	ServerIngestID  *uint64 `gorm:"column:server_ingest_id;index:idx_action_records_ingest"`
	SortTimestampMs uint64  `gorm:"column:sort_timestamp_ms;not null;index:idx_action_records_sort,priority:1"`
	SortCounter     uint64  `gorm:"column:sort_counter;not null;index:idx_action_records_sort,priority:2"`
	PatchCount      int     `gorm:"column:patch_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "action_records"
}

// Clock decodes the record's hybrid logical clock.
func (r Record) Clock() (clock.HLC, error) {
	return clock.Decode(r.ClockJSON)
}

// SortKey returns the record's position in the canonical total order.
func (r Record) SortKey() clock.SortKey {
	return clock.SortKey{
		TimestampMs: r.SortTimestampMs,
		Counter:     r.SortCounter,
		ClientID:    r.ClientID,
		ActionID:    r.ID,
	}
}

// Args decodes the record's argument payload.
func (r Record) Args() (map[string]any, error) {
	if strings.TrimSpace(r.ArgsJSON) == "" {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(r.ArgsJSON), &decoded); err != nil {
		return nil, fmt.Errorf("%w: args: %v", ErrInvalidPatch, err)
	}
	return decoded, nil
}

// ModifiedRow records one forward/reverse patch pair for one row touched by
// one action. Rows are immutable and are written in the same transaction as
// their owning record. The forward patch is empty for deletes, the reverse
// patch is empty for inserts, and applying forward then reverse restores the
// patched fields exactly.
type ModifiedRow struct {
	ID             string    `gorm:"column:modified_row_id;primaryKey;size:190;not null"`
	ActionRecordID string    `gorm:"column:action_record_id;size:190;not null;index:idx_modified_rows_action,priority:1;uniqueIndex:idx_modified_rows_action_seq,priority:1"`
	Table          string    `gorm:"column:table_name;size:190;not null"`
	RowID          string    `gorm:"column:row_id;size:190;not null"`
	Operation      Operation `gorm:"column:op;size:16;not null"`
	ForwardJSON    string    `gorm:"column:forward_json;type:text;not null"`
	ReverseJSON    string    `gorm:"column:reverse_json;type:text;not null"`
	Sequence       uint32    `gorm:"column:sequence;not null;uniqueIndex:idx_modified_rows_action_seq,priority:2"`
	AudienceKey    string    `gorm:"column:audience_key;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ModifiedRow) TableName() string {
	return "action_modified_rows"
}

// ForwardPatch decodes the fields applied when moving forward.
func (m ModifiedRow) ForwardPatch() (Patch, error) {
	return DecodePatch(m.ForwardJSON)
}

// ReversePatch decodes the fields restored when moving backward.
func (m ModifiedRow) ReversePatch() (Patch, error) {
	return DecodePatch(m.ReverseJSON)
}
