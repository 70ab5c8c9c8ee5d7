package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNoIdentityStrategy indicates that a table has no registered identity derivation.
	ErrNoIdentityStrategy = errors.New("action: no identity strategy for table")
	// ErrIdentityCollision indicates that two distinct logical rows resolved
	// to the same derived id within one action execution. This is a defect in
	// the action definition, not a runtime conflict.
	ErrIdentityCollision = errors.New("action: deterministic id collision")
	// ErrIdentityFields indicates that identity fields were missing or unusable.
	ErrIdentityFields = errors.New("action: invalid identity fields")
)

// identityNamespace seeds uuid.NewSHA1 so derived ids are stable across
// replicas and releases.
var identityNamespace = uuid.MustParse("9d2f1c4e-5b8a-4f30-a6d1-08c3e7b52f47")

// IdentityStrategy derives a stable row id for a table. Either Fields names
// the subset of row fields hashed into the id, or Derive supplies a custom
// function over the full row. Two replicas creating the same logical entity
// independently must converge to the same id so reconciliation merges rather
// than duplicates.
type IdentityStrategy struct {
	Fields []string
	Derive func(fields map[string]any) (string, error)
}

// Identities maps table names to their identity strategies.
type Identities map[string]IdentityStrategy

// DeriveRowID computes the deterministic id for a row of the given table.
func (s IdentityStrategy) DeriveRowID(table string, fields map[string]any) (string, error) {
	if s.Derive != nil {
		derived, err := s.Derive(fields)
		if err != nil {
			return "", fmt.Errorf("%w: table %q: %v", ErrIdentityFields, table, err)
		}
		if strings.TrimSpace(derived) == "" {
			return "", fmt.Errorf("%w: table %q: derived id empty", ErrIdentityFields, table)
		}
		return derived, nil
	}
	if len(s.Fields) == 0 {
		return "", fmt.Errorf("%w: table %q: strategy names no fields", ErrIdentityFields, table)
	}

	key, err := identityKey(table, s.Fields, fields)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(identityNamespace, []byte(key)).String(), nil
}

// IdentityKey returns the canonical identity material for collision
// bookkeeping: the same key always derives the same id, so two different
// keys mapping to one id within a single execution is a hard failure.
// For Derive strategies the key covers every input field, never the derived
// id itself; a custom derivation collapsing two distinct rows onto one id
// must still be distinguishable as a collision.
func (s IdentityStrategy) IdentityKey(table string, fields map[string]any) (string, error) {
	if s.Derive != nil {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		return identityKey(table, names, fields)
	}
	return identityKey(table, s.Fields, fields)
}

func identityKey(table string, names []string, fields map[string]any) (string, error) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	parts := make([]string, 0, len(sorted)+1)
	parts = append(parts, table)
	for _, name := range sorted {
		value, present := fields[name]
		if !present {
			return "", fmt.Errorf("%w: table %q: missing identity field %q", ErrIdentityFields, table, name)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("%w: table %q: field %q: %v", ErrIdentityFields, table, name, err)
		}
		parts = append(parts, name+"="+string(encoded))
	}
	return strings.Join(parts, "\x1f"), nil
}

// CollisionError carries the table and identity context of a deterministic id
// collision so the offending action definition can be located.
type CollisionError struct {
	Table         string
	RowID         string
	FirstIdentity string
	OtherIdentity string
}

// Error implements the error interface.
func (e *CollisionError) Error() string {
	return fmt.Sprintf(
		"%v: table %q: rows %q and %q both derive id %q",
		ErrIdentityCollision, e.Table, e.FirstIdentity, e.OtherIdentity, e.RowID,
	)
}

// Unwrap exposes the sentinel for errors.Is.
func (e *CollisionError) Unwrap() error {
	return ErrIdentityCollision
}
