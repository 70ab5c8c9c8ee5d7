package rowstore

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/tidelinehq/tideline/internal/action"
	"gorm.io/gorm"
)

var (
	// ErrCaptureClosed indicates a write against a capture whose action has
	// already finished. Tracked tables accept no writes outside an active
	// capture.
	ErrCaptureClosed = errors.New("rowstore: capture context closed")
)

// Capture attributes every row mutation of one executing action to that
// action as a forward/reverse patch pair, in execution order. A capture is
// bound to one transaction and one action record; it must be finished (or
// abandoned with the transaction) on every exit path.
type Capture struct {
	store          *Store
	tx             *gorm.DB
	actionRecordID string
	audienceKey    string
	nextSequence   uint32
	rows           []action.ModifiedRow
	identitySeen   map[string]string
	closed         bool
}

// Capture opens a capture context for the given action inside tx.
func (s *Store) Capture(tx *gorm.DB, actionRecordID string) *Capture {
	return &Capture{
		store:          s,
		tx:             tx,
		actionRecordID: actionRecordID,
		nextSequence:   1,
		identitySeen:   map[string]string{},
	}
}

// WithAudience sets the opaque visibility tag recorded on subsequent patches.
func (c *Capture) WithAudience(audienceKey string) *Capture {
	c.audienceKey = audienceKey
	return c
}

// Get returns the current fields of a row, reporting presence.
func (c *Capture) Get(table string, rowID string) (map[string]any, bool, error) {
	if c.closed {
		return nil, false, ErrCaptureClosed
	}
	return c.store.ReadRow(c.tx, table, rowID)
}

// Put inserts or updates a row with an explicit identifier, capturing the
// patch pair that moves state forward and back.
func (c *Capture) Put(table string, rowID string, fields map[string]any) error {
	if c.closed {
		return ErrCaptureClosed
	}
	if fields == nil {
		fields = map[string]any{}
	}

	existing, present, err := c.store.ReadRow(c.tx, table, rowID)
	if err != nil {
		return err
	}

	if !present {
		forward := make(action.Patch, len(fields))
		for name, value := range fields {
			forward[name] = value
		}
		if err := c.store.writeRow(c.tx, table, rowID, fields); err != nil {
			return err
		}
		return c.append(table, rowID, action.OperationInsert, forward, action.Patch{})
	}

	forward := action.Patch{}
	reverse := action.Patch{}
	merged := make(map[string]any, len(existing)+len(fields))
	for name, value := range existing {
		merged[name] = value
	}
	for name, value := range fields {
		previous, had := existing[name]
		if had && reflect.DeepEqual(previous, value) {
			continue
		}
		forward[name] = value
		if had {
			reverse[name] = previous
		} else {
			// A nil reverse entry removes the field the forward patch added.
			reverse[name] = nil
		}
		merged[name] = value
	}
	if len(forward) == 0 {
		return nil
	}
	if err := c.store.writeRow(c.tx, table, rowID, merged); err != nil {
		return err
	}
	return c.append(table, rowID, action.OperationUpdate, forward, reverse)
}

// PutNew inserts or updates a row whose identifier is derived from the
// table's identity strategy. Two distinct logical identities resolving to
// the same id within this capture fail hard rather than silently merge.
func (c *Capture) PutNew(table string, fields map[string]any) (string, error) {
	if c.closed {
		return "", ErrCaptureClosed
	}
	strategy, ok := c.store.identities[table]
	if !ok {
		return "", fmt.Errorf("%w: %q", action.ErrNoIdentityStrategy, table)
	}
	rowID, err := strategy.DeriveRowID(table, fields)
	if err != nil {
		return "", err
	}
	identity, err := strategy.IdentityKey(table, fields)
	if err != nil {
		return "", err
	}
	if seen, exists := c.identitySeen[table+"\x1f"+rowID]; exists && seen != identity {
		return "", &action.CollisionError{
			Table:         table,
			RowID:         rowID,
			FirstIdentity: seen,
			OtherIdentity: identity,
		}
	}
	c.identitySeen[table+"\x1f"+rowID] = identity

	if err := c.Put(table, rowID, fields); err != nil {
		return "", err
	}
	return rowID, nil
}

// Delete removes a row, capturing the reverse patch that restores it.
// Deleting an absent row is a no-op.
func (c *Capture) Delete(table string, rowID string) error {
	if c.closed {
		return ErrCaptureClosed
	}
	existing, present, err := c.store.ReadRow(c.tx, table, rowID)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	if err := c.store.deleteRow(c.tx, table, rowID); err != nil {
		return err
	}
	reverse := make(action.Patch, len(existing))
	for name, value := range existing {
		reverse[name] = value
	}
	return c.append(table, rowID, action.OperationDelete, action.Patch{}, reverse)
}

// Finish closes the capture and returns the patches in execution order.
func (c *Capture) Finish() []action.ModifiedRow {
	c.closed = true
	return c.rows
}

func (c *Capture) append(table string, rowID string, op action.Operation, forward action.Patch, reverse action.Patch) error {
	forwardJSON, err := action.EncodePatch(forward)
	if err != nil {
		return err
	}
	reverseJSON, err := action.EncodePatch(reverse)
	if err != nil {
		return err
	}
	id, err := c.store.ids.NewID()
	if err != nil {
		return err
	}
	c.rows = append(c.rows, action.ModifiedRow{
		ID:             id,
		ActionRecordID: c.actionRecordID,
		Table:          table,
		RowID:          rowID,
		Operation:      op,
		ForwardJSON:    forwardJSON,
		ReverseJSON:    reverseJSON,
		Sequence:       c.nextSequence,
		AudienceKey:    c.audienceKey,
	})
	c.nextSequence++
	return nil
}
