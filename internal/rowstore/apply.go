package rowstore

import (
	"errors"
	"sort"

	"github.com/tidelinehq/tideline/internal/action"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyForward applies one patch in the forward direction. Re-applying a
// patch that is already forward-applied is a no-op: application is keyed by
// patch id, not re-derived from row content.
func (s *Store) ApplyForward(tx *gorm.DB, row action.ModifiedRow) error {
	applied, err := s.forwardApplied(tx, row.ID)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	switch row.Operation {
	case action.OperationInsert, action.OperationUpdate:
		patch, err := row.ForwardPatch()
		if err != nil {
			return err
		}
		if err := s.patchRow(tx, row.Table, row.RowID, patch); err != nil {
			return err
		}
	case action.OperationDelete:
		if err := s.deleteRow(tx, row.Table, row.RowID); err != nil {
			return err
		}
	default:
		return action.ValidateOperation(row.Operation)
	}

	return s.setMark(tx, row.ID, true)
}

// ApplyReverse undoes one patch. Reversing a patch that was never
// forward-applied is a no-op.
func (s *Store) ApplyReverse(tx *gorm.DB, row action.ModifiedRow) error {
	applied, err := s.forwardApplied(tx, row.ID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	switch row.Operation {
	case action.OperationInsert:
		if err := s.deleteRow(tx, row.Table, row.RowID); err != nil {
			return err
		}
	case action.OperationUpdate:
		patch, err := row.ReversePatch()
		if err != nil {
			return err
		}
		if err := s.patchRow(tx, row.Table, row.RowID, patch); err != nil {
			return err
		}
	case action.OperationDelete:
		patch, err := row.ReversePatch()
		if err != nil {
			return err
		}
		if err := s.patchRow(tx, row.Table, row.RowID, patch); err != nil {
			return err
		}
	default:
		return action.ValidateOperation(row.Operation)
	}

	return s.setMark(tx, row.ID, false)
}

// ApplyForwardBatch applies patches in ascending sequence order.
func (s *Store) ApplyForwardBatch(tx *gorm.DB, rows []action.ModifiedRow) error {
	ordered := make([]action.ModifiedRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	for _, row := range ordered {
		if err := s.ApplyForward(tx, row); err != nil {
			return err
		}
	}
	return nil
}

// ApplyReverseBatch undoes patches in descending sequence order.
func (s *Store) ApplyReverseBatch(tx *gorm.DB, rows []action.ModifiedRow) error {
	ordered := make([]action.ModifiedRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence > ordered[j].Sequence
	})
	for _, row := range ordered {
		if err := s.ApplyReverse(tx, row); err != nil {
			return err
		}
	}
	return nil
}

// patchRow assigns the patch fields onto a row, creating the row when
// absent. Nil-valued patch fields remove the field; a row left with no
// fields still exists until deleted by a DELETE patch.
func (s *Store) patchRow(tx *gorm.DB, table string, rowID string, patch action.Patch) error {
	existing, _, err := s.ReadRow(tx, table, rowID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = map[string]any{}
	}
	for name, value := range patch {
		if value == nil {
			delete(existing, name)
			continue
		}
		existing[name] = value
	}
	return s.writeRow(tx, table, rowID, existing)
}

func (s *Store) forwardApplied(tx *gorm.DB, modifiedRowID string) (bool, error) {
	var mark PatchMark
	err := tx.Where("modified_row_id = ?", modifiedRowID).Take(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return mark.ForwardApplied, nil
}

func (s *Store) setMark(tx *gorm.DB, modifiedRowID string, forwardApplied bool) error {
	mark := PatchMark{ModifiedRowID: modifiedRowID, ForwardApplied: forwardApplied}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "modified_row_id"}},
		DoUpdates: clause.Assignments(map[string]any{"forward_applied": forwardApplied}),
	}).Create(&mark).Error
}
