package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type reconcileOutcome struct {
	rolledBack int
	replayed   int
	corrective int
}

// reconcile restores the canonical total order after remote actions land in
// the middle of already-applied history. It rolls applied actions back to
// the first out-of-place position, then replays everything forward in
// canonical order: known actions by their recorded patches, local pending
// actions by re-invoking their handlers. Divergence between a handler's
// replayed outcome and its recorded patches is corrected with synthesized
// actions; the recorded patches themselves are never rewritten. The whole
// pass is one transaction, so a failed replay leaves rows untouched.
func (e *Engine) reconcile(ctx context.Context) (reconcileOutcome, error) {
	outcome := reconcileOutcome{}
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		current, err := clock.Decode(status.CurrentClockJSON)
		if err != nil {
			return err
		}
		lastSynced, err := clock.Decode(status.LastSyncedClockJSON)
		if err != nil {
			return err
		}

		incoming, err := e.eligibleRemote(tx)
		if err != nil {
			return err
		}
		if len(incoming) == 0 {
			return nil
		}

		cutoff, includeTargets, markerOnly, err := e.rollbackCutoff(tx, incoming)
		if err != nil {
			return err
		}

		applied, err := e.appliedRecords(tx)
		if err != nil {
			return err
		}
		var rollback []action.Record
		for _, record := range applied {
			if record.SortKey().Compare(cutoff) > 0 || includeTargets[record.ID] {
				rollback = append(rollback, record)
			}
		}
		sort.SliceStable(rollback, func(i, j int) bool {
			return rollback[i].SortKey().Less(rollback[j].SortKey())
		})

		replay := make([]action.Record, 0, len(rollback)+len(incoming))
		replay = append(replay, rollback...)
		replay = append(replay, incoming...)
		sort.SliceStable(replay, func(i, j int) bool {
			return replay[i].SortKey().Less(replay[j].SortKey())
		})

		// An unknown tag anywhere in the replay set aborts before any row
		// is touched. Applying the rest would fork this replica's state.
		for _, record := range replay {
			if !e.registry.Knows(record.Tag) {
				return newServiceError(opReconcile, "unknown_tag",
					fmt.Errorf("%w: %q", action.ErrUnknownTag, record.Tag))
			}
		}

		localDisturbed := false
		for i := len(rollback) - 1; i >= 0; i-- {
			record := rollback[i]
			patches, err := e.patchesFor(tx, record.ID)
			if err != nil {
				return err
			}
			if err := e.store.ApplyReverseBatch(tx, patches); err != nil {
				return err
			}
			if err := tx.Where("action_id = ?", record.ID).
				Delete(&AppliedAction{}).Error; err != nil {
				return err
			}
			if !record.Synced {
				localDisturbed = true
			}
			outcome.rolledBack++
		}

		nowMs := uint64(e.clock().UnixMilli())
		for _, record := range replay {
			patches, err := e.patchesFor(tx, record.ID)
			if err != nil {
				return err
			}
			if record.Synced {
				if err := e.store.ApplyForwardBatch(tx, patches); err != nil {
					return err
				}
			} else {
				created, err := e.replayLocal(tx, record, patches, &current)
				if err != nil {
					return err
				}
				outcome.corrective += created
			}
			if err := e.markApplied(tx, record.ID); err != nil {
				return err
			}
			recordClock, err := record.Clock()
			if err != nil {
				return err
			}
			current = clock.Merge(current, recordClock, nowMs)
			if record.Synced {
				lastSynced = clock.Merge(lastSynced, recordClock, nowMs)
			}
			outcome.replayed++
		}

		if outcome.rolledBack > 0 && !markerOnly && (localDisturbed || outcome.corrective > 0) {
			if err := e.emitRollbackMarker(tx, replay[0].ID, &current); err != nil {
				return err
			}
		}

		return e.saveClocks(tx, &status, current, lastSynced)
	})
	if txErr != nil {
		e.logError(opReconcile, "transaction_failed", txErr)
		return outcome, txErr
	}
	if outcome.rolledBack > 0 || outcome.replayed > 0 {
		e.logger.Info("reconciled history",
			zap.Int("rolled_back", outcome.rolledBack),
			zap.Int("replayed", outcome.replayed),
			zap.Int("corrective", outcome.corrective))
	}
	return outcome, nil
}

// rollbackCutoff finds the earliest canonical position the incoming set
// claims. A rollback marker among the incoming actions extends the cutoff to
// its target, and the target itself joins the rollback set.
func (e *Engine) rollbackCutoff(tx *gorm.DB, incoming []action.Record) (clock.SortKey, map[string]bool, bool, error) {
	cutoff := incoming[0].SortKey()
	includeTargets := map[string]bool{}
	markerOnly := true

	for _, record := range incoming {
		if record.SortKey().Less(cutoff) {
			cutoff = record.SortKey()
		}
		if record.Tag != action.TagRollback {
			markerOnly = false
			continue
		}
		args, err := record.Args()
		if err != nil {
			return clock.SortKey{}, nil, false, err
		}
		targetID, _ := args["targetActionId"].(string)
		if targetID == "" {
			continue
		}
		var target action.Record
		err = tx.Where("action_id = ?", targetID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return clock.SortKey{}, nil, false, err
		}
		includeTargets[target.ID] = true
		if target.SortKey().Less(cutoff) {
			cutoff = target.SortKey()
		}
	}
	return cutoff, includeTargets, markerOnly, nil
}

// replayLocal re-invokes a pending local action's handler against the
// replayed row state, then settles any divergence from the recorded patches.
// The recorded patches stay canonical for every replica including this one;
// divergence is expressed as new corrective actions so the correction itself
// travels through the ordinary sync channel.
func (e *Engine) replayLocal(tx *gorm.DB, record action.Record, recorded []action.ModifiedRow, current *clock.HLC) (int, error) {
	def, ok := e.registry.Lookup(record.Tag)
	if !ok {
		return 0, fmt.Errorf("%w: %q", action.ErrUnknownTag, record.Tag)
	}
	args, err := record.Args()
	if err != nil {
		return 0, err
	}

	capture := e.store.Capture(tx, record.ID)
	if _, err := def.Handler(capture, args); err != nil {
		return 0, fmt.Errorf("replay %q: %w", record.Tag, err)
	}
	computed := capture.Finish()

	recordedKeys, recordedByRow := groupByRow(recorded)
	computedKeys, computedByRow := groupByRow(computed)

	corrective := 0
	for _, key := range recordedKeys {
		recordedRows := recordedByRow[key]
		computedRows, touched := computedByRow[key]
		if !touched {
			// The replayed handler no longer reaches this row. Its recorded
			// effects still hold everywhere else, so keep them here too.
			if err := e.store.ApplyForwardBatch(tx, recordedRows); err != nil {
				return corrective, err
			}
			continue
		}

		after, err := e.rowState(tx, recordedRows[0].Table, recordedRows[0].RowID)
		if err != nil {
			return corrective, err
		}
		pre, err := applyReverseNet(after, computedRows)
		if err != nil {
			return corrective, err
		}
		recordedAfter, err := applyForwardNet(pre, recordedRows)
		if err != nil {
			return corrective, err
		}

		if err := e.store.RecordModifiedRows(tx, recordedRows, true); err != nil {
			return corrective, err
		}
		if statesEqual(after, recordedAfter) {
			continue
		}

		delta, err := e.deltaPatch(recordedRows[0], recordedAfter, after)
		if err != nil {
			return corrective, err
		}
		if err := e.emitCorrective(tx, action.TagSyncApply, record.ID,
			[]action.ModifiedRow{delta}, current); err != nil {
			return corrective, err
		}
		corrective++
	}

	for _, key := range computedKeys {
		if _, known := recordedByRow[key]; known {
			continue
		}
		// The replayed handler reached a row the recorded run never touched.
		cloned, err := e.cloneRows(computedByRow[key])
		if err != nil {
			return corrective, err
		}
		if err := e.emitCorrective(tx, action.TagCorrection, record.ID, cloned, current); err != nil {
			return corrective, err
		}
		corrective++
	}
	return corrective, nil
}

// emitCorrective persists a machinery action authored by this replica. It is
// created already applied and already marked synced with no ingest id, which
// is exactly the shape the upload set looks for.
func (e *Engine) emitCorrective(tx *gorm.DB, tag string, sourceActionID string, rows []action.ModifiedRow, current *clock.HLC) error {
	nowMs := e.clock().UnixMilli()
	advanced := current.Increment(e.clientID, uint64(nowMs))
	clockJSON, err := advanced.Encode()
	if err != nil {
		return err
	}
	actionID, err := e.ids.NewID()
	if err != nil {
		return err
	}
	transactionID, err := e.ids.NewID()
	if err != nil {
		return err
	}

	record := action.Record{
		ID:              actionID,
		Tag:             tag,
		ClientID:        e.clientID.String(),
		TransactionID:   transactionID,
		ClockJSON:       clockJSON,
		ArgsJSON:        fmt.Sprintf(`{"sourceActionId":%q}`, sourceActionID),
		CreatedAtMs:     nowMs,
		Synced:          true,
		SortTimestampMs: advanced.TimestampMs,
		SortCounter:     advanced.Counter(e.clientID),
		PatchCount:      len(rows),
	}
	if err := tx.Create(&record).Error; err != nil {
		return err
	}

	for i := range rows {
		rows[i].ActionRecordID = actionID
		rows[i].Sequence = uint32(i + 1)
	}
	if err := e.store.RecordModifiedRows(tx, rows, true); err != nil {
		return err
	}
	if err := e.markApplied(tx, actionID); err != nil {
		return err
	}
	*current = advanced
	return nil
}

// emitRollbackMarker persists a patch-less marker telling other replicas
// where local history was rolled back and replayed.
func (e *Engine) emitRollbackMarker(tx *gorm.DB, targetActionID string, current *clock.HLC) error {
	nowMs := e.clock().UnixMilli()
	advanced := current.Increment(e.clientID, uint64(nowMs))
	clockJSON, err := advanced.Encode()
	if err != nil {
		return err
	}
	actionID, err := e.ids.NewID()
	if err != nil {
		return err
	}
	transactionID, err := e.ids.NewID()
	if err != nil {
		return err
	}

	record := action.Record{
		ID:              actionID,
		Tag:             action.TagRollback,
		ClientID:        e.clientID.String(),
		TransactionID:   transactionID,
		ClockJSON:       clockJSON,
		ArgsJSON:        fmt.Sprintf(`{"targetActionId":%q}`, targetActionID),
		CreatedAtMs:     nowMs,
		Synced:          true,
		SortTimestampMs: advanced.TimestampMs,
		SortCounter:     advanced.Counter(e.clientID),
		PatchCount:      0,
	}
	if err := tx.Create(&record).Error; err != nil {
		return err
	}
	if err := e.markApplied(tx, actionID); err != nil {
		return err
	}
	*current = advanced
	return nil
}

// deltaPatch builds the single corrective patch that moves a row from its
// recorded outcome to its replayed outcome.
func (e *Engine) deltaPatch(template action.ModifiedRow, recorded rowState, computed rowState) (action.ModifiedRow, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return action.ModifiedRow{}, err
	}
	row := action.ModifiedRow{
		ID:          id,
		Table:       template.Table,
		RowID:       template.RowID,
		AudienceKey: template.AudienceKey,
	}

	switch {
	case computed.exists && !recorded.exists:
		row.Operation = action.OperationInsert
		forward, err := action.EncodePatch(action.Patch(computed.fields))
		if err != nil {
			return action.ModifiedRow{}, err
		}
		row.ForwardJSON = forward
		row.ReverseJSON = "{}"
	case !computed.exists && recorded.exists:
		row.Operation = action.OperationDelete
		reverse, err := action.EncodePatch(action.Patch(recorded.fields))
		if err != nil {
			return action.ModifiedRow{}, err
		}
		row.ForwardJSON = "{}"
		row.ReverseJSON = reverse
	default:
		row.Operation = action.OperationUpdate
		forward, err := action.EncodePatch(diffFields(recorded.fields, computed.fields))
		if err != nil {
			return action.ModifiedRow{}, err
		}
		reverse, err := action.EncodePatch(diffFields(computed.fields, recorded.fields))
		if err != nil {
			return action.ModifiedRow{}, err
		}
		row.ForwardJSON = forward
		row.ReverseJSON = reverse
	}
	return row, nil
}

func (e *Engine) cloneRows(rows []action.ModifiedRow) ([]action.ModifiedRow, error) {
	cloned := make([]action.ModifiedRow, 0, len(rows))
	for _, row := range rows {
		id, err := e.ids.NewID()
		if err != nil {
			return nil, err
		}
		cloned = append(cloned, action.ModifiedRow{
			ID:          id,
			Table:       row.Table,
			RowID:       row.RowID,
			Operation:   row.Operation,
			ForwardJSON: row.ForwardJSON,
			ReverseJSON: row.ReverseJSON,
			AudienceKey: row.AudienceKey,
		})
	}
	return cloned, nil
}

type rowState struct {
	exists bool
	fields map[string]any
}

func (e *Engine) rowState(tx *gorm.DB, table string, rowID string) (rowState, error) {
	fields, found, err := e.store.ReadRow(tx, table, rowID)
	if err != nil {
		return rowState{}, err
	}
	if !found {
		return rowState{}, nil
	}
	return rowState{exists: true, fields: fields}, nil
}

func groupByRow(rows []action.ModifiedRow) ([]string, map[string][]action.ModifiedRow) {
	var keys []string
	grouped := map[string][]action.ModifiedRow{}
	for _, row := range rows {
		key := row.Table + "\x1f" + row.RowID
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], row)
	}
	return keys, grouped
}

// applyReverseNet undoes a row's patches in memory, newest first, yielding
// the state the row held before the patches ran.
func applyReverseNet(state rowState, rows []action.ModifiedRow) (rowState, error) {
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		switch row.Operation {
		case action.OperationInsert:
			state = rowState{}
		case action.OperationDelete:
			reverse, err := row.ReversePatch()
			if err != nil {
				return rowState{}, err
			}
			state = rowState{exists: true, fields: copyFields(map[string]any(reverse))}
		default:
			reverse, err := row.ReversePatch()
			if err != nil {
				return rowState{}, err
			}
			state.fields = patchFields(state.fields, reverse)
		}
	}
	return state, nil
}

// applyForwardNet applies a row's patches in memory, oldest first.
func applyForwardNet(state rowState, rows []action.ModifiedRow) (rowState, error) {
	for _, row := range rows {
		switch row.Operation {
		case action.OperationInsert:
			forward, err := row.ForwardPatch()
			if err != nil {
				return rowState{}, err
			}
			state = rowState{exists: true, fields: copyFields(map[string]any(forward))}
		case action.OperationDelete:
			state = rowState{}
		default:
			forward, err := row.ForwardPatch()
			if err != nil {
				return rowState{}, err
			}
			state.exists = true
			state.fields = patchFields(state.fields, forward)
		}
	}
	return state, nil
}

func patchFields(fields map[string]any, patch action.Patch) map[string]any {
	patched := copyFields(fields)
	for name, value := range patch {
		if value == nil {
			delete(patched, name)
			continue
		}
		patched[name] = value
	}
	return patched
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for name, value := range fields {
		copied[name] = value
	}
	return copied
}

func statesEqual(a rowState, b rowState) bool {
	if a.exists != b.exists {
		return false
	}
	if !a.exists {
		return true
	}
	if len(a.fields) != len(b.fields) {
		return false
	}
	return reflect.DeepEqual(a.fields, b.fields)
}

// diffFields returns the patch that rewrites from into to. Fields present
// only in from come back as nil, the removal marker.
func diffFields(from map[string]any, to map[string]any) action.Patch {
	delta := action.Patch{}
	for name, value := range to {
		previous, present := from[name]
		if !present || !reflect.DeepEqual(previous, value) {
			delta[name] = value
		}
	}
	for name := range from {
		if _, present := to[name]; !present {
			delta[name] = nil
		}
	}
	return delta
}
