package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/clock"
	"github.com/tidelinehq/tideline/internal/rowstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Doctor runs the local consistency checks and returns the violations it
// found. An empty slice means the replica is coherent.
func (e *Engine) Doctor(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doctorFindings(ctx)
}

// HardResync discards all local action history and rebuilds row state from
// the authority's bootstrap snapshot. Pending local work is lost; callers
// with pending work want Rebase instead. The local clock is kept so that
// causality never runs backward across the resync.
func (e *Engine) HardResync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hardResync(ctx)
}

// Rebase performs a hard resync but re-executes pending local actions on top
// of the fresh snapshot, preserving their ids so the authority still
// deduplicates them. An action whose handler fails against the new state is
// dropped with a logged error rather than blocking recovery.
func (e *Engine) Rebase(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebase(ctx)
}

// GetQuarantinedActions lists local actions held out of upload after a
// permanent rejection.
func (e *Engine) GetQuarantinedActions(ctx context.Context) ([]QuarantinedAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var quarantined []QuarantinedAction
	err := e.db.WithContext(ctx).Order("quarantined_at_ms ASC").Find(&quarantined).Error
	if err != nil {
		return nil, newServiceError(opQuarantine, "list_failed", err)
	}
	return quarantined, nil
}

// DiscardQuarantinedActions rolls the quarantined actions' effects out of
// local rows and deletes them outright. This is the explicit user decision
// that unblocks automatic recovery.
func (e *Engine) DiscardQuarantinedActions(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var quarantined []QuarantinedAction
		if err := tx.Find(&quarantined).Error; err != nil {
			return err
		}
		if len(quarantined) == 0 {
			return nil
		}

		ids := make([]string, 0, len(quarantined))
		for _, entry := range quarantined {
			ids = append(ids, entry.ActionID)
		}
		var records []action.Record
		if err := tx.Where("action_id IN ?", ids).Find(&records).Error; err != nil {
			return err
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[j].SortKey().Less(records[i].SortKey())
		})

		for _, record := range records {
			patches, err := e.patchesFor(tx, record.ID)
			if err != nil {
				return err
			}
			if err := e.store.ApplyReverseBatch(tx, patches); err != nil {
				return err
			}
			patchIDs := make([]string, 0, len(patches))
			for _, patch := range patches {
				patchIDs = append(patchIDs, patch.ID)
			}
			if len(patchIDs) > 0 {
				if err := tx.Where("modified_row_id IN ?", patchIDs).
					Delete(&rowstore.PatchMark{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("action_record_id = ?", record.ID).
				Delete(&action.ModifiedRow{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("action_id IN ?", ids).Delete(&AppliedAction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("action_id IN ?", ids).Delete(&action.Record{}).Error; err != nil {
			return err
		}
		return tx.Where("action_id IN ?", ids).Delete(&QuarantinedAction{}).Error
	})
	if txErr != nil {
		e.logError(opQuarantine, "discard_failed", txErr)
		return newServiceError(opQuarantine, "discard_failed", txErr)
	}
	return nil
}

// PruneSyncedHistory deletes acknowledged action history older than maxAge.
// Row state is untouched; only records, patches, marks, and applied-set
// entries go. Unsynced and quarantined actions are never pruned, and neither
// is any acknowledged action whose canonical position is at or past the
// earliest still-unacknowledged local action: a reconcile triggered by that
// work may still need to reverse it.
func (e *Engine) PruneSyncedHistory(ctx context.Context, maxAge time.Duration) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoffMs := e.clock().Add(-maxAge).UnixMilli()
	pruned := 0
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var retained []action.Record
		if err := tx.Where(
			"synced = ? OR server_ingest_id IS NULL", false,
		).Find(&retained).Error; err != nil {
			return err
		}
		var floor *clock.SortKey
		for _, record := range retained {
			key := record.SortKey()
			if floor == nil || key.Less(*floor) {
				copied := key
				floor = &copied
			}
		}

		var candidates []action.Record
		if err := tx.Where(
			"synced = ? AND server_ingest_id IS NOT NULL AND created_at_ms < ?",
			true, cutoffMs,
		).Find(&candidates).Error; err != nil {
			return err
		}
		stale := candidates[:0]
		for _, record := range candidates {
			if floor != nil && !record.SortKey().Less(*floor) {
				continue
			}
			stale = append(stale, record)
		}
		if len(stale) == 0 {
			return nil
		}

		ids := make([]string, 0, len(stale))
		for _, record := range stale {
			ids = append(ids, record.ID)
		}
		var patches []action.ModifiedRow
		if err := tx.Where("action_record_id IN ?", ids).Find(&patches).Error; err != nil {
			return err
		}
		patchIDs := make([]string, 0, len(patches))
		for _, patch := range patches {
			patchIDs = append(patchIDs, patch.ID)
		}

		if len(patchIDs) > 0 {
			if err := tx.Where("modified_row_id IN ?", patchIDs).
				Delete(&rowstore.PatchMark{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("action_record_id IN ?", ids).
			Delete(&action.ModifiedRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("action_id IN ?", ids).Delete(&AppliedAction{}).Error; err != nil {
			return err
		}
		if err := tx.Where("action_id IN ?", ids).Delete(&action.Record{}).Error; err != nil {
			return err
		}
		pruned = len(ids)
		return nil
	})
	if txErr != nil {
		return 0, newServiceError(opPrune, "prune_failed", txErr)
	}
	if pruned > 0 {
		e.logger.Info("pruned synced history", zap.Int("actions", pruned))
	}
	return pruned, nil
}

// recover routes a detected history discontinuity to the right recovery
// path. Quarantined work blocks both paths: automatic recovery would
// silently destroy intent the user has not ruled on yet.
func (e *Engine) recover(ctx context.Context, report *Report, reason string) error {
	var quarantined int64
	if err := e.db.WithContext(ctx).Model(&QuarantinedAction{}).
		Count(&quarantined).Error; err != nil {
		return newServiceError(opPerformSync, "quarantine_check_failed", err)
	}
	if quarantined > 0 {
		e.logError(opPerformSync, "recovery_blocked", ErrQuarantinedPending,
			zap.String("trigger", reason), zap.Int64("quarantined", quarantined))
		return fmt.Errorf("%w: %s", ErrQuarantinedPending, reason)
	}

	var pending int64
	if err := e.db.WithContext(ctx).Model(&action.Record{}).
		Where("synced = ?", false).Count(&pending).Error; err != nil {
		return newServiceError(opPerformSync, "pending_check_failed", err)
	}

	if pending > 0 {
		e.logger.Warn("recovering via rebase",
			zap.String("trigger", reason), zap.Int64("pending", pending))
		if err := e.rebase(ctx); err != nil {
			return err
		}
		report.Recovered = "rebase"
		return nil
	}

	e.logger.Warn("recovering via hard resync", zap.String("trigger", reason))
	if err := e.hardResync(ctx); err != nil {
		return err
	}
	report.Recovered = "hard_resync"
	return nil
}

func (e *Engine) hardResync(ctx context.Context) error {
	snapshot, err := e.transport.FetchBootstrapSnapshot(ctx)
	if err != nil {
		return newServiceError(opHardResync, "snapshot_fetch_failed", err)
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}

		wipe := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{
			&action.ModifiedRow{}, &rowstore.PatchMark{}, &action.Record{},
			&AppliedAction{}, &QuarantinedAction{},
		} {
			if err := wipe.Delete(model).Error; err != nil {
				return err
			}
		}

		rows := make([]rowstore.Row, 0, len(snapshot.Rows))
		for _, row := range snapshot.Rows {
			rows = append(rows, rowstore.Row{
				Table:      row.Table,
				RowID:      row.RowID,
				FieldsJSON: row.FieldsJSON,
			})
		}
		if err := e.store.AdminReplaceAll(tx, rows); err != nil {
			return err
		}

		// The clock survives. Resetting it could reissue sort positions that
		// other replicas have already observed.
		status.LastSyncedClockJSON = status.CurrentClockJSON
		status.LastSeenServerIngestID = snapshot.ServerIngestID
		status.BaselineIngestID = snapshot.ServerIngestID
		status.ServerEpoch = snapshot.ServerEpoch
		return tx.Save(&status).Error
	})
	if txErr != nil {
		e.logError(opHardResync, "transaction_failed", txErr)
		return newServiceError(opHardResync, "transaction_failed", txErr)
	}

	e.logger.Info("hard resync complete",
		zap.Uint64("server_ingest_id", snapshot.ServerIngestID),
		zap.String("server_epoch", snapshot.ServerEpoch),
		zap.Int("rows", len(snapshot.Rows)))
	return nil
}

type preservedAction struct {
	id   string
	tag  string
	args map[string]any
}

func (e *Engine) rebase(ctx context.Context) error {
	var preserved []preservedAction
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := e.pendingLocal(tx)
		if err != nil {
			return err
		}
		for _, record := range pending {
			args, err := record.Args()
			if err != nil {
				return err
			}
			preserved = append(preserved, preservedAction{
				id:   record.ID,
				tag:  record.Tag,
				args: args,
			})
		}
		return nil
	})
	if err != nil {
		return newServiceError(opRebase, "collect_pending_failed", err)
	}

	if err := e.hardResync(ctx); err != nil {
		return err
	}

	replayed := 0
	for _, pending := range preserved {
		if err := e.executePreserved(ctx, pending); err != nil {
			// The action's intent no longer fits the rebuilt state. Dropping
			// it is the documented cost of rebase; surfacing it loudly is
			// all that remains.
			e.logError(opRebase, "replay_dropped", err,
				zap.String("action_id", pending.id),
				zap.String("tag", pending.tag))
			continue
		}
		replayed++
	}

	e.logger.Info("rebase complete",
		zap.Int("preserved", len(preserved)),
		zap.Int("replayed", replayed))
	return nil
}

// executePreserved re-runs one pending action against freshly-rebuilt state,
// keeping its original id so the authority deduplicates a batch that was
// uploaded but never acknowledged.
func (e *Engine) executePreserved(ctx context.Context, pending preservedAction) error {
	def, ok := e.registry.Lookup(pending.tag)
	if !ok {
		return fmt.Errorf("%w: %q", action.ErrUnknownTag, pending.tag)
	}
	argsJSON, err := action.EncodePatch(action.Patch(pending.args))
	if err != nil {
		return err
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		current, err := clock.Decode(status.CurrentClockJSON)
		if err != nil {
			return err
		}
		nowMs := e.clock().UnixMilli()
		advanced := current.Increment(e.clientID, uint64(nowMs))
		clockJSON, err := advanced.Encode()
		if err != nil {
			return err
		}
		transactionID, err := e.ids.NewID()
		if err != nil {
			return err
		}

		record := action.Record{
			ID:              pending.id,
			Tag:             pending.tag,
			ClientID:        e.clientID.String(),
			TransactionID:   transactionID,
			ClockJSON:       clockJSON,
			ArgsJSON:        argsJSON,
			CreatedAtMs:     nowMs,
			Synced:          false,
			SortTimestampMs: advanced.TimestampMs,
			SortCounter:     advanced.Counter(e.clientID),
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		capture := e.store.Capture(tx, record.ID)
		if _, err := def.Handler(capture, pending.args); err != nil {
			return err
		}
		patches := capture.Finish()
		if err := e.store.RecordModifiedRows(tx, patches, true); err != nil {
			return err
		}
		if err := tx.Model(&action.Record{}).Where("action_id = ?", record.ID).
			Update("patch_count", len(patches)).Error; err != nil {
			return err
		}
		if err := tx.Create(&AppliedAction{ActionID: record.ID, AppliedAtMs: nowMs}).Error; err != nil {
			return err
		}

		status.CurrentClockJSON = clockJSON
		return tx.Save(&status).Error
	})
}

// runDoctor is the sync-pass entry to the consistency checks. It returns
// false when any violation was found.
func (e *Engine) runDoctor(ctx context.Context) (bool, error) {
	findings, err := e.doctorFindings(ctx)
	if err != nil {
		return false, newServiceError(opDoctor, "check_failed", err)
	}
	for _, finding := range findings {
		e.logger.Warn("doctor violation", zap.String("finding", finding))
	}
	return len(findings) == 0, nil
}

func (e *Engine) doctorFindings(ctx context.Context) ([]string, error) {
	var findings []string
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		if _, err := clock.Decode(status.CurrentClockJSON); err != nil {
			findings = append(findings, "current clock is undecodable")
		}
		if _, err := clock.Decode(status.LastSyncedClockJSON); err != nil {
			findings = append(findings, "last-synced clock is undecodable")
		}
		if status.BaselineIngestID > status.LastSeenServerIngestID {
			findings = append(findings, fmt.Sprintf(
				"ingest cursor %d is behind snapshot baseline %d",
				status.LastSeenServerIngestID, status.BaselineIngestID))
		}

		var maxIngested sql.NullInt64
		if err := tx.Model(&action.Record{}).
			Select("MAX(server_ingest_id)").Row().Scan(&maxIngested); err != nil {
			return err
		}
		if maxIngested.Valid && uint64(maxIngested.Int64) > status.LastSeenServerIngestID {
			findings = append(findings, fmt.Sprintf(
				"ingest cursor %d is behind persisted ingest id %d",
				status.LastSeenServerIngestID, maxIngested.Int64))
		}

		var orphans int64
		if err := tx.Model(&AppliedAction{}).
			Where("action_id NOT IN (?)",
				tx.Session(&gorm.Session{NewDB: true}).
					Model(&action.Record{}).Select("action_id")).
			Count(&orphans).Error; err != nil {
			return err
		}
		if orphans > 0 {
			findings = append(findings, fmt.Sprintf(
				"%d applied-set entries reference missing actions", orphans))
		}

		var incomplete []action.Record
		if err := tx.Where("synced = ? AND server_ingest_id IS NOT NULL", true).
			Find(&incomplete).Error; err != nil {
			return err
		}
		for _, record := range incomplete {
			var applied int64
			if err := tx.Model(&AppliedAction{}).
				Where("action_id = ?", record.ID).Count(&applied).Error; err != nil {
				return err
			}
			if applied == 0 {
				continue
			}
			var count int64
			if err := tx.Model(&action.ModifiedRow{}).
				Where("action_record_id = ?", record.ID).Count(&count).Error; err != nil {
				return err
			}
			if int(count) != record.PatchCount {
				findings = append(findings, fmt.Sprintf(
					"applied action %s has %d of %d patches", record.ID, count, record.PatchCount))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}
