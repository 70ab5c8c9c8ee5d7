package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/clock"
	"github.com/tidelinehq/tideline/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Report summarizes one sync pass.
type Report struct {
	FetchedActions    int
	AppliedActions    int
	UploadedActions   int
	CorrectiveActions int
	Reconciled        bool
	Recovered         string
}

// PerformSync runs the fixed pipeline: consistency check, fetch and ingest,
// ordering classification, apply or reconcile, then upload. Each step
// persists its cursor advance inside the same transaction that commits the
// step's effects, never speculatively. A failed pass leaves local state
// coherent and is safe to retry.
func (e *Engine) PerformSync(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := Report{}

	healthy, err := e.runDoctor(ctx)
	if err != nil {
		return report, err
	}
	if !healthy {
		if err := e.recover(ctx, &report, "doctor_violation"); err != nil {
			return report, err
		}
	}

	if err := e.fetchAndIngest(ctx, &report); err != nil {
		return report, err
	}

	if err := e.applyOrReconcile(ctx, &report); err != nil {
		return report, err
	}

	if err := e.uploadPending(ctx, &report); err != nil {
		return report, err
	}

	e.logger.Info("sync pass complete",
		zap.Int("fetched", report.FetchedActions),
		zap.Int("applied", report.AppliedActions),
		zap.Int("uploaded", report.UploadedActions),
		zap.Int("corrective", report.CorrectiveActions),
		zap.Bool("reconciled", report.Reconciled))
	return report, nil
}

// fetchAndIngest pulls the remote delta after the ingest cursor and persists
// it locally. Ingesting is not applying: fetched actions become eligible for
// apply only once all their patches are present. History-discontinuity
// signals (compaction, epoch change) route to recovery before a retry.
func (e *Engine) fetchAndIngest(ctx context.Context, report *Report) error {
	status, err := e.Status(ctx)
	if err != nil {
		return newServiceError(opPerformSync, "load_status", err)
	}

	delta, err := e.transport.FetchRemoteActions(ctx, status.LastSeenServerIngestID)
	var compacted *transport.CompactedError
	if errors.As(err, &compacted) {
		if err := e.recover(ctx, report, "history_compacted"); err != nil {
			return err
		}
		status, err = e.Status(ctx)
		if err != nil {
			return newServiceError(opPerformSync, "load_status", err)
		}
		delta, err = e.transport.FetchRemoteActions(ctx, status.LastSeenServerIngestID)
		if err != nil {
			return newServiceError(opPerformSync, "fetch_failed", err)
		}
	} else if err != nil {
		return newServiceError(opPerformSync, "fetch_failed", err)
	}

	if status.ServerEpoch != "" && delta.ServerEpoch != status.ServerEpoch {
		if err := e.recover(ctx, report, "epoch_mismatch"); err != nil {
			return err
		}
		status, err = e.Status(ctx)
		if err != nil {
			return newServiceError(opPerformSync, "load_status", err)
		}
		delta, err = e.transport.FetchRemoteActions(ctx, status.LastSeenServerIngestID)
		if err != nil {
			return newServiceError(opPerformSync, "fetch_failed", err)
		}
	}

	report.FetchedActions += len(delta.Actions)
	if err := e.ingestDelta(ctx, delta); err != nil {
		return newServiceError(opPerformSync, "ingest_failed", err)
	}
	return nil
}

// ingestDelta persists fetched actions and patches and advances the ingest
// cursor, all in one transaction. Re-ingesting known rows is a no-op; an
// echo of a locally-authored action marks it synced and records the ingest
// id the authority assigned.
func (e *Engine) ingestDelta(ctx context.Context, delta transport.Delta) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		current, err := clock.Decode(status.CurrentClockJSON)
		if err != nil {
			return err
		}

		cursor := status.LastSeenServerIngestID
		for _, wire := range delta.Actions {
			remoteClock, err := clock.Decode(wire.ClockJSON)
			if err != nil {
				return fmt.Errorf("action %s: %w", wire.ID, err)
			}
			current = clock.Merge(current, remoteClock, uint64(e.clock().UnixMilli()))

			var existing action.Record
			err = tx.Where("action_id = ?", wire.ID).Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				record := wire.ToRecord()
				record.Synced = true
				if err := tx.Create(&record).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			} else if existing.ServerIngestID == nil || !existing.Synced {
				updates := map[string]any{
					"synced":           true,
					"server_ingest_id": wire.ServerIngestID,
				}
				if err := tx.Model(&action.Record{}).Where("action_id = ?", wire.ID).
					Updates(updates).Error; err != nil {
					return err
				}
			}

			if wire.ServerIngestID != nil && *wire.ServerIngestID > cursor {
				cursor = *wire.ServerIngestID
			}
		}

		patches := make([]action.ModifiedRow, 0, len(delta.ModifiedRows))
		for _, wire := range delta.ModifiedRows {
			patches = append(patches, wire.ToModifiedRow())
		}
		if err := e.store.RecordModifiedRows(tx, patches, false); err != nil {
			return err
		}

		currentJSON, err := current.Encode()
		if err != nil {
			return err
		}
		status.CurrentClockJSON = currentJSON
		status.LastSeenServerIngestID = cursor
		if status.ServerEpoch == "" {
			status.ServerEpoch = delta.ServerEpoch
		}
		return tx.Save(&status).Error
	})
}

// applyOrReconcile classifies the relative order of pending local work and
// newly-eligible remote actions, then either fast-applies the remote tail or
// runs a full rollback and replay.
func (e *Engine) applyOrReconcile(ctx context.Context, report *Report) error {
	var (
		remotes        []action.Record
		maxApplied     *clock.SortKey
		forceReconcile bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		remotes, err = e.eligibleRemote(tx)
		if err != nil {
			return err
		}
		// Pending local actions are members of the applied set, so the max
		// applied key also detects remotes interleaving with pending work.
		maxApplied, err = e.maxAppliedSortKey(tx)
		return err
	})
	if err != nil {
		return newServiceError(opPerformSync, "classify_failed", err)
	}

	for _, remote := range remotes {
		if remote.Tag == action.TagRollback {
			forceReconcile = true
			break
		}
	}
	if !forceReconcile && len(remotes) > 0 && maxApplied != nil {
		if remotes[0].SortKey().Compare(*maxApplied) < 0 {
			// Insert-in-the-middle: remote history predates something
			// already applied here.
			forceReconcile = true
		}
	}

	switch {
	case len(remotes) == 0:
		return nil
	case !forceReconcile:
		applied, err := e.applyRemoteTail(ctx, remotes)
		report.AppliedActions += applied
		if err != nil {
			return err
		}
		return nil
	default:
		outcome, err := e.reconcile(ctx)
		report.Reconciled = true
		report.AppliedActions += outcome.replayed
		report.CorrectiveActions += outcome.corrective
		if err != nil {
			return err
		}
		return nil
	}
}

// applyRemoteTail applies remote actions whose canonical position is after
// everything already applied, strictly in canonical order, in one
// transaction. An unknown tag aborts the whole batch.
func (e *Engine) applyRemoteTail(ctx context.Context, remotes []action.Record) (int, error) {
	applied := 0
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

		for _, remote := range remotes {
			if !e.registry.Knows(remote.Tag) {
				return newServiceError(opPerformSync, "unknown_tag",
					fmt.Errorf("%w: %q", action.ErrUnknownTag, remote.Tag))
			}
		}

		nowMs := uint64(e.clock().UnixMilli())
		for _, remote := range remotes {
			patches, err := e.patchesFor(tx, remote.ID)
			if err != nil {
				return err
			}
			if err := e.store.ApplyForwardBatch(tx, patches); err != nil {
				return err
			}
			if err := e.markApplied(tx, remote.ID); err != nil {
				return err
			}
			remoteClock, err := remote.Clock()
			if err != nil {
				return err
			}
			current = clock.Merge(current, remoteClock, nowMs)
			lastSynced = clock.Merge(lastSynced, remoteClock, nowMs)
			applied++
		}

		if err := e.saveClocks(tx, &status, current, lastSynced); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return applied, nil
}

// uploadPending sends upload-eligible local actions with the current ingest
// cursor as basis. A behind-head rejection triggers fetch, reconcile, and a
// bounded retry; a policy rejection quarantines the batch.
func (e *Engine) uploadPending(ctx context.Context, report *Report) error {
	for attempt := 1; attempt <= e.maxUploadAttempts; attempt++ {
		records, patches, err := e.uploadSet(ctx)
		if err != nil {
			return newServiceError(opPerformSync, "upload_set_failed", err)
		}
		if len(records) == 0 {
			return nil
		}
		status, err := e.Status(ctx)
		if err != nil {
			return newServiceError(opPerformSync, "load_status", err)
		}

		upload := transport.Upload{
			Actions:       transport.FromRecords(records),
			ModifiedRows:  transport.FromModifiedRows(patches),
			BasisIngestID: status.LastSeenServerIngestID,
		}
		err = e.transport.SendLocalActions(ctx, upload)
		if err == nil {
			if err := e.markUploaded(ctx, records); err != nil {
				return newServiceError(opPerformSync, "mark_uploaded_failed", err)
			}
			report.UploadedActions += len(records)
			return nil
		}

		var behind *transport.BehindHeadError
		if errors.As(err, &behind) {
			e.logger.Info("upload behind head, reconciling",
				zap.Uint64("first_unseen_ingest_id", behind.FirstUnseenIngestID),
				zap.Int("attempt", attempt))
			if err := e.fetchAndIngest(ctx, report); err != nil {
				return err
			}
			outcome, err := e.reconcile(ctx)
			report.Reconciled = true
			report.AppliedActions += outcome.replayed
			report.CorrectiveActions += outcome.corrective
			if err != nil {
				return err
			}
			continue
		}

		var denied *transport.DeniedError
		var invalid *transport.InvalidError
		if errors.As(err, &denied) || errors.As(err, &invalid) {
			if err := e.quarantineBatch(ctx, records, err.Error()); err != nil {
				return newServiceError(opQuarantine, "record_failed", err)
			}
			e.logError(opPerformSync, "upload_rejected", err, zap.Int("actions", len(records)))
			return fmt.Errorf("%w: %v", ErrUploadQuarantined, err)
		}

		return newServiceError(opPerformSync, "upload_failed", err)
	}
	return newServiceError(opPerformSync, "upload_retries_exhausted",
		fmt.Errorf("gave up after %d attempts", e.maxUploadAttempts))
}

// uploadSet returns local actions still owed to the authority: unsynced
// pending work plus machinery actions synthesized during reconciliation
// that have not yet been acknowledged. Quarantined actions stay out of the
// set, machinery included, until explicitly discarded.
func (e *Engine) uploadSet(ctx context.Context) ([]action.Record, []action.ModifiedRow, error) {
	var records []action.Record
	var patches []action.ModifiedRow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := e.pendingLocal(tx)
		if err != nil {
			return err
		}
		var machinery []action.Record
		if err := tx.Where(
			"client_id = ? AND synced = ? AND server_ingest_id IS NULL AND tag IN ? AND action_id NOT IN (?)",
			e.clientID.String(), true,
			[]string{action.TagSyncApply, action.TagCorrection, action.TagRollback},
			tx.Session(&gorm.Session{NewDB: true}).Model(&QuarantinedAction{}).Select("action_id"),
		).Find(&machinery).Error; err != nil {
			return err
		}

		records = append(records, pending...)
		records = append(records, machinery...)
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].SortKey().Less(records[j].SortKey())
		})
		for _, record := range records {
			rows, err := e.patchesFor(tx, record.ID)
			if err != nil {
				return err
			}
			patches = append(patches, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, patches, nil
}

func (e *Engine) markUploaded(ctx context.Context, records []action.Record) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		lastSynced, err := clock.Decode(status.LastSyncedClockJSON)
		if err != nil {
			return err
		}
		nowMs := uint64(e.clock().UnixMilli())

		for _, record := range records {
			if err := tx.Model(&action.Record{}).Where("action_id = ?", record.ID).
				Update("synced", true).Error; err != nil {
				return err
			}
			recordClock, err := record.Clock()
			if err != nil {
				return err
			}
			lastSynced = clock.Merge(lastSynced, recordClock, nowMs)
		}

		lastSyncedJSON, err := lastSynced.Encode()
		if err != nil {
			return err
		}
		status.LastSyncedClockJSON = lastSyncedJSON
		return tx.Save(&status).Error
	})
}

func (e *Engine) quarantineBatch(ctx context.Context, records []action.Record, reason string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nowMs := e.clock().UnixMilli()
		for _, record := range records {
			entry := QuarantinedAction{
				ActionID:        record.ID,
				Reason:          reason,
				QuarantinedAtMs: nowMs,
			}
			if err := tx.Where("action_id = ?", record.ID).
				FirstOrCreate(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// eligibleRemote returns synced actions not yet applied whose patch set is
// fully present locally, in canonical order. Partially-ingested actions
// stay ineligible until the rest of their patches arrive.
func (e *Engine) eligibleRemote(tx *gorm.DB) ([]action.Record, error) {
	var candidates []action.Record
	err := tx.Where(
		"synced = ? AND server_ingest_id IS NOT NULL AND action_id NOT IN (?)",
		true, tx.Session(&gorm.Session{NewDB: true}).Model(&AppliedAction{}).Select("action_id"),
	).Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	eligible := candidates[:0]
	for _, candidate := range candidates {
		var count int64
		if err := tx.Model(&action.ModifiedRow{}).
			Where("action_record_id = ?", candidate.ID).Count(&count).Error; err != nil {
			return nil, err
		}
		if int(count) == candidate.PatchCount {
			eligible = append(eligible, candidate)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].SortKey().Less(eligible[j].SortKey())
	})
	return eligible, nil
}

// pendingLocal returns unsynced, non-quarantined local actions in canonical
// order.
func (e *Engine) pendingLocal(tx *gorm.DB) ([]action.Record, error) {
	var pending []action.Record
	err := tx.Where(
		"synced = ? AND action_id NOT IN (?)",
		false, tx.Session(&gorm.Session{NewDB: true}).Model(&QuarantinedAction{}).Select("action_id"),
	).Find(&pending).Error
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SortKey().Less(pending[j].SortKey())
	})
	return pending, nil
}

func (e *Engine) maxAppliedSortKey(tx *gorm.DB) (*clock.SortKey, error) {
	applied, err := e.appliedRecords(tx)
	if err != nil {
		return nil, err
	}
	var max *clock.SortKey
	for _, record := range applied {
		key := record.SortKey()
		if max == nil || max.Less(key) {
			copied := key
			max = &copied
		}
	}
	return max, nil
}

func (e *Engine) appliedRecords(tx *gorm.DB) ([]action.Record, error) {
	var records []action.Record
	err := tx.Where(
		"action_id IN (?)",
		tx.Session(&gorm.Session{NewDB: true}).Model(&AppliedAction{}).Select("action_id"),
	).Find(&records).Error
	return records, err
}

func (e *Engine) patchesFor(tx *gorm.DB, actionID string) ([]action.ModifiedRow, error) {
	var patches []action.ModifiedRow
	err := tx.Where("action_record_id = ?", actionID).
		Order("sequence ASC").Find(&patches).Error
	return patches, err
}

func (e *Engine) markApplied(tx *gorm.DB, actionID string) error {
	entry := AppliedAction{ActionID: actionID, AppliedAtMs: e.clock().UnixMilli()}
	return tx.Where("action_id = ?", actionID).FirstOrCreate(&entry).Error
}

func (e *Engine) saveClocks(tx *gorm.DB, status *SyncStatus, current clock.HLC, lastSynced clock.HLC) error {
	currentJSON, err := current.Encode()
	if err != nil {
		return err
	}
	lastSyncedJSON, err := lastSynced.Encode()
	if err != nil {
		return err
	}
	status.CurrentClockJSON = currentJSON
	status.LastSyncedClockJSON = lastSyncedJSON
	return tx.Save(status).Error
}
