package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/clock"
	"github.com/tidelinehq/tideline/internal/rowstore"
	"github.com/tidelinehq/tideline/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("authority: database handle is required")
	errMissingStore    = errors.New("authority: row store is required")
	noOpLogger         = zap.NewNop()
)

// IngestEvent describes one accepted upload, published to subscribers after
// the owning transaction commits.
type IngestEvent struct {
	ClientID     string
	ActionIDs    []string
	HeadIngestID uint64
}

// DenyFunc lets deployments veto uploads on policy grounds. A non-empty
// reason turns the upload into a permanent denial.
type DenyFunc func(upload transport.Upload) (reason string, denied bool)

// MaterializerConfig describes the inputs required to build a Materializer.
type MaterializerConfig struct {
	Database *gorm.DB
	Store    *rowstore.Store
	Deny     DenyFunc
	Notify   func(IngestEvent)
	Logger   *zap.Logger
}

// Materializer is the authoritative side of the protocol: it gates uploads
// on the head rule, assigns monotonic ingest ids, keeps its materialized
// rows in strict canonical order regardless of arrival order, and serves
// deltas and bootstrap snapshots.
type Materializer struct {
	mu     sync.Mutex
	db     *gorm.DB
	store  *rowstore.Store
	deny   DenyFunc
	notify func(IngestEvent)
	logger *zap.Logger
}

// NewMaterializer validates the configuration, ensures the authority's meta
// row exists, and returns a Materializer.
func NewMaterializer(cfg MaterializerConfig) (*Materializer, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	m := &Materializer{
		db:     cfg.Database,
		store:  cfg.Store,
		deny:   cfg.Deny,
		notify: cfg.Notify,
		logger: logger,
	}
	if err := m.ensureMeta(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Materializer) ensureMeta() error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var meta ServerMeta
		err := tx.Where("id = ?", serverMetaRowID).Take(&meta).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		epoch, err := uuid.NewV7()
		if err != nil {
			return err
		}
		meta = ServerMeta{
			ID:                  serverMetaRowID,
			Epoch:               epoch.String(),
			NextIngestID:        1,
			MinRetainedIngestID: 1,
		}
		return tx.Create(&meta).Error
	})
}

func loadMeta(tx *gorm.DB) (ServerMeta, error) {
	var meta ServerMeta
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", serverMetaRowID).Take(&meta).Error
	return meta, err
}

// Epoch returns the authority's identity marker.
func (m *Materializer) Epoch(ctx context.Context) (string, error) {
	var meta ServerMeta
	if err := m.db.WithContext(ctx).Where("id = ?", serverMetaRowID).Take(&meta).Error; err != nil {
		return "", err
	}
	return meta.Epoch, nil
}

// Ingest accepts one upload. Retries of an already-ingested action are
// no-ops, rejections come back as the typed transport errors, and a late
// arrival triggers a rewind and replay so the materialized rows always
// reflect the canonical order.
func (m *Materializer) Ingest(ctx context.Context, upload transport.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	uploader, err := validateUpload(upload)
	if err != nil {
		return err
	}
	if m.deny != nil {
		if reason, denied := m.deny(upload); denied {
			return &transport.DeniedError{Reason: reason}
		}
	}

	var event IngestEvent
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta, err := loadMeta(tx)
		if err != nil {
			return err
		}

		if err := m.checkHeadGate(tx, uploader, upload.BasisIngestID); err != nil {
			return err
		}

		rowsByAction := groupRows(upload.ModifiedRows)
		incoming := make([]action.Record, 0, len(upload.Actions))
		for _, wire := range upload.Actions {
			incoming = append(incoming, wire.ToRecord())
		}
		sort.SliceStable(incoming, func(i, j int) bool {
			return incoming[i].SortKey().Less(incoming[j].SortKey())
		})

		accepted := make([]string, 0, len(incoming))
		for _, record := range incoming {
			var existing action.Record
			err := tx.Where("action_id = ?", record.ID).Take(&existing).Error
			if err == nil {
				continue // idempotent retry
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			insert := record
			ingestID := meta.NextIngestID
			insert.ServerIngestID = &ingestID
			insert.Synced = true
			meta.NextIngestID++

			if err := tx.Create(&insert).Error; err != nil {
				return err
			}
			patches := make([]action.ModifiedRow, 0, len(rowsByAction[record.ID]))
			for _, wire := range rowsByAction[record.ID] {
				patches = append(patches, wire.ToModifiedRow())
			}
			if err := m.store.RecordModifiedRows(tx, patches, false); err != nil {
				return err
			}
			if err := m.materialize(tx, insert); err != nil {
				return err
			}
			accepted = append(accepted, insert.ID)
		}

		if err := tx.Model(&ServerMeta{}).Where("id = ?", serverMetaRowID).
			Update("next_ingest_id", meta.NextIngestID).Error; err != nil {
			return err
		}

		event = IngestEvent{
			ClientID:     uploader,
			ActionIDs:    accepted,
			HeadIngestID: meta.NextIngestID - 1,
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}

	if m.notify != nil && len(event.ActionIDs) > 0 {
		m.notify(event)
	}
	m.logger.Info("upload ingested",
		zap.String("client_id", event.ClientID),
		zap.Int("actions", len(event.ActionIDs)),
		zap.Uint64("head_ingest_id", event.HeadIngestID))
	return nil
}

// checkHeadGate rejects an upload whose basis predates an already-ingested
// action from a different replica.
func (m *Materializer) checkHeadGate(tx *gorm.DB, uploader string, basisIngestID uint64) error {
	var firstUnseen sql.NullInt64
	row := tx.Model(&action.Record{}).
		Where("client_id <> ? AND server_ingest_id > ?", uploader, basisIngestID).
		Select("MIN(server_ingest_id)").Row()
	if err := row.Scan(&firstUnseen); err != nil {
		return err
	}
	if firstUnseen.Valid {
		return &transport.BehindHeadError{FirstUnseenIngestID: uint64(firstUnseen.Int64)}
	}
	return nil
}

// materialize applies a newly-ingested action's patches to the authoritative
// rows. When the action's canonical position is older than something already
// materialized, every younger action is rewound first and replayed after.
func (m *Materializer) materialize(tx *gorm.DB, record action.Record) error {
	younger, err := m.recordsAfter(tx, record.SortKey())
	if err != nil {
		return err
	}

	for i := len(younger) - 1; i >= 0; i-- {
		patches, err := m.patchesFor(tx, younger[i].ID)
		if err != nil {
			return err
		}
		if err := m.store.ApplyReverseBatch(tx, patches); err != nil {
			return err
		}
	}

	patches, err := m.patchesFor(tx, record.ID)
	if err != nil {
		return err
	}
	if err := m.store.ApplyForwardBatch(tx, patches); err != nil {
		return err
	}

	for _, replay := range younger {
		patches, err := m.patchesFor(tx, replay.ID)
		if err != nil {
			return err
		}
		if err := m.store.ApplyForwardBatch(tx, patches); err != nil {
			return err
		}
	}
	if len(younger) > 0 {
		m.logger.Info("late arrival replayed",
			zap.String("action_id", record.ID),
			zap.Int("rewound", len(younger)))
	}
	return nil
}

func (m *Materializer) recordsAfter(tx *gorm.DB, key clock.SortKey) ([]action.Record, error) {
	var candidates []action.Record
	err := tx.Where("sort_timestamp_ms >= ?", key.TimestampMs).
		Order("sort_timestamp_ms ASC, sort_counter ASC, client_id ASC, action_id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	younger := candidates[:0]
	for _, candidate := range candidates {
		if key.Less(candidate.SortKey()) {
			younger = append(younger, candidate)
		}
	}
	return younger, nil
}

func (m *Materializer) patchesFor(tx *gorm.DB, actionID string) ([]action.ModifiedRow, error) {
	var patches []action.ModifiedRow
	err := tx.Where("action_record_id = ?", actionID).
		Order("sequence ASC").Find(&patches).Error
	return patches, err
}

// FetchSince returns every action ingested after the given cursor in ingest
// order, or CompactedError when the cursor predates retained history.
func (m *Materializer) FetchSince(ctx context.Context, sinceIngestID uint64) (transport.Delta, error) {
	var delta transport.Delta
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta ServerMeta
		if err := tx.Where("id = ?", serverMetaRowID).Take(&meta).Error; err != nil {
			return err
		}
		if sinceIngestID+1 < meta.MinRetainedIngestID {
			return &transport.CompactedError{MinRetainedIngestID: meta.MinRetainedIngestID}
		}

		var records []action.Record
		if err := tx.Where("server_ingest_id > ?", sinceIngestID).
			Order("server_ingest_id ASC").Find(&records).Error; err != nil {
			return err
		}

		delta = transport.Delta{
			Actions:             transport.FromRecords(records),
			ServerEpoch:         meta.Epoch,
			HeadIngestID:        meta.NextIngestID - 1,
			MinRetainedIngestID: meta.MinRetainedIngestID,
		}
		for _, record := range records {
			patches, err := m.patchesFor(tx, record.ID)
			if err != nil {
				return err
			}
			delta.ModifiedRows = append(delta.ModifiedRows, transport.FromModifiedRows(patches)...)
		}
		return nil
	})
	if err != nil {
		return transport.Delta{}, err
	}
	return delta, nil
}

// BootstrapSnapshot returns the authority's full materialized state.
func (m *Materializer) BootstrapSnapshot(ctx context.Context) (transport.Snapshot, error) {
	var snapshot transport.Snapshot
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta ServerMeta
		if err := tx.Where("id = ?", serverMetaRowID).Take(&meta).Error; err != nil {
			return err
		}
		rows, err := m.store.Snapshot(tx)
		if err != nil {
			return err
		}
		snapshot = transport.Snapshot{
			ServerEpoch:    meta.Epoch,
			ServerIngestID: meta.NextIngestID - 1,
			Rows:           make([]transport.SnapshotRow, 0, len(rows)),
		}
		for _, row := range rows {
			snapshot.Rows = append(snapshot.Rows, transport.SnapshotRow{
				Table:      row.Table,
				RowID:      row.RowID,
				FieldsJSON: row.FieldsJSON,
			})
		}
		return nil
	})
	if err != nil {
		return transport.Snapshot{}, err
	}
	return snapshot, nil
}

// Compact drops retained history before the given ingest id. Replicas whose
// cursor falls behind the new floor must bootstrap again.
func (m *Materializer) Compact(ctx context.Context, beforeIngestID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var purged []action.Record
		if err := tx.Where("server_ingest_id < ?", beforeIngestID).Find(&purged).Error; err != nil {
			return err
		}
		for _, record := range purged {
			if err := tx.Where("action_record_id = ?", record.ID).Delete(&action.ModifiedRow{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("server_ingest_id < ?", beforeIngestID).Delete(&action.Record{}).Error; err != nil {
			return err
		}
		return tx.Model(&ServerMeta{}).Where("id = ?", serverMetaRowID).
			Update("min_retained_ingest_id", beforeIngestID).Error
	})
}

// CompactOlderThan drops retained history authored before the given age and
// returns the new retention floor. History younger than the age is kept even
// when fully replicated, so a replica offline for less than the window never
// needs a fresh bootstrap.
func (m *Materializer) CompactOlderThan(ctx context.Context, maxAge time.Duration, now time.Time) (uint64, error) {
	cutoffMs := now.Add(-maxAge).UnixMilli()

	var staleHead sql.NullInt64
	row := m.db.WithContext(ctx).Model(&action.Record{}).
		Where("created_at_ms < ?", cutoffMs).
		Select("MAX(server_ingest_id)").Row()
	if err := row.Scan(&staleHead); err != nil {
		return 0, err
	}
	if !staleHead.Valid {
		return 0, nil
	}

	floor := uint64(staleHead.Int64) + 1
	if err := m.Compact(ctx, floor); err != nil {
		return 0, err
	}
	m.logger.Info("history compacted by age",
		zap.Duration("max_age", maxAge),
		zap.Uint64("min_retained_ingest_id", floor))
	return floor, nil
}

// BumpEpoch installs a fresh identity marker, signalling replicas that
// history before it can no longer be trusted as-is. Administrative use, e.g.
// after restoring the authority from a backup.
func (m *Materializer) BumpEpoch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	err = m.db.WithContext(ctx).Model(&ServerMeta{}).
		Where("id = ?", serverMetaRowID).
		Update("epoch", epoch.String()).Error
	if err != nil {
		return "", err
	}
	return epoch.String(), nil
}

func validateUpload(upload transport.Upload) (string, error) {
	if len(upload.Actions) == 0 {
		return "", &transport.InvalidError{Reason: "empty upload"}
	}
	uploader := upload.Actions[0].ClientID
	rowsByAction := groupRows(upload.ModifiedRows)
	for _, wire := range upload.Actions {
		if strings.TrimSpace(wire.ID) == "" {
			return "", &transport.InvalidError{Reason: "action without id"}
		}
		if err := action.ValidateTag(wire.Tag); err != nil {
			return "", &transport.InvalidError{Reason: fmt.Sprintf("action %s: %v", wire.ID, err)}
		}
		if wire.ClientID != uploader {
			return "", &transport.InvalidError{Reason: "upload mixes authors"}
		}
		if _, err := clock.Decode(wire.ClockJSON); err != nil {
			return "", &transport.InvalidError{Reason: fmt.Sprintf("action %s: undecodable clock", wire.ID)}
		}
		if len(rowsByAction[wire.ID]) != wire.PatchCount {
			return "", &transport.InvalidError{Reason: fmt.Sprintf("action %s: patch count mismatch", wire.ID)}
		}
		for _, row := range rowsByAction[wire.ID] {
			if err := action.ValidateOperation(action.Operation(row.Operation)); err != nil {
				return "", &transport.InvalidError{Reason: fmt.Sprintf("action %s: %v", wire.ID, err)}
			}
		}
	}
	return uploader, nil
}

func groupRows(rows []transport.WireModifiedRow) map[string][]transport.WireModifiedRow {
	grouped := make(map[string][]transport.WireModifiedRow, len(rows))
	for _, row := range rows {
		grouped[row.ActionRecordID] = append(grouped[row.ActionRecordID], row)
	}
	return grouped
}
