package rowstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidelinehq/tideline/internal/action"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("rowstore: database handle is required")
	// ErrRowDecode indicates that a persisted row payload could not be decoded.
	ErrRowDecode = errors.New("rowstore: invalid row payload")
	noOpLogger   = zap.NewNop()
)

// Row is one materialized row of a tracked table, stored opaquely so the
// engine stays independent of any table's concrete schema.
type Row struct {
	Table      string `gorm:"column:table_name;primaryKey;size:190;not null"`
	RowID      string `gorm:"column:row_id;primaryKey;size:190;not null"`
	FieldsJSON string `gorm:"column:fields_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "tracked_rows"
}

// Fields decodes the row payload.
func (r Row) Fields() (map[string]any, error) {
	return decodeFields(r.FieldsJSON)
}

// PatchMark records that a patch has been applied in the forward direction,
// keyed by the patch id. It is what makes ApplyForward and ApplyReverse
// idempotent.
type PatchMark struct {
	ModifiedRowID  string `gorm:"column:modified_row_id;primaryKey;size:190;not null"`
	ForwardApplied bool   `gorm:"column:forward_applied;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (PatchMark) TableName() string {
	return "patch_marks"
}

// StoreConfig describes the inputs required to build a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Identities action.Identities
	IDProvider action.IDProvider
	Logger     *zap.Logger
}

// Store implements the patch capture and patch apply ports over a tracked
// row table. All mutations to tracked tables flow through an active Capture,
// through patch application, or through the administrative restore path used
// by bootstrap.
type Store struct {
	db         *gorm.DB
	identities action.Identities
	ids        action.IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	identities := cfg.Identities
	if identities == nil {
		identities = action.Identities{}
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = action.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, identities: identities, ids: ids, logger: logger}, nil
}

// DB exposes the underlying handle for callers that open their own
// transactions around capture and apply.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ReadRow returns the decoded fields of one tracked row.
func (s *Store) ReadRow(tx *gorm.DB, table string, rowID string) (map[string]any, bool, error) {
	var row Row
	err := tx.Where("table_name = ? AND row_id = ?", table, rowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	fields, err := row.Fields()
	if err != nil {
		return nil, false, err
	}
	return fields, true, nil
}

// ListTable returns all rows of one tracked table keyed by row id.
func (s *Store) ListTable(tx *gorm.DB, table string) (map[string]map[string]any, error) {
	var rows []Row
	if err := tx.Where("table_name = ?", table).Find(&rows).Error; err != nil {
		return nil, err
	}
	decoded := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		fields, err := row.Fields()
		if err != nil {
			return nil, err
		}
		decoded[row.RowID] = fields
	}
	return decoded, nil
}

// Snapshot returns every tracked row, ordered for stable serialization.
func (s *Store) Snapshot(tx *gorm.DB) ([]Row, error) {
	var rows []Row
	if err := tx.Order("table_name ASC, row_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecordModifiedRows persists captured patches alongside their owning action.
// When forwardApplied is set the matching patch marks are created as already
// applied, which is the case for patches produced by executing a handler
// locally: the row effects are in place the moment the capture finishes.
func (s *Store) RecordModifiedRows(tx *gorm.DB, rows []action.ModifiedRow, forwardApplied bool) error {
	for _, row := range rows {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		if forwardApplied {
			mark := PatchMark{ModifiedRowID: row.ID, ForwardApplied: true}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "modified_row_id"}},
				DoUpdates: clause.Assignments(map[string]any{"forward_applied": true}),
			}).Create(&mark).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// AdminReplaceAll discards every tracked row and patch mark and installs the
// provided rows. This is the administrative restore path used when
// bootstrapping from an authority snapshot; it bypasses capture on purpose.
func (s *Store) AdminReplaceAll(tx *gorm.DB, rows []Row) error {
	if err := tx.Where("1 = 1").Delete(&Row{}).Error; err != nil {
		return err
	}
	if err := tx.Where("1 = 1").Delete(&PatchMark{}).Error; err != nil {
		return err
	}
	for _, row := range rows {
		insert := row
		if err := tx.Create(&insert).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeRow(tx *gorm.DB, table string, rowID string, fields map[string]any) error {
	payload, err := encodeFields(fields)
	if err != nil {
		return err
	}
	row := Row{Table: table, RowID: rowID, FieldsJSON: payload}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "table_name"}, {Name: "row_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields_json"}),
	}).Create(&row).Error
}

func (s *Store) deleteRow(tx *gorm.DB, table string, rowID string) error {
	return tx.Where("table_name = ? AND row_id = ?", table, rowID).Delete(&Row{}).Error
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRowDecode, err)
	}
	return string(payload), nil
}

func decodeFields(payload string) (map[string]any, error) {
	if payload == "" {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRowDecode, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
