package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/clock"
	"github.com/tidelinehq/tideline/internal/rowstore"
	"github.com/tidelinehq/tideline/internal/transport"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingStore     = errors.New("row store is required")
	errMissingRegistry  = errors.New("action registry is required")
	errMissingTransport = errors.New("transport client is required")
	errMissingClientID  = errors.New("client identifier is required")
	noOpLogger          = zap.NewNop()

	// ErrQuarantinedPending indicates that recovery is blocked because
	// quarantined local work exists. The caller must inspect and discard
	// quarantine before the replica can recover automatically; anything else
	// would silently destroy held user intent.
	ErrQuarantinedPending = errors.New("engine: quarantined actions pending, recovery refused")
	// ErrUploadQuarantined indicates that this pass moved rejected local
	// actions into quarantine.
	ErrUploadQuarantined = errors.New("engine: upload permanently rejected, actions quarantined")
)

// ServiceError couples an operation-scoped code with an underlying cause.
type ServiceError struct {
	code string
	err  error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew     = "engine.new"
	opExecuteAction = "engine.execute_action"
	opPerformSync   = "engine.perform_sync"
	opReconcile     = "engine.reconcile"
	opHardResync    = "engine.hard_resync"
	opRebase        = "engine.rebase"
	opQuarantine    = "engine.quarantine"
	opDoctor        = "engine.doctor"
	opPrune         = "engine.prune"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultMaxUploadAttempts = 3

// Config describes the inputs required to build an Engine.
type Config struct {
	Database          *gorm.DB
	Store             *rowstore.Store
	Registry          *action.Registry
	Transport         transport.Client
	ClientID          clock.ClientID
	Clock             func() time.Time
	IDProvider        action.IDProvider
	Logger            *zap.Logger
	MaxUploadAttempts int
}

// Engine orchestrates one replica: it executes local actions transactionally,
// fetches and applies remote actions, reconciles divergent histories, and
// drives uploads against the authority. Engine calls are serialized; a
// replica has a single writer, and concurrency lives across replicas.
type Engine struct {
	mu                sync.Mutex
	db                *gorm.DB
	store             *rowstore.Store
	registry          *action.Registry
	transport         transport.Client
	clientID          clock.ClientID
	clock             func() time.Time
	ids               action.IDProvider
	logger            *zap.Logger
	maxUploadAttempts int
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opEngineNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opEngineNew, "missing_transport", errMissingTransport)
	}
	if cfg.ClientID == "" {
		return nil, newServiceError(opEngineNew, "missing_client_id", errMissingClientID)
	}

	tick := cfg.Clock
	if tick == nil {
		tick = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = action.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.MaxUploadAttempts
	if attempts <= 0 {
		attempts = defaultMaxUploadAttempts
	}

	return &Engine{
		db:                cfg.Database,
		store:             cfg.Store,
		registry:          cfg.Registry,
		transport:         cfg.Transport,
		clientID:          cfg.ClientID,
		clock:             tick,
		ids:               ids,
		logger:            logger,
		maxUploadAttempts: attempts,
	}, nil
}

// ExecuteResult carries the persisted record and the handler's return value.
type ExecuteResult struct {
	Record action.Record
	Value  any
}

// ExecuteAction runs one registered action: it stamps the local clock,
// persists the record, captures every row mutation as patches, and commits
// all of it in a single transaction. A handler failure rolls the whole
// transaction back; no partial record or patch is ever persisted.
func (e *Engine) ExecuteAction(ctx context.Context, tag string, args map[string]any) (ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.registry.Lookup(tag)
	if !ok {
		e.logError(opExecuteAction, "unknown_tag", action.ErrUnknownTag, zap.String("tag", tag))
		return ExecuteResult{}, newServiceError(opExecuteAction, "unknown_tag", fmt.Errorf("%w: %q", action.ErrUnknownTag, tag))
	}
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return ExecuteResult{}, newServiceError(opExecuteAction, "encode_args", err)
	}

	var result ExecuteResult
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		status, err := e.loadOrInitStatus(tx)
		if err != nil {
			return newServiceError(opExecuteAction, "load_status", err)
		}
		current, err := clock.Decode(status.CurrentClockJSON)
		if err != nil {
			return newServiceError(opExecuteAction, "decode_clock", err)
		}

		nowMs := e.clock().UnixMilli()
		advanced := current.Increment(e.clientID, uint64(nowMs))
		clockJSON, err := advanced.Encode()
		if err != nil {
			return newServiceError(opExecuteAction, "encode_clock", err)
		}

		actionID, err := e.ids.NewID()
		if err != nil {
			return newServiceError(opExecuteAction, "id_generation_failed", err)
		}
		transactionID, err := e.ids.NewID()
		if err != nil {
			return newServiceError(opExecuteAction, "id_generation_failed", err)
		}

		record := action.Record{
			ID:              actionID,
			Tag:             tag,
			ClientID:        e.clientID.String(),
			TransactionID:   transactionID,
			ClockJSON:       clockJSON,
			ArgsJSON:        string(argsJSON),
			CreatedAtMs:     nowMs,
			Synced:          false,
			SortTimestampMs: advanced.TimestampMs,
			SortCounter:     advanced.Counter(e.clientID),
		}
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opExecuteAction, "record_insert_failed", err)
		}

		capture := e.store.Capture(tx, record.ID)
		value, err := def.Handler(capture, args)
		patches := capture.Finish()
		if err != nil {
			return newServiceError(opExecuteAction, "handler_failed", err)
		}

		if err := e.store.RecordModifiedRows(tx, patches, true); err != nil {
			return newServiceError(opExecuteAction, "patch_insert_failed", err)
		}
		record.PatchCount = len(patches)
		if err := tx.Model(&action.Record{}).Where("action_id = ?", record.ID).
			Update("patch_count", record.PatchCount).Error; err != nil {
			return newServiceError(opExecuteAction, "record_update_failed", err)
		}
		if err := tx.Create(&AppliedAction{ActionID: record.ID, AppliedAtMs: nowMs}).Error; err != nil {
			return newServiceError(opExecuteAction, "applied_insert_failed", err)
		}

		status.CurrentClockJSON = clockJSON
		if err := tx.Save(&status).Error; err != nil {
			return newServiceError(opExecuteAction, "status_save_failed", err)
		}

		result = ExecuteResult{Record: record, Value: value}
		return nil
	})
	if txErr != nil {
		e.logError(opExecuteAction, "transaction_failed", txErr, zap.String("tag", tag))
		return ExecuteResult{}, txErr
	}

	e.logger.Debug("action executed",
		zap.String("tag", tag),
		zap.String("action_id", result.Record.ID),
		zap.Int("patches", result.Record.PatchCount))
	return result, nil
}

func (e *Engine) loadOrInitStatus(tx *gorm.DB) (SyncStatus, error) {
	var status SyncStatus
	err := tx.Where("client_id = ?", e.clientID.String()).Take(&status).Error
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncStatus{}, err
	}

	fresh, err := clock.New().Encode()
	if err != nil {
		return SyncStatus{}, err
	}
	status = SyncStatus{
		ClientID:            e.clientID.String(),
		CurrentClockJSON:    fresh,
		LastSyncedClockJSON: fresh,
	}
	if err := tx.Create(&status).Error; err != nil {
		return SyncStatus{}, err
	}
	return status, nil
}

// Status returns the replica's current sync bookkeeping.
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	var status SyncStatus
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := e.loadOrInitStatus(tx)
		if err != nil {
			return err
		}
		status = loaded
		return nil
	})
	return status, err
}

// ReadRow exposes one tracked row for callers layered above the engine.
func (e *Engine) ReadRow(ctx context.Context, table string, rowID string) (map[string]any, bool, error) {
	return e.store.ReadRow(e.db.WithContext(ctx), table, rowID)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
