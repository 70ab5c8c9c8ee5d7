package engine

// SyncStatus is the replica's singleton sync bookkeeping row. The ingest
// cursor is the only safe resume point for fetching: clock watermarks are
// not totally ordered across unsynchronized replicas and must never be used
// as a fetch cursor.
type SyncStatus struct {
	ClientID               string `gorm:"column:client_id;primaryKey;size:190;not null"`
	CurrentClockJSON       string `gorm:"column:current_clock_json;type:text;not null"`
	LastSyncedClockJSON    string `gorm:"column:last_synced_clock_json;type:text;not null"`
	LastSeenServerIngestID uint64 `gorm:"column:last_seen_server_ingest_id;not null;default:0"`
	BaselineIngestID       uint64 `gorm:"column:baseline_ingest_id;not null;default:0"`
	ServerEpoch            string `gorm:"column:server_epoch;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string {
	return "client_sync_status"
}

// AppliedAction marks an action as materialized in local rows. Applied is
// distinct from synced: an action can be applied but not yet uploaded, or
// uploaded but briefly not yet applied.
type AppliedAction struct {
	ActionID    string `gorm:"column:action_id;primaryKey;size:190;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedAction) TableName() string {
	return "applied_actions"
}

// QuarantinedAction holds a permanently-rejected local action out of future
// uploads. Its local row effects stay applied until the caller discards it.
type QuarantinedAction struct {
	ActionID        string `gorm:"column:action_id;primaryKey;size:190;not null"`
	Reason          string `gorm:"column:reason;type:text;not null"`
	QuarantinedAtMs int64  `gorm:"column:quarantined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (QuarantinedAction) TableName() string {
	return "quarantined_actions"
}
