package authority

// ServerMeta is the authority's singleton bookkeeping row: its identity
// epoch, the next ingest id to assign, and the oldest ingest id still
// retained after compaction.
type ServerMeta struct {
	ID                  uint   `gorm:"column:id;primaryKey"`
	Epoch               string `gorm:"column:epoch;size:190;not null"`
	NextIngestID        uint64 `gorm:"column:next_ingest_id;not null;default:1"`
	MinRetainedIngestID uint64 `gorm:"column:min_retained_ingest_id;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (ServerMeta) TableName() string {
	return "server_meta"
}

const serverMetaRowID = 1
