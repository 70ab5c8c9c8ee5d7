// Package transport defines the ports between a syncing replica and its
// authority: delta fetch, bootstrap snapshot, and upload. Implementations
// include the HTTP client adapter in this package and the in-process
// loopback adapter the authority provides for embedded deployments.
package transport

import (
	"context"
	"fmt"
)

// WireAction is the transferable form of one action record.
type WireAction struct {
	ID             string  `json:"id"`
	Tag            string  `json:"tag"`
	ClientID       string  `json:"clientId"`
	TransactionID  string  `json:"transactionId"`
	ClockJSON      string  `json:"clock"`
	ArgsJSON       string  `json:"args"`
	CreatedAtMs    int64   `json:"createdAtMs"`
	ServerIngestID *uint64 `json:"serverIngestId,omitempty"`
	SortTimestamp  uint64  `json:"sortTimestampMs"`
	SortCounter    uint64  `json:"sortCounter"`
	PatchCount     int     `json:"patchCount"`
}

// WireModifiedRow is the transferable form of one forward/reverse patch.
type WireModifiedRow struct {
	ID             string `json:"id"`
	ActionRecordID string `json:"actionRecordId"`
	Table          string `json:"table"`
	RowID          string `json:"rowId"`
	Operation      string `json:"op"`
	ForwardJSON    string `json:"forward"`
	ReverseJSON    string `json:"reverse"`
	Sequence       uint32 `json:"sequence"`
	AudienceKey    string `json:"audienceKey,omitempty"`
}

// Delta is the authority's answer to a fetch: every action ingested after
// the requested cursor, with its patches, in ingest order.
type Delta struct {
	Actions             []WireAction      `json:"actions"`
	ModifiedRows        []WireModifiedRow `json:"modifiedRows"`
	ServerEpoch         string            `json:"serverEpoch"`
	HeadIngestID        uint64            `json:"headIngestId"`
	MinRetainedIngestID uint64            `json:"minRetainedIngestId"`
}

// SnapshotRow is one materialized row inside a bootstrap snapshot.
type SnapshotRow struct {
	Table      string `json:"table"`
	RowID      string `json:"rowId"`
	FieldsJSON string `json:"fields"`
}

// Snapshot is the authority's full materialized state at a point in the
// ingest order, used to bootstrap a replica from nothing.
type Snapshot struct {
	ServerEpoch    string        `json:"serverEpoch"`
	ServerIngestID uint64        `json:"serverIngestId"`
	Rows           []SnapshotRow `json:"rows"`
}

// Upload carries a batch of local actions to the authority. BasisIngestID is
// the last ingest id the uploader has observed; the authority's head gate
// compares it against actions from other replicas.
type Upload struct {
	Actions       []WireAction      `json:"actions"`
	ModifiedRows  []WireModifiedRow `json:"modifiedRows"`
	BasisIngestID uint64            `json:"basisIngestId"`
}

// Client is the network port a syncing replica drives. A failed call leaves
// local state untouched and is safe to retry.
type Client interface {
	FetchRemoteActions(ctx context.Context, sinceIngestID uint64) (Delta, error)
	FetchBootstrapSnapshot(ctx context.Context) (Snapshot, error)
	SendLocalActions(ctx context.Context, upload Upload) error
}

// BehindHeadError is the expected optimistic-concurrency rejection: the
// uploader has not yet observed every action from other replicas. The first
// unseen ingest id tells the caller where to resume fetching.
type BehindHeadError struct {
	FirstUnseenIngestID uint64
}

// Error implements the error interface.
func (e *BehindHeadError) Error() string {
	return fmt.Sprintf("transport: upload behind head, first unseen ingest id %d", e.FirstUnseenIngestID)
}

// DeniedError is a permanent policy rejection of an upload.
type DeniedError struct {
	Reason string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("transport: upload denied: %s", e.Reason)
}

// InvalidError marks an upload the authority could not accept as structured.
type InvalidError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidError) Error() string {
	return fmt.Sprintf("transport: upload invalid: %s", e.Reason)
}

// CompactedError signals that the requested cursor predates the authority's
// retained history; the replica must bootstrap again.
type CompactedError struct {
	MinRetainedIngestID uint64
}

// Error implements the error interface.
func (e *CompactedError) Error() string {
	return fmt.Sprintf("transport: history compacted, min retained ingest id %d", e.MinRetainedIngestID)
}
