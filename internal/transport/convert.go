package transport

import "github.com/tidelinehq/tideline/internal/action"

// FromRecord converts a stored action record to its wire form. The synced
// flag never travels: it is replica-local bookkeeping.
func FromRecord(record action.Record) WireAction {
	return WireAction{
		ID:             record.ID,
		Tag:            record.Tag,
		ClientID:       record.ClientID,
		TransactionID:  record.TransactionID,
		ClockJSON:      record.ClockJSON,
		ArgsJSON:       record.ArgsJSON,
		CreatedAtMs:    record.CreatedAtMs,
		ServerIngestID: record.ServerIngestID,
		SortTimestamp:  record.SortTimestampMs,
		SortCounter:    record.SortCounter,
		PatchCount:     record.PatchCount,
	}
}

// ToRecord converts a wire action back to its stored form.
func (w WireAction) ToRecord() action.Record {
	return action.Record{
		ID:              w.ID,
		Tag:             w.Tag,
		ClientID:        w.ClientID,
		TransactionID:   w.TransactionID,
		ClockJSON:       w.ClockJSON,
		ArgsJSON:        w.ArgsJSON,
		CreatedAtMs:     w.CreatedAtMs,
		ServerIngestID:  w.ServerIngestID,
		SortTimestampMs: w.SortTimestamp,
		SortCounter:     w.SortCounter,
		PatchCount:      w.PatchCount,
	}
}

// FromModifiedRow converts a stored patch to its wire form.
func FromModifiedRow(row action.ModifiedRow) WireModifiedRow {
	return WireModifiedRow{
		ID:             row.ID,
		ActionRecordID: row.ActionRecordID,
		Table:          row.Table,
		RowID:          row.RowID,
		Operation:      string(row.Operation),
		ForwardJSON:    row.ForwardJSON,
		ReverseJSON:    row.ReverseJSON,
		Sequence:       row.Sequence,
		AudienceKey:    row.AudienceKey,
	}
}

// ToModifiedRow converts a wire patch back to its stored form.
func (w WireModifiedRow) ToModifiedRow() action.ModifiedRow {
	return action.ModifiedRow{
		ID:             w.ID,
		ActionRecordID: w.ActionRecordID,
		Table:          w.Table,
		RowID:          w.RowID,
		Operation:      action.Operation(w.Operation),
		ForwardJSON:    w.ForwardJSON,
		ReverseJSON:    w.ReverseJSON,
		Sequence:       w.Sequence,
		AudienceKey:    w.AudienceKey,
	}
}

// FromRecords converts a slice of records.
func FromRecords(records []action.Record) []WireAction {
	wire := make([]WireAction, 0, len(records))
	for _, record := range records {
		wire = append(wire, FromRecord(record))
	}
	return wire
}

// FromModifiedRows converts a slice of patches.
func FromModifiedRows(rows []action.ModifiedRow) []WireModifiedRow {
	wire := make([]WireModifiedRow, 0, len(rows))
	for _, row := range rows {
		wire = append(wire, FromModifiedRow(row))
	}
	return wire
}
