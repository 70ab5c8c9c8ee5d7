package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tidelinehq/tideline/internal/action"
	"github.com/tidelinehq/tideline/internal/authority"
	"github.com/tidelinehq/tideline/internal/transport"
)

func TestCompactedHistoryTriggersHardResync(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})
	beta, _ := newTestReplica(t, "client-b", materializer, replicaOptions{baseMs: 2_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-2", "title": "Second"})
	mustSync(t, alpha)

	if err := materializer.Compact(context.Background(), 3); err != nil {
		t.Fatalf("failed to compact: %v", err)
	}

	report := mustSync(t, beta)
	if report.Recovered != "hard_resync" {
		t.Fatalf("expected hard resync, got %+v", report)
	}
	for _, rowID := range []string{"note-1", "note-2"} {
		if fields := mustReadRow(t, beta, "notes", rowID); fields["title"] == "" {
			t.Fatalf("expected snapshot to restore %s, got %#v", rowID, fields)
		}
	}
	status, err := beta.Status(context.Background())
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if status.LastSeenServerIngestID != 2 {
		t.Fatalf("expected cursor at snapshot head 2, got %d", status.LastSeenServerIngestID)
	}
	if status.BaselineIngestID != 2 {
		t.Fatalf("expected baseline at snapshot head 2, got %d", status.BaselineIngestID)
	}
}

func TestCompactedHistoryWithPendingWorkRebases(t *testing.T) {
	materializer, authorityDB := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})
	beta, _ := newTestReplica(t, "client-b", materializer, replicaOptions{baseMs: 2_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustSync(t, beta)
	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-2", "title": "Second"})
	mustSync(t, alpha)

	// Beta edits offline, then the authority compacts beta's resume point away.
	pending := mustExecute(t, beta, "note/set", map[string]any{"id": "note-1", "field": "body", "value": "Kept"})
	if err := materializer.Compact(context.Background(), 3); err != nil {
		t.Fatalf("failed to compact: %v", err)
	}

	report := mustSync(t, beta)
	if report.Recovered != "rebase" {
		t.Fatalf("expected rebase, got %+v", report)
	}
	if report.UploadedActions == 0 {
		t.Fatalf("expected the rebased action to upload, got %+v", report)
	}

	fields := mustReadRow(t, beta, "notes", "note-1")
	if fields["body"] != "Kept" {
		t.Fatalf("expected pending edit to survive rebase, got %#v", fields)
	}
	if betaNote2 := mustReadRow(t, beta, "notes", "note-2"); betaNote2["title"] != "Second" {
		t.Fatalf("expected snapshot rows after rebase, got %#v", betaNote2)
	}

	// The preserved id means the authority holds exactly one copy.
	var count int64
	if err := authorityDB.Model(&action.Record{}).
		Where("action_id = ?", pending.Record.ID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count authority records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the rebased action to keep its id, found %d copies", count)
	}

	mustSync(t, alpha)
	if alphaNote1 := mustReadRow(t, alpha, "notes", "note-1"); alphaNote1["body"] != "Kept" {
		t.Fatalf("expected rebased edit to replicate, got %#v", alphaNote1)
	}
}

func TestEpochChangeForcesResync(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})
	beta, _ := newTestReplica(t, "client-b", materializer, replicaOptions{baseMs: 2_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustSync(t, beta)

	fresh, err := materializer.BumpEpoch(context.Background())
	if err != nil {
		t.Fatalf("failed to bump epoch: %v", err)
	}

	report := mustSync(t, beta)
	if report.Recovered != "hard_resync" {
		t.Fatalf("expected epoch change to force a hard resync, got %+v", report)
	}
	status, err := beta.Status(context.Background())
	if err != nil {
		t.Fatalf("failed to load status: %v", err)
	}
	if status.ServerEpoch != fresh {
		t.Fatalf("expected replica to adopt epoch %s, got %s", fresh, status.ServerEpoch)
	}
}

func TestDeniedUploadQuarantinesAndBlocksRecovery(t *testing.T) {
	deny := func(upload transport.Upload) (string, bool) {
		for _, wire := range upload.Actions {
			if wire.Tag == "note/delete" {
				return "deletes are not accepted from this replica", true
			}
		}
		return "", false
	}
	materializer, _ := newTestAuthority(t, deny)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustExecute(t, alpha, "note/delete", map[string]any{"id": "note-1"})

	_, err := alpha.PerformSync(context.Background())
	if !errors.Is(err, ErrUploadQuarantined) {
		t.Fatalf("expected quarantine error, got %v", err)
	}

	quarantined, err := alpha.GetQuarantinedActions(context.Background())
	if err != nil {
		t.Fatalf("failed to list quarantine: %v", err)
	}
	if len(quarantined) != 1 || !strings.Contains(quarantined[0].Reason, "deletes are not accepted") {
		t.Fatalf("unexpected quarantine contents: %+v", quarantined)
	}

	// A later pass must not retry the held batch.
	report := mustSync(t, alpha)
	if report.UploadedActions != 0 {
		t.Fatalf("quarantined actions must stay out of uploads, got %+v", report)
	}

	// A history discontinuity cannot be auto-recovered past held intent.
	if _, err := materializer.BumpEpoch(context.Background()); err != nil {
		t.Fatalf("failed to bump epoch: %v", err)
	}
	_, err = alpha.PerformSync(context.Background())
	if !errors.Is(err, ErrQuarantinedPending) {
		t.Fatalf("expected recovery to be blocked, got %v", err)
	}

	if err := alpha.DiscardQuarantinedActions(context.Background()); err != nil {
		t.Fatalf("failed to discard quarantine: %v", err)
	}
	report = mustSync(t, alpha)
	if report.Recovered != "hard_resync" {
		t.Fatalf("expected recovery after discard, got %+v", report)
	}
	if fields := mustReadRow(t, alpha, "notes", "note-1"); fields["title"] != "First" {
		t.Fatalf("expected the note back after discarding its delete, got %#v", fields)
	}
}

func TestDiscardQuarantineRollsEffectsBack(t *testing.T) {
	deny := func(upload transport.Upload) (string, bool) {
		for _, wire := range upload.Actions {
			if wire.Tag == "note/set" {
				return "edits rejected", true
			}
		}
		return "", false
	}
	materializer, _ := newTestAuthority(t, deny)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "Original"})
	mustSync(t, alpha)
	mustExecute(t, alpha, "note/set", map[string]any{"id": "note-1", "field": "title", "value": "Rejected"})

	if _, err := alpha.PerformSync(context.Background()); !errors.Is(err, ErrUploadQuarantined) {
		t.Fatalf("expected quarantine error, got %v", err)
	}
	if fields := mustReadRow(t, alpha, "notes", "note-1"); fields["title"] != "Rejected" {
		t.Fatalf("quarantined effects stay applied until discard, got %#v", fields)
	}

	if err := alpha.DiscardQuarantinedActions(context.Background()); err != nil {
		t.Fatalf("failed to discard quarantine: %v", err)
	}
	if fields := mustReadRow(t, alpha, "notes", "note-1"); fields["title"] != "Original" {
		t.Fatalf("expected the edit to be rolled back, got %#v", fields)
	}

	var remaining int64
	if err := alpha.db.Model(&action.Record{}).Where("synced = ?", false).Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected discarded actions to be deleted, found %d", remaining)
	}
}

func TestDoctorFlagsOrphanedAppliedEntries(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})

	findings, err := alpha.Doctor(context.Background())
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("fresh replica must be clean, got %v", findings)
	}

	if err := alpha.db.Create(&AppliedAction{ActionID: "ghost", AppliedAtMs: 1}).Error; err != nil {
		t.Fatalf("failed to plant orphan: %v", err)
	}
	findings, err = alpha.Doctor(context.Background())
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if len(findings) != 1 || !strings.Contains(findings[0], "missing actions") {
		t.Fatalf("expected the orphan to be reported, got %v", findings)
	}
}

func TestDoctorViolationTriggersRecoveryDuringSync(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustSync(t, alpha)

	if err := alpha.db.Create(&AppliedAction{ActionID: "ghost", AppliedAtMs: 1}).Error; err != nil {
		t.Fatalf("failed to plant orphan: %v", err)
	}

	report := mustSync(t, alpha)
	if report.Recovered != "hard_resync" {
		t.Fatalf("expected the doctor to route to recovery, got %+v", report)
	}
	if fields := mustReadRow(t, alpha, "notes", "note-1"); fields["title"] != "First" {
		t.Fatalf("expected state rebuilt from snapshot, got %#v", fields)
	}
}

func TestPruneSyncedHistoryKeepsRowsAndStaysCoherent(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "First"})
	mustSync(t, alpha)
	mustSync(t, alpha) // pick up the echo so the action carries its ingest id

	pruned, err := alpha.PruneSyncedHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned action, got %d", pruned)
	}

	if fields := mustReadRow(t, alpha, "notes", "note-1"); fields["title"] != "First" {
		t.Fatalf("prune must not touch row state, got %#v", fields)
	}
	findings, err := alpha.Doctor(context.Background())
	if err != nil {
		t.Fatalf("doctor failed: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected a coherent replica after prune, got %v", findings)
	}

	var records int64
	if err := alpha.db.Model(&action.Record{}).Count(&records).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if records != 0 {
		t.Fatalf("expected pruned history to be gone, found %d records", records)
	}
}

func TestPruneKeepsHistoryCanonicallyPastPendingWork(t *testing.T) {
	materializer, _ := newTestAuthority(t, nil)
	stuck := &stuckTransport{Client: authority.NewLoopback(materializer)}
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{transport: stuck, baseMs: 1_000_000})
	beta, _ := newTestReplica(t, "client-b", materializer, replicaOptions{baseMs: 2_000_000})

	// Alpha's edit stays pending behind an outage while a canonically later
	// action arrives from beta and is acknowledged locally.
	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "Held"})
	mustExecute(t, beta, "note/create", map[string]any{"id": "note-2", "title": "Newer"})
	mustSync(t, beta)
	if _, err := alpha.PerformSync(context.Background()); err == nil {
		t.Fatalf("expected the outage to surface as an upload failure")
	}

	// A reconcile on alpha's behalf could still roll beta's action back, so
	// age alone must not evict it.
	pruned, err := alpha.PruneSyncedHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("expected nothing pruned while older pending work exists, got %d", pruned)
	}
	var records int64
	if err := alpha.db.Model(&action.Record{}).Count(&records).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if records != 2 {
		t.Fatalf("expected both actions retained, found %d", records)
	}

	// Once the batch lands and its echo is seen, the same sweep clears out.
	stuck.released = true
	mustSync(t, alpha)
	mustSync(t, alpha)
	pruned, err = alpha.PruneSyncedHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected the settled history to prune, got %d", pruned)
	}
	if fields := mustReadRow(t, alpha, "notes", "note-2"); fields["title"] != "Newer" {
		t.Fatalf("prune must not touch row state, got %#v", fields)
	}
}

func TestQuarantineHoldsReconcileMachineryOutOfUploads(t *testing.T) {
	materializer, authorityDB := newTestAuthority(t, nil)
	denying := &denyOnceTransport{Client: authority.NewLoopback(materializer)}
	alpha, _ := newTestReplica(t, "client-a", materializer, replicaOptions{baseMs: 1_000_000})
	beta, _ := newTestReplica(t, "client-b", materializer, replicaOptions{transport: denying, baseMs: 2_000_000})

	mustExecute(t, alpha, "note/create", map[string]any{"id": "note-1", "title": "Base"})
	mustSync(t, alpha)
	mustSync(t, beta)

	// Divergent appends force beta's reconcile to synthesize machinery, so
	// the denied batch holds both the pending edit and its correctives.
	mustExecute(t, alpha, "note/appendTag", map[string]any{"id": "note-1", "label": "urgent"})
	mustExecute(t, beta, "note/appendTag", map[string]any{"id": "note-1", "label": "later"})
	mustSync(t, alpha)

	if _, err := beta.PerformSync(context.Background()); !errors.Is(err, ErrUploadQuarantined) {
		t.Fatalf("expected quarantine error, got %v", err)
	}

	quarantined, err := beta.GetQuarantinedActions(context.Background())
	if err != nil {
		t.Fatalf("failed to list quarantine: %v", err)
	}
	machineryHeld := false
	for _, held := range quarantined {
		var record action.Record
		if err := beta.db.Where("action_id = ?", held.ActionID).First(&record).Error; err != nil {
			t.Fatalf("failed to load quarantined record %s: %v", held.ActionID, err)
		}
		switch record.Tag {
		case action.TagSyncApply, action.TagCorrection, action.TagRollback:
			machineryHeld = true
		}
	}
	if !machineryHeld {
		t.Fatalf("expected reconcile machinery in the quarantine, got %+v", quarantined)
	}

	var before int64
	if err := authorityDB.Model(&action.Record{}).Count(&before).Error; err != nil {
		t.Fatalf("failed to count authority records: %v", err)
	}

	report := mustSync(t, beta)
	if report.UploadedActions != 0 {
		t.Fatalf("quarantined machinery must stay out of uploads, got %+v", report)
	}
	var after int64
	if err := authorityDB.Model(&action.Record{}).Count(&after).Error; err != nil {
		t.Fatalf("failed to count authority records: %v", err)
	}
	if after != before {
		t.Fatalf("held actions reached the authority: %d records before, %d after", before, after)
	}
}

// stuckTransport refuses uploads without delivering them until released.
type stuckTransport struct {
	transport.Client
	released bool
}

func (s *stuckTransport) SendLocalActions(ctx context.Context, upload transport.Upload) error {
	if !s.released {
		return fmt.Errorf("simulated network outage")
	}
	return s.Client.SendLocalActions(ctx, upload)
}

// denyOnceTransport rejects the first upload the way a policy hook would,
// then lets later batches through.
type denyOnceTransport struct {
	transport.Client
	denied bool
}

func (d *denyOnceTransport) SendLocalActions(ctx context.Context, upload transport.Upload) error {
	if !d.denied {
		d.denied = true
		return &transport.DeniedError{Reason: "batch rejected by policy"}
	}
	return d.Client.SendLocalActions(ctx, upload)
}
