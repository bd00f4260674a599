package backup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/daykeep/daykeep/internal/record"
)

func TestExportImport_ReplaceRoundTrip(t *testing.T) {
	mgr, st, _ := newTestEnv(t)
	ctx := context.Background()

	if err := st.Save(ctx, "tasks", []record.Record{task("t1", "exported", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snapshot, err := mgr.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	// Diverge, then import the snapshot back with replace semantics.
	if err := st.Save(ctx, "tasks", []record.Record{task("t2", "later", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.ImportSnapshot(ctx, snapshot, ModeReplace); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	out, _, err := st.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 1 || out[0].ID != "t1" || out[0].Field("title") != "exported" {
		t.Fatalf("imported = %v, want the snapshot's t1", out)
	}
}

func TestExportImport_MergeRemintsCollidingIDs(t *testing.T) {
	mgr, st, _ := newTestEnv(t)
	ctx := context.Background()

	if err := st.Save(ctx, "tasks", []record.Record{task("t1", "original", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snapshot, err := mgr.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	// The live t1 changes; the snapshot's t1 now collides on import.
	changed := task("t1", "edited after export", "in_progress")
	if err := st.Save(ctx, "tasks", []record.Record{changed}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mgr.ImportSnapshot(ctx, snapshot, ModeMerge); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	out, _, err := st.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("merged = %v, want existing plus re-minted import", out)
	}
	if out[0].ID != "t1" || out[0].Field("title") != "edited after export" {
		t.Fatalf("existing record lost the collision: %+v", out[0])
	}
	if out[1].ID == "t1" || out[1].ID == "" {
		t.Fatalf("imported record not re-minted: %q", out[1].ID)
	}
	if out[1].Field("title") != "original" {
		t.Fatalf("imported record content lost: %+v", out[1])
	}
	if dups := record.DuplicateIDs(out); len(dups) != 0 {
		t.Fatalf("duplicate identifiers after merge: %v", dups)
	}
}

func TestImportSnapshot_RefusesTamperedData(t *testing.T) {
	mgr, st, _ := newTestEnv(t)
	ctx := context.Background()

	if err := st.Save(ctx, "tasks", []record.Record{task("t1", "alpha", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snapshot, err := mgr.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	tampered := bytes.Replace(snapshot, []byte("alpha"), []byte("alphX"), 1)
	err = mgr.ImportSnapshot(ctx, tampered, ModeReplace)
	if !errors.Is(err, ErrRestoreRefused) {
		t.Fatalf("ImportSnapshot = %v, want ErrRestoreRefused", err)
	}

	garbage := []byte("this is not an archive")
	err = mgr.ImportSnapshot(ctx, garbage, ModeReplace)
	if !errors.Is(err, ErrRestoreRefused) {
		t.Fatalf("ImportSnapshot garbage = %v, want ErrRestoreRefused", err)
	}
}

func TestImportSnapshot_UnknownMode(t *testing.T) {
	mgr, _, _ := newTestEnv(t)
	if err := mgr.ImportSnapshot(context.Background(), []byte("{}"), "upsert"); err == nil {
		t.Fatal("ImportSnapshot accepted an unknown mode")
	}
}

func TestExportCSV_TasksAndHabitCompletions(t *testing.T) {
	mgr, st, _ := newTestEnv(t)
	ctx := context.Background()

	done := task("t1", "write report", "completed")
	done.SetField("priority", "high")
	done.SetField("due_date", "2026-08-30")
	if err := st.Save(ctx, "tasks", []record.Record{done}, true); err != nil {
		t.Fatalf("Save tasks: %v", err)
	}

	tracked := habit("h1", "meditate")
	tracked.SetField("streak", float64(3))
	tracked.SetField("completion_dates", []any{"2026-08-25", "2026-08-26"})
	bare := habit("h2", "stretch")
	if err := st.Save(ctx, "habits", []record.Record{tracked, bare}, true); err != nil {
		t.Fatalf("Save habits: %v", err)
	}

	docs, err := mgr.ExportCSV(ctx)
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	taskLines := strings.Split(strings.TrimSpace(docs["tasks"]), "\n")
	if len(taskLines) != 2 {
		t.Fatalf("task csv = %q, want header plus one row", docs["tasks"])
	}
	if !strings.HasPrefix(taskLines[0], "id,title,") {
		t.Errorf("task header = %q", taskLines[0])
	}
	if !strings.Contains(taskLines[1], "write report") || !strings.Contains(taskLines[1], "high") {
		t.Errorf("task row = %q", taskLines[1])
	}

	// One row per completion date, plus one bare row for the habit without
	// completions: header + 2 + 1.
	habitLines := strings.Split(strings.TrimSpace(docs["habits"]), "\n")
	if len(habitLines) != 4 {
		t.Fatalf("habit csv has %d lines, want 4: %q", len(habitLines), docs["habits"])
	}
	var completions int
	for _, line := range habitLines[1:] {
		if strings.Contains(line, "2026-08-25") || strings.Contains(line, "2026-08-26") {
			completions++
		}
		if strings.HasPrefix(line, "h1") && !strings.Contains(line, ",3,") {
			t.Errorf("streak not rendered as integer: %q", line)
		}
	}
	if completions != 2 {
		t.Errorf("completion rows = %d, want 2", completions)
	}
}

func TestExportCSV_EmptyCollectionsOmitted(t *testing.T) {
	mgr, _, _ := newTestEnv(t)
	docs, err := mgr.ExportCSV(context.Background())
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("docs = %v, want none for empty collections", docs)
	}
}
