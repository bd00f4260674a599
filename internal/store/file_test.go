package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/lockfile"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Backend = backend
	cfg.LockTimeout = 200 * time.Millisecond
	return cfg
}

func newTestFileStore(t *testing.T) (*FileStore, config.Config) {
	t.Helper()
	cfg := testConfig(t, config.BackendFile)
	log := observability.NewLogger("test", io.Discard)
	s, err := newFileStore(cfg, log, nil, nil)
	if err != nil {
		t.Fatalf("newFileStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, cfg
}

func task(id, title, status string) record.Record {
	rec := record.New(id)
	rec.Status = status
	rec.SetField("title", title)
	return rec
}

// fakeRecoverer satisfies Recoverer with canned data.
type fakeRecoverer struct {
	records []record.Record
	err     error
	calls   int
}

func (f *fakeRecoverer) RecoverFromLatest(ctx context.Context, entity string) ([]record.Record, error) {
	f.calls++
	return f.records, f.err
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()

	in := []record.Record{task("t1", "alpha", "pending"), task("t2", "beta", "completed")}
	if err := s.Save(ctx, "tasks", in, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, report, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Loaded != 2 || report.Quarantined != 0 || report.IntegrityWarning {
		t.Fatalf("report = %+v", report)
	}
	for i, rec := range out {
		if rec.ID != in[i].ID || rec.Status != in[i].Status || rec.Field("title") != in[i].Field("title") {
			t.Errorf("record %d = %+v, want %+v", i, rec, in[i])
		}
		if rec.Version != 1 {
			t.Errorf("record %d version = %d, want 1", i, rec.Version)
		}
		if rec.Checksum == "" {
			t.Errorf("record %d missing checksum", i)
		}
	}
}

func TestFileStore_SaveDoesNotMutateCaller(t *testing.T) {
	s, _ := newTestFileStore(t)

	in := []record.Record{task("t1", "alpha", "pending")}
	if err := s.Save(context.Background(), "tasks", in, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if in[0].Version != 0 || in[0].Checksum != "" {
		t.Errorf("caller's record was stamped: %+v", in[0])
	}
}

func TestFileStore_SaveRejectsWholeBatch(t *testing.T) {
	s, cfg := newTestFileStore(t)
	ctx := context.Background()

	batch := []record.Record{
		task("t1", "good", "pending"),
		task("t2", "bad", "not-a-status"),
		task("t3", "good", "completed"),
	}
	err := s.Save(ctx, "tasks", batch, true)
	var verr *record.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Save = %v, want *record.ValidationError", err)
	}
	for _, viol := range verr.Violations {
		if viol.RecordID != "t2" {
			t.Errorf("violation names %q, want t2", viol.RecordID)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "tasks.json")); !os.IsNotExist(err) {
		t.Fatal("rejected save still wrote a file")
	}

	// Omitting the invalid record succeeds and loads exactly 2.
	valid := []record.Record{batch[0], batch[2]}
	if err := s.Save(ctx, "tasks", valid, true); err != nil {
		t.Fatalf("Save valid subset: %v", err)
	}
	out, _, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d records, want 2", len(out))
	}
}

func TestFileStore_LoadQuarantinesInvalid(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()

	batch := []record.Record{task("t1", "ok", "pending"), task("t2", "bad", "nope")}
	if err := s.Save(ctx, "tasks", batch, false); err != nil {
		t.Fatalf("Save without validation: %v", err)
	}

	out, report, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 1 || out[0].ID != "t1" {
		t.Fatalf("loaded %v, want just t1", out)
	}
	if report.Quarantined != 1 {
		t.Errorf("Quarantined = %d, want 1", report.Quarantined)
	}
	if len(report.Violations) == 0 {
		t.Error("report carries no violations")
	}
}

func TestFileStore_IntegrityWarningOnByteFlip(t *testing.T) {
	s, cfg := newTestFileStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "tasks", []record.Record{task("t1", "alpha", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(cfg.DataDir, "tasks.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read live file: %v", err)
	}
	tampered := bytes.Replace(data, []byte("alpha"), []byte("alphX"), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper target not found")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	out, report, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !report.IntegrityWarning {
		t.Error("byte flip went undetected")
	}
	if len(out) != 1 {
		t.Fatalf("loaded %d records, want 1 (warn, not fail)", len(out))
	}
}

func TestFileStore_CorruptFileFallsBackToRecovery(t *testing.T) {
	s, cfg := newTestFileStore(t)
	ctx := context.Background()

	rec := &fakeRecoverer{records: []record.Record{task("r1", "saved", "pending")}}
	s.SetRecoverer(rec)

	path := filepath.Join(cfg.DataDir, "tasks.json")
	if err := os.WriteFile(path, []byte("{{{ not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	out, report, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load must not raise on corrupt file: %v", err)
	}
	if !report.Recovered || rec.calls != 1 {
		t.Fatalf("report = %+v, recoverer calls = %d", report, rec.calls)
	}
	if len(out) != 1 || out[0].ID != "r1" {
		t.Fatalf("loaded %v, want recovered r1", out)
	}
}

func TestFileStore_MissingFileWithoutRecovererIsEmpty(t *testing.T) {
	s, _ := newTestFileStore(t)

	out, report, err := s.Load(context.Background(), "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != 0 || !report.Recovered {
		t.Fatalf("out = %v, report = %+v", out, report)
	}
}

func TestFileStore_LegacyPayloadMigratesOnRead(t *testing.T) {
	s, cfg := newTestFileStore(t)
	ctx := context.Background()

	// The original application's format: a bare array, no envelope.
	legacy := `[
	  {"id": "t1", "title": "old one", "status": "pending", "created_at": "2023-01-15T10:00:00"},
	  {"id": "t2", "title": "old two", "status": "completed", "created_at": "2023-01-16T10:00:00"}
	]`
	path := filepath.Join(cfg.DataDir, "tasks.json")
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	out, report, err := s.Load(ctx, "tasks", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !report.Legacy {
		t.Error("legacy payload not flagged")
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d records, want 2", len(out))
	}

	// The next save writes the envelope format.
	if err := s.Save(ctx, "tasks", out, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migrated file: %v", err)
	}
	if isLegacyPayload(data) {
		t.Fatal("file still in legacy format after save")
	}
	if !bytes.Contains(data, []byte("schema_version")) {
		t.Fatal("migrated file missing envelope metadata")
	}
}

func TestFileStore_SaveTimesOutWhenLocked(t *testing.T) {
	s, cfg := newTestFileStore(t)

	other := lockfile.New(cfg.DataDir)
	if err := other.Acquire(time.Second); err != nil {
		t.Fatalf("external Acquire: %v", err)
	}
	defer other.Release()

	err := s.Save(context.Background(), "tasks", []record.Record{task("t1", "x", "pending")}, true)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Save = %v, want ErrLockTimeout", err)
	}
}

func TestFileStore_AfterSaveHookFires(t *testing.T) {
	s, _ := newTestFileStore(t)

	var saved []string
	s.SetAfterSave(func(entity string) { saved = append(saved, entity) })

	if err := s.Save(context.Background(), "habits", []record.Record{}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(saved) != 1 || saved[0] != "habits" {
		t.Fatalf("hook calls = %v, want [habits]", saved)
	}
}

func TestFileStore_Stats(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "tasks", []record.Record{task("t1", "x", "pending")}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Backend != config.BackendFile {
		t.Errorf("Backend = %q", stats.Backend)
	}
	fs, ok := stats.Files["tasks.json"]
	if !ok || fs.SizeBytes == 0 {
		t.Fatalf("Files = %+v, want a non-empty tasks.json entry", stats.Files)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	cfg := testConfig(t, config.BackendFile)
	s, err := Open(cfg, observability.NewLogger("test", io.Discard), nil, nil)
	if err != nil {
		t.Fatalf("Open file backend: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("Open returned %T, want *FileStore", s)
	}
	s.Close()

	cfg = testConfig(t, config.BackendSQLite)
	s, err = Open(cfg, observability.NewLogger("test", io.Discard), nil, nil)
	if err != nil {
		t.Fatalf("Open sqlite backend: %v", err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Fatalf("Open returned %T, want *SQLiteStore", s)
	}
	s.Close()

	cfg.Backend = "papyrus"
	if _, err := Open(cfg, nil, nil, nil); err == nil {
		t.Fatal("Open accepted an unknown backend")
	}
}
