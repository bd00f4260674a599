package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
)

// envelope is the on-disk shape of one entity collection: metadata wrapping
// the record list, so a reader can verify integrity before trusting it.
type envelope struct {
	SavedAt       string          `json:"saved_at"`
	SchemaVersion int             `json:"schema_version"`
	Count         int             `json:"count"`
	Checksum      string          `json:"checksum"`
	Records       []record.Record `json:"records"`
}

// FileStore persists each entity collection as one envelope JSON file in the
// data directory, replaced atomically on every save.
type FileStore struct {
	base
}

func newFileStore(cfg config.Config, log *observability.Logger, metrics *observability.MetricsCollector, journal *observability.Journal) (*FileStore, error) {
	b, err := newBase(cfg, "filestore", log, metrics, journal)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{base: b}, nil
}

// entityPath returns the live file for an entity type, e.g. tasks.json.
func (s *FileStore) entityPath(entity string) string {
	return filepath.Join(s.cfg.DataDir, entity+".json")
}

// Save replaces the entity's collection on disk. The whole batch is
// validated first; one invalid record aborts the save with no partial write.
func (s *FileStore) Save(ctx context.Context, entity string, records []record.Record, validate bool) error {
	start := time.Now()

	if err := s.lock.Acquire(s.cfg.LockTimeout); err != nil {
		return fmt.Errorf("save %s: %w", entity, err)
	}
	defer s.lock.Release()

	stamped, err := s.prepare(entity, records, validate)
	if err != nil {
		return err
	}

	sum, err := record.CollectionChecksum(stamped)
	if err != nil {
		return fmt.Errorf("save %s: %w", entity, err)
	}
	env := envelope{
		SavedAt:       time.Now().UTC().Format(time.RFC3339),
		SchemaVersion: schemaVersion,
		Count:         len(stamped),
		Checksum:      sum,
		Records:       stamped,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("save %s: %w", entity, err)
	}

	if err := WriteAtomic(s.entityPath(entity), data); err != nil {
		s.metrics.Increment(string(observability.MetricErrors))
		return fmt.Errorf("save %s: %w", entity, err)
	}

	s.finishSave(entity, len(stamped), start)
	return nil
}

// Load reads the entity's collection. Integrity mismatches warn rather than
// fail; unrecoverable read errors degrade to backup recovery.
func (s *FileStore) Load(ctx context.Context, entity string, validate bool) ([]record.Record, *LoadReport, error) {
	start := time.Now()

	data, err := os.ReadFile(s.entityPath(entity))
	if err != nil {
		return s.recoverLoad(ctx, entity, err)
	}

	report := &LoadReport{}
	var records []record.Record

	if isLegacyPayload(data) {
		// Pre-envelope format: a bare array of records. Processed as-is and
		// rewritten in the new envelope on the next save.
		if err := json.Unmarshal(data, &records); err != nil {
			return s.recoverLoad(ctx, entity, err)
		}
		report.Legacy = true
		s.log.Info("legacy payload migrated on read", "entity", entity, "count", len(records))
	} else {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return s.recoverLoad(ctx, entity, err)
		}
		records = env.Records
		if env.Checksum != "" {
			actual, err := record.CollectionChecksum(env.Records)
			if err != nil {
				return s.recoverLoad(ctx, entity, err)
			}
			if actual != env.Checksum {
				report.IntegrityWarning = true
				s.metrics.Increment(string(observability.MetricIntegrityWarnings))
				s.log.Warn("envelope checksum mismatch", "entity", entity,
					"stored", env.Checksum, "computed", actual)
			}
		}
	}

	if validate {
		s.verifyRecords(entity, records, report)
		records = s.quarantine(entity, records, report)
	}
	report.Loaded = len(records)
	s.metrics.Observe(observability.MetricLoads, entity, start)
	return records, report, nil
}

// Stats reports per-file sizes and modification times.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Backend: config.BackendFile,
		DataDir: s.cfg.DataDir,
		Files:   map[string]FileStat{},
	}
	for _, entity := range s.cfg.Entities {
		info, err := os.Stat(s.entityPath(entity))
		if err != nil {
			continue // not yet saved
		}
		stats.Files[entity+".json"] = FileStat{
			SizeBytes: info.Size(),
			Modified:  info.ModTime().UTC().Format(time.RFC3339),
		}
	}
	return stats, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}

// isLegacyPayload reports whether the file predates the envelope format
// (a bare JSON array of records).
func isLegacyPayload(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
