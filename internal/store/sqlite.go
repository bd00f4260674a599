package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
)

const dbFileName = "daykeep.db"

// SQLiteStore persists all entity collections in one embedded database.
// A save replaces the entity's rows inside a single transaction, so a
// failure mid-write rolls back to the prior state.
type SQLiteStore struct {
	base
	dbMu sync.RWMutex
	db   *sql.DB
}

func newSQLiteStore(cfg config.Config, log *observability.Logger, metrics *observability.MetricsCollector, journal *observability.Journal) (*SQLiteStore, error) {
	b, err := newBase(cfg, "sqlitestore", log, metrics, journal)
	if err != nil {
		return nil, err
	}

	path := cfg.DataDir
	if path != ":memory:" {
		path = filepath.Join(cfg.DataDir, dbFileName)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		entity     TEXT NOT NULL,
		id         TEXT NOT NULL,
		pos        INTEGER NOT NULL DEFAULT 0,
		status     TEXT,
		created_at TEXT,
		updated_at TEXT,
		version    INTEGER NOT NULL DEFAULT 0,
		checksum   TEXT,
		fields     TEXT,
		PRIMARY KEY (entity, id)
	);
	CREATE INDEX IF NOT EXISTS records_by_entity ON records(entity);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{base: b, db: db}, nil
}

// Save replaces the entity's rows in one transaction. Validation failures
// abort before the transaction opens; write failures roll it back.
func (s *SQLiteStore) Save(ctx context.Context, entity string, records []record.Record, validate bool) error {
	start := time.Now()

	if err := s.lock.Acquire(s.cfg.LockTimeout); err != nil {
		return fmt.Errorf("save %s: %w", entity, err)
	}
	defer s.lock.Release()

	stamped, err := s.prepare(entity, records, validate)
	if err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: begin: %w", entity, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE entity = ?", entity); err != nil {
		tx.Rollback()
		return fmt.Errorf("save %s: clear: %w", entity, err)
	}

	for i, rec := range stamped {
		fieldsJSON, err := json.Marshal(rec.Fields)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save %s: encode %s: %w", entity, rec.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (entity, id, pos, status, created_at, updated_at, version, checksum, fields)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entity, rec.ID, i, rec.Status, rec.CreatedAt, rec.UpdatedAt,
			rec.Version, rec.Checksum, string(fieldsJSON),
		)
		if err != nil {
			tx.Rollback()
			s.metrics.Increment(string(observability.MetricErrors))
			return fmt.Errorf("save %s: insert %s: %w", entity, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return fmt.Errorf("save %s: commit: %w", entity, err)
	}

	s.finishSave(entity, len(stamped), start)
	return nil
}

// Load reads the entity's rows. Query failures degrade to backup recovery.
func (s *SQLiteStore) Load(ctx context.Context, entity string, validate bool) ([]record.Record, *LoadReport, error) {
	start := time.Now()

	s.dbMu.RLock()
	records, err := s.queryEntity(ctx, entity)
	s.dbMu.RUnlock()
	if err != nil {
		return s.recoverLoad(ctx, entity, err)
	}

	report := &LoadReport{}
	if validate {
		s.verifyRecords(entity, records, report)
		records = s.quarantine(entity, records, report)
	}
	report.Loaded = len(records)
	s.metrics.Observe(observability.MetricLoads, entity, start)
	return records, report, nil
}

func (s *SQLiteStore) queryEntity(ctx context.Context, entity string) ([]record.Record, error) {
	// pos is the record's position in the saved slice; a collection is an
	// ordered sequence, so loads must return it in save order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, created_at, updated_at, version, checksum, fields
		FROM records WHERE entity = ? ORDER BY pos`, entity)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entity, err)
	}
	defer rows.Close()

	var records []record.Record
	for rows.Next() {
		var rec record.Record
		var status, createdAt, updatedAt, checksum, fieldsJSON sql.NullString
		if err := rows.Scan(&rec.ID, &status, &createdAt, &updatedAt, &rec.Version, &checksum, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		rec.Status = status.String
		rec.CreatedAt = createdAt.String
		rec.UpdatedAt = updatedAt.String
		rec.Checksum = checksum.String
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &rec.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of %s/%s: %w", entity, rec.ID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats reports per-entity row counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	stats := Stats{
		Backend: config.BackendSQLite,
		DataDir: s.cfg.DataDir,
		Counts:  map[string]int{},
	}
	for _, entity := range s.cfg.Entities {
		var count int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM records WHERE entity = ?", entity).Scan(&count)
		if err != nil {
			return stats, fmt.Errorf("count %s: %w", entity, err)
		}
		stats.Counts[entity] = count
	}
	return stats, nil
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
