// Package store persists entity collections (tasks, habits, lists,
// templates) crash-safely.
//
// Two interchangeable backends implement Store: FileStore keeps one envelope
// JSON file per entity type and replaces it atomically; SQLiteStore keeps
// all entities in one embedded database and replaces collections inside a
// transaction. Both take the data-directory lock for every save, stamp each
// record with a fresh version and content checksum, and fall back to backup
// recovery when a load is unrecoverable.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/lockfile"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
)

// ErrLockTimeout is the store-level name for a lock acquisition timeout.
var ErrLockTimeout = lockfile.ErrTimeout

// schemaVersion is written into every envelope and archive. Bump when the
// on-disk shape changes incompatibly.
const schemaVersion = 2

// LoadReport describes what happened during a Load.
type LoadReport struct {
	Loaded           int                // records returned
	Quarantined      int                // invalid records excluded
	Recovered        bool               // collection came from backup recovery
	IntegrityWarning bool               // an aggregate or per-record checksum mismatched
	Legacy           bool               // file predated the envelope format
	Violations       []record.Violation // why records were quarantined
}

// FileStat describes one live data file.
type FileStat struct {
	SizeBytes int64  `json:"size_bytes"`
	Modified  string `json:"modified"`
}

// Stats is a snapshot of storage usage.
type Stats struct {
	Backend string              `json:"backend"`
	DataDir string              `json:"data_dir"`
	Files   map[string]FileStat `json:"files,omitempty"`  // file backend
	Counts  map[string]int      `json:"counts,omitempty"` // sqlite backend
}

// Recoverer supplies historical data when a live collection cannot be read.
// Implemented by backup.Manager; injected after construction to avoid a
// dependency cycle.
type Recoverer interface {
	RecoverFromLatest(ctx context.Context, entity string) ([]record.Record, error)
}

// Store is the persistence contract consumed by the application layer.
type Store interface {
	// Save replaces an entity's collection. With validate set, any invalid
	// record aborts the whole save and the error is a *record.ValidationError.
	Save(ctx context.Context, entity string, records []record.Record, validate bool) error

	// Load returns an entity's collection. With validate set, invalid
	// records are quarantined (excluded and counted) rather than failing
	// the load. Unrecoverable read errors degrade to backup recovery.
	Load(ctx context.Context, entity string, validate bool) ([]record.Record, *LoadReport, error)

	// Entities lists the entity types this store knows about.
	Entities() []string

	// Stats reports storage usage.
	Stats(ctx context.Context) (Stats, error)

	// SetRecoverer wires the backup fallback used on unrecoverable loads.
	SetRecoverer(r Recoverer)

	// SetAfterSave registers a hook invoked after every successful save,
	// used for opportunistic background backups.
	SetAfterSave(fn func(entity string))

	Close() error
}

// Open constructs the backend selected by cfg.Backend.
func Open(cfg config.Config, log *observability.Logger, metrics *observability.MetricsCollector, journal *observability.Journal) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.BackendFile:
		return newFileStore(cfg, log, metrics, journal)
	case config.BackendSQLite:
		return newSQLiteStore(cfg, log, metrics, journal)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// base carries the plumbing shared by both backends.
type base struct {
	cfg       config.Config
	lock      *lockfile.Lock
	validator *record.Validator
	log       *observability.Logger
	metrics   *observability.MetricsCollector
	journal   *observability.Journal

	mu        sync.RWMutex
	recoverer Recoverer
	afterSave func(entity string)
}

func newBase(cfg config.Config, component string, log *observability.Logger, metrics *observability.MetricsCollector, journal *observability.Journal) (base, error) {
	validator, err := record.NewValidator()
	if err != nil {
		return base{}, err
	}
	if log == nil {
		log = observability.NewLogger(component, nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	if journal == nil {
		journal = observability.NewJournal(0)
	}
	return base{
		cfg:       cfg,
		lock:      lockfile.New(cfg.DataDir),
		validator: validator,
		log:       log,
		metrics:   metrics,
		journal:   journal,
	}, nil
}

func (b *base) Entities() []string {
	return append([]string(nil), b.cfg.Entities...)
}

func (b *base) SetRecoverer(r Recoverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recoverer = r
}

func (b *base) SetAfterSave(fn func(entity string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterSave = fn
}

// prepare validates (when asked) and stamps a copy of the records, leaving
// the caller's slice untouched.
func (b *base) prepare(entity string, records []record.Record, validate bool) ([]record.Record, error) {
	if validate {
		if violations := b.validator.ValidateAll(entity, records); len(violations) > 0 {
			return nil, &record.ValidationError{Entity: entity, Violations: violations}
		}
	}
	stamped := make([]record.Record, len(records))
	copy(stamped, records)
	for i := range stamped {
		if err := stamped[i].Stamp(); err != nil {
			return nil, err
		}
	}
	return stamped, nil
}

// finishSave records bookkeeping and fires the after-save hook.
func (b *base) finishSave(entity string, count int, start time.Time) {
	b.metrics.Observe(observability.MetricSaves, entity, start)
	b.journal.Append(entity, "save", count, "")
	b.log.Info("collection saved", "entity", entity, "count", count)

	b.mu.RLock()
	hook := b.afterSave
	b.mu.RUnlock()
	if hook != nil {
		hook(entity)
	}
}

// quarantine runs per-record validation, returning the valid records and
// filling in the report.
func (b *base) quarantine(entity string, records []record.Record, report *LoadReport) []record.Record {
	valid := records[:0:0]
	for _, rec := range records {
		if violations := b.validator.Validate(entity, rec); len(violations) > 0 {
			report.Quarantined++
			report.Violations = append(report.Violations, violations...)
			b.log.Warn("record quarantined", "entity", entity, "id", rec.ID, "violations", len(violations))
			continue
		}
		valid = append(valid, rec)
	}
	if report.Quarantined > 0 {
		b.metrics.IncrementBy(string(observability.MetricQuarantined), int64(report.Quarantined))
	}
	return valid
}

// verifyRecords checks each record's content checksum, flagging the report
// on any mismatch. Mismatched records are kept; corruption is reported, not
// silently dropped.
func (b *base) verifyRecords(entity string, records []record.Record, report *LoadReport) {
	for _, rec := range records {
		if err := rec.VerifyChecksum(); err != nil {
			report.IntegrityWarning = true
			b.metrics.Increment(string(observability.MetricIntegrityWarnings))
			b.log.Warn("record checksum mismatch", "entity", entity, "id", rec.ID, "err", err)
		}
	}
}

// recoverLoad degrades an unrecoverable read to backup recovery. It never
// raises the original error to the caller; with no recoverer wired (or no
// archive available) it returns an empty collection.
func (b *base) recoverLoad(ctx context.Context, entity string, cause error) ([]record.Record, *LoadReport, error) {
	report := &LoadReport{Recovered: true}
	b.log.Warn("load failed, attempting backup recovery", "entity", entity, "err", cause)
	b.metrics.Increment(string(observability.MetricRecoveries))

	b.mu.RLock()
	rec := b.recoverer
	b.mu.RUnlock()
	if rec == nil {
		b.log.Error("no recoverer wired, returning empty collection", "entity", entity)
		return []record.Record{}, report, nil
	}

	records, err := rec.RecoverFromLatest(ctx, entity)
	if err != nil {
		b.log.Error("backup recovery failed, returning empty collection", "entity", entity, "err", err)
		return []record.Record{}, report, nil
	}
	report.Loaded = len(records)
	b.journal.Append(entity, "recover", len(records), "recovered from latest archive")
	b.log.Info("collection recovered from backup", "entity", entity, "count", len(records))
	return records, report, nil
}
