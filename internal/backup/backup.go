// Package backup builds timestamped, checksummed archive snapshots of every
// entity collection and restores from them.
//
// An archive is a single immutable JSON file, finalized with the same
// write-temp-then-rename step the live store uses, so it is either fully
// present or not present at all. The manager owns retention cleanup and is
// the recovery source when a live collection cannot be read.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/record"
	"github.com/daykeep/daykeep/internal/store"
)

// Snapshot classes.
const (
	ClassManual    = "manual"
	ClassAutomatic = "automatic"
)

const (
	archivePrefix  = "backup_"
	archiveSuffix  = ".json"
	archiveIDStamp = "20060102_150405"
	schemaVersion  = 2
)

var (
	// ErrArchiveNotFound means no archive exists under the requested ID.
	ErrArchiveNotFound = errors.New("archive not found")

	// ErrRestoreRefused means an archive failed its integrity check and
	// was not applied.
	ErrRestoreRefused = errors.New("restore refused")
)

// Metadata is the self-describing header embedded in every archive.
type Metadata struct {
	ID            string         `json:"id"`
	CreatedAt     string         `json:"created_at"`
	SchemaVersion int            `json:"schema_version"`
	Class         string         `json:"class"`
	Description   string         `json:"description,omitempty"`
	Counts        map[string]int `json:"counts"`
	TotalBytes    int64          `json:"total_bytes"`
	Checksum      string         `json:"checksum"` // aggregate over the collections payload
}

// Diagnostics is auxiliary state captured alongside the data.
type Diagnostics struct {
	Counters map[string]int64            `json:"counters,omitempty"`
	Changes  []observability.ChangeEntry `json:"changes,omitempty"`
}

// Archive is the full on-disk bundle.
type Archive struct {
	Meta        Metadata                   `json:"meta"`
	Collections map[string][]record.Record `json:"collections"`
	Diagnostics Diagnostics                `json:"diagnostics"`
}

// Manager creates, restores, and prunes archives.
type Manager struct {
	dir         string
	store       store.Store
	validator   *record.Validator
	log         *observability.Logger
	metrics     *observability.MetricsCollector
	journal     *observability.Journal
	minInterval time.Duration

	mu       sync.Mutex
	lastAuto time.Time
	inFlight atomic.Bool
	bg       sync.WaitGroup
}

// NewManager creates a backup manager writing archives under cfg.BackupDir().
func NewManager(cfg config.Config, st store.Store, log *observability.Logger, metrics *observability.MetricsCollector, journal *observability.Journal) (*Manager, error) {
	validator, err := record.NewValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = observability.NewLogger("backup", nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	if journal == nil {
		journal = observability.NewJournal(0)
	}
	if err := os.MkdirAll(cfg.BackupDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Manager{
		dir:         cfg.BackupDir(),
		store:       st,
		validator:   validator,
		log:         log,
		metrics:     metrics,
		journal:     journal,
		minInterval: cfg.BackupMinInterval,
	}, nil
}

func (m *Manager) archivePath(id string) string {
	return filepath.Join(m.dir, archivePrefix+id+archiveSuffix)
}

// CreateBackup snapshots every entity collection into one archive and
// returns its identifier. An automatic backup requested within the minimum
// interval of the previous one is skipped and returns an empty identifier.
func (m *Manager) CreateBackup(ctx context.Context, description, class string) (string, error) {
	if class == ClassAutomatic && !m.dueForAutomatic() {
		m.log.Debug("automatic backup skipped, too recent")
		return "", nil
	}
	return m.createArchive(ctx, description, class)
}

// dueForAutomatic checks the dedup window for automatic backups.
func (m *Manager) dueForAutomatic() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastAuto) >= m.minInterval
}

// createArchive builds and atomically commits an archive, bypassing the
// automatic-backup dedup window.
func (m *Manager) createArchive(ctx context.Context, description, class string) (string, error) {
	start := time.Now()

	// Capture state as-is: validation is bypassed so a backup never loses
	// records the validator would quarantine.
	collections := make(map[string][]record.Record)
	counts := make(map[string]int)
	total := 0
	for _, entity := range m.store.Entities() {
		records, _, err := m.store.Load(ctx, entity, false)
		if err != nil {
			return "", fmt.Errorf("backup: load %s: %w", entity, err)
		}
		if records == nil {
			records = []record.Record{}
		}
		collections[entity] = records
		counts[entity] = len(records)
		total += len(records)
	}

	payload, err := json.Marshal(collections)
	if err != nil {
		return "", fmt.Errorf("backup: encode payload: %w", err)
	}

	id := start.UTC().Format(archiveIDStamp)
	if _, err := os.Stat(m.archivePath(id)); err == nil {
		// Second archive within the same second; disambiguate.
		id = id + "_" + uuid.NewString()[:8]
	}

	arch := Archive{
		Meta: Metadata{
			ID:            id,
			CreatedAt:     start.UTC().Format(time.RFC3339Nano),
			SchemaVersion: schemaVersion,
			Class:         class,
			Description:   description,
			Counts:        counts,
			TotalBytes:    int64(len(payload)),
			Checksum:      record.Sum(payload),
		},
		Collections: collections,
		Diagnostics: Diagnostics{
			Counters: m.metrics.Counters(),
			Changes:  m.journal.Entries(),
		},
	}

	data, err := json.MarshalIndent(arch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("backup: encode archive: %w", err)
	}
	if err := WriteArchive(m.archivePath(id), data); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	if class == ClassAutomatic {
		m.mu.Lock()
		m.lastAuto = start
		m.mu.Unlock()
	}
	m.metrics.Observe(observability.MetricBackups, class, start)
	m.log.Info("backup created", "id", id, "class", class, "records", total)
	return id, nil
}

// TriggerAutomatic requests an opportunistic automatic backup off the
// critical write path. At most one backup worker runs at a time; a request
// while one is in flight, or within the dedup window, is a no-op. Suitable
// as the store's after-save hook.
func (m *Manager) TriggerAutomatic(entity string) {
	if !m.dueForAutomatic() {
		return
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer m.inFlight.Store(false)
		if _, err := m.CreateBackup(context.Background(), "after save of "+entity, ClassAutomatic); err != nil {
			m.log.Error("automatic backup failed", "entity", entity, "err", err)
		}
	}()
}

// Wait blocks until any in-flight background backup finishes.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// readArchive loads and decodes one archive by ID.
func (m *Manager) readArchive(id string) (*Archive, error) {
	data, err := os.ReadFile(m.archivePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
		}
		return nil, fmt.Errorf("read archive %s: %w", id, err)
	}
	var arch Archive
	if err := json.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", id, err)
	}
	return &arch, nil
}

// verify recomputes the aggregate checksum over the collections payload.
func verify(arch *Archive) error {
	actual, err := record.PayloadChecksum(arch.Collections)
	if err != nil {
		return err
	}
	if actual != arch.Meta.Checksum {
		return &record.IntegrityError{
			Scope:    "archive " + arch.Meta.ID,
			Expected: arch.Meta.Checksum,
			Actual:   actual,
		}
	}
	return nil
}

// RestoreBackup applies an archive's collections to the live store. Current
// state is snapshotted first as a safety net. The archive is refused
// outright on a checksum mismatch; individual invalid records are dropped
// and reported rather than aborting the whole restore. With selective set,
// only the entity types in items are replaced.
func (m *Manager) RestoreBackup(ctx context.Context, id string, selective bool, items []string) error {
	start := time.Now()

	arch, err := m.readArchive(id)
	if err != nil {
		return err
	}
	if err := verify(arch); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreRefused, err)
	}

	if _, err := m.createArchive(ctx, "pre-restore safety net", ClassAutomatic); err != nil {
		return fmt.Errorf("restore %s: safety-net backup: %w", id, err)
	}

	entities := make([]string, 0, len(arch.Collections))
	if selective {
		entities = append(entities, items...)
	} else {
		for entity := range arch.Collections {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
	}

	for _, entity := range entities {
		records, ok := arch.Collections[entity]
		if !ok {
			m.log.Warn("archive has no such collection", "id", id, "entity", entity)
			continue
		}
		valid, dropped := m.revalidate(entity, records)
		if err := m.store.Save(ctx, entity, valid, false); err != nil {
			return fmt.Errorf("restore %s: save %s: %w", id, entity, err)
		}
		m.journal.Append(entity, "restore", len(valid),
			fmt.Sprintf("from archive %s, %d dropped", id, dropped))
	}

	m.metrics.Observe(observability.MetricRestores, "archive", start)
	m.log.Info("restore complete", "id", id, "entities", strings.Join(entities, ","))
	return nil
}

// revalidate re-runs record validation, dropping invalid records one by one.
func (m *Manager) revalidate(entity string, records []record.Record) (valid []record.Record, dropped int) {
	valid = make([]record.Record, 0, len(records))
	for _, rec := range records {
		if violations := m.validator.Validate(entity, rec); len(violations) > 0 {
			dropped++
			m.log.Warn("restored record dropped", "entity", entity, "id", rec.ID, "violations", len(violations))
			continue
		}
		valid = append(valid, rec)
	}
	return valid, dropped
}

// RecoverFromLatest extracts one entity's collection from the most recent
// archive that passes its integrity check and contains that entity. Returns
// an empty collection if no archive qualifies.
func (m *Manager) RecoverFromLatest(ctx context.Context, entity string) ([]record.Record, error) {
	metas, err := m.ListArchives()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas { // newest first
		arch, err := m.readArchive(meta.ID)
		if err != nil {
			m.log.Warn("skipping unreadable archive", "id", meta.ID, "err", err)
			continue
		}
		if err := verify(arch); err != nil {
			m.log.Warn("skipping corrupt archive", "id", meta.ID, "err", err)
			continue
		}
		if records, ok := arch.Collections[entity]; ok {
			m.log.Info("recovered collection from archive", "id", meta.ID, "entity", entity, "count", len(records))
			return records, nil
		}
	}
	return []record.Record{}, nil
}

// ListArchives returns the metadata of all archives, newest first. Archives
// that cannot be decoded are skipped with a warning.
func (m *Manager) ListArchives() ([]Metadata, error) {
	pattern := filepath.Join(m.dir, archivePrefix+"*"+archiveSuffix)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	metas := make([]Metadata, 0, len(paths))
	for _, path := range paths {
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), archivePrefix), archiveSuffix)
		arch, err := m.readArchive(id)
		if err != nil {
			m.log.Warn("skipping undecodable archive", "path", path, "err", err)
			continue
		}
		metas = append(metas, arch.Meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		ti, erri := record.ParseTimestamp(metas[i].CreatedAt)
		tj, errj := record.ParseTimestamp(metas[j].CreatedAt)
		if erri != nil || errj != nil {
			return metas[i].CreatedAt > metas[j].CreatedAt
		}
		return ti.After(tj)
	})
	return metas, nil
}

// CleanupRetention prunes old archives. Automatic archives beyond keepCount
// are deleted oldest-first unconditionally. At least keepCount/2 of the
// newest manual archives are kept regardless of age; older manual archives
// are deleted only once they exceed keepDays. Deletion failures are logged
// and skipped.
func (m *Manager) CleanupRetention(keepCount, keepDays int) error {
	metas, err := m.ListArchives()
	if err != nil {
		return err
	}

	var manual, auto []Metadata
	for _, meta := range metas {
		if meta.Class == ClassManual {
			manual = append(manual, meta)
		} else {
			auto = append(auto, meta)
		}
	}

	// Both slices are newest first.
	if len(auto) > keepCount {
		for _, meta := range auto[keepCount:] {
			m.remove(meta)
		}
	}

	protect := keepCount / 2
	if len(manual) > protect {
		cutoff := time.Now().AddDate(0, 0, -keepDays)
		for _, meta := range manual[protect:] {
			created, err := record.ParseTimestamp(meta.CreatedAt)
			if err != nil {
				m.log.Warn("archive has unparseable creation time, kept", "id", meta.ID)
				continue
			}
			if created.Before(cutoff) {
				m.remove(meta)
			}
		}
	}
	return nil
}

// remove deletes one archive, logging and swallowing failures.
func (m *Manager) remove(meta Metadata) {
	if err := os.Remove(m.archivePath(meta.ID)); err != nil {
		m.log.Warn("could not delete archive", "id", meta.ID, "err", err)
		return
	}
	m.log.Info("archive deleted", "id", meta.ID, "class", meta.Class)
}

// WriteArchive commits archive bytes with the same atomic finalize the live
// store uses: an archive is either fully present or not present at all.
func WriteArchive(path string, data []byte) error {
	return store.WriteAtomic(path, data)
}
