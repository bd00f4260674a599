// Package main is the entry point for the daykeep store CLI.
//
// Usage:
//
//	daykeep status                     — storage usage
//	daykeep backup [description]       — create a manual backup
//	daykeep archives                   — list archives
//	daykeep restore <id> [entity ...]  — restore (optionally selective)
//	daykeep cleanup                    — apply retention policy
//	daykeep export <path>              — write a portable snapshot
//	daykeep export-csv <dir>           — write tasks/habits as CSV files
//	daykeep import <path> [mode]       — apply a snapshot (merge|replace)
//	daykeep version                    — print version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/daykeep/daykeep/internal/backup"
	"github.com/daykeep/daykeep/internal/config"
	"github.com/daykeep/daykeep/internal/observability"
	"github.com/daykeep/daykeep/internal/store"
)

const (
	version = "0.1.0"
	appName = "daykeep"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" {
		fmt.Printf("%s v%s\n", appName, version)
		return
	}
	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		printUsage()
		return
	}

	app, err := wireUp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	ctx := context.Background()
	switch cmd {
	case "status":
		err = app.runStatus(ctx)
	case "backup":
		err = app.runBackup(ctx, args)
	case "archives":
		err = app.runArchives()
	case "restore":
		err = app.runRestore(ctx, args)
	case "cleanup":
		err = app.runCleanup()
	case "export":
		err = app.runExport(ctx, args)
	case "export-csv":
		err = app.runExportCSV(ctx, args)
	case "import":
		err = app.runImport(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s v%s — crash-safe local store for tasks and habits

Usage:
  %s <command>

Commands:
  status                     Storage usage per entity
  backup [description]       Create a manual backup
  archives                   List backup archives
  restore <id> [entity ...]  Restore an archive (names restrict to those entities)
  cleanup                    Apply the retention policy
  export <path>              Write a portable snapshot file
  export-csv <dir>           Write tasks.csv and habits.csv into a directory
  import <path> [mode]       Apply a snapshot file (mode: merge or replace)
  version                    Print version

Environment variables:
  DAYKEEP_DATA                 Data directory (default: ~/.daykeep)
  DAYKEEP_BACKEND              Storage backend: file or sqlite (default: file)
  DAYKEEP_LOCK_TIMEOUT         Lock acquisition timeout (default: 5s)
  DAYKEEP_BACKUP_MIN_INTERVAL  Automatic backup dedup window (default: 1h)
  DAYKEEP_RETAIN_COUNT         Archives kept by cleanup (default: 20)
  DAYKEEP_RETAIN_DAYS          Manual archive age limit in days (default: 30)

`, appName, version, appName)
}

// app bundles the wired subsystems for one CLI invocation.
type app struct {
	cfg     config.Config
	store   store.Store
	backups *backup.Manager
}

// wireUp builds the store and backup manager from config file + env.
func wireUp() (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	cfg = config.FromEnv(cfg)

	log := observability.NewLogger(appName, nil)
	metrics := observability.NewMetricsCollector(0)
	journal := observability.NewJournal(0)

	st, err := store.Open(cfg, log, metrics, journal)
	if err != nil {
		return nil, err
	}
	mgr, err := backup.NewManager(cfg, st, log, metrics, journal)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.SetRecoverer(mgr)
	st.SetAfterSave(mgr.TriggerAutomatic)

	return &app{cfg: cfg, store: st, backups: mgr}, nil
}

func (a *app) close() {
	a.backups.Wait()
	a.store.Close()
}

// configPath resolves the YAML config file inside the data directory.
func configPath() string {
	dataDir := os.Getenv("DAYKEEP_DATA")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "daykeep.yaml"
		}
		dataDir = filepath.Join(home, ".daykeep")
	}
	return filepath.Join(dataDir, "daykeep.yaml")
}

func (a *app) runStatus(ctx context.Context) error {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (a *app) runBackup(ctx context.Context, args []string) error {
	description := "manual backup"
	if len(args) > 0 {
		description = strings.Join(args, " ")
	}
	id, err := a.backups.CreateBackup(ctx, description, backup.ClassManual)
	if err != nil {
		return err
	}
	fmt.Printf("created archive %s\n", id)
	return nil
}

func (a *app) runArchives() error {
	metas, err := a.backups.ListArchives()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no archives")
		return nil
	}
	for _, meta := range metas {
		total := 0
		for _, n := range meta.Counts {
			total += n
		}
		fmt.Printf("%s  %-9s  %6d records  %8d bytes  %s\n",
			meta.CreatedAt, meta.Class, total, meta.TotalBytes, meta.ID)
	}
	return nil
}

func (a *app) runRestore(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s restore <id> [entity ...]", appName)
	}
	id := args[0]
	items := args[1:]
	if err := a.backups.RestoreBackup(ctx, id, len(items) > 0, items); err != nil {
		return err
	}
	fmt.Printf("restored archive %s\n", id)
	return nil
}

func (a *app) runCleanup() error {
	if err := a.backups.CleanupRetention(a.cfg.RetainCount, a.cfg.RetainDays); err != nil {
		return err
	}
	fmt.Println("retention cleanup done")
	return nil
}

func (a *app) runExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s export <path>", appName)
	}
	data, err := a.backups.ExportSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	fmt.Printf("exported snapshot to %s\n", args[0])
	return nil
}

func (a *app) runExportCSV(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s export-csv <dir>", appName)
	}
	docs, err := a.backups.ExportCSV(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("nothing to export")
		return nil
	}
	if err := os.MkdirAll(args[0], 0o755); err != nil {
		return err
	}
	for entity, doc := range docs {
		path := filepath.Join(args[0], entity+".csv")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

func (a *app) runImport(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s import <path> [merge|replace]", appName)
	}
	mode := backup.ModeReplace
	if len(args) == 2 {
		mode = args[1]
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := a.backups.ImportSnapshot(ctx, data, mode); err != nil {
		return err
	}
	fmt.Printf("imported snapshot from %s (%s)\n", args[0], mode)
	return nil
}
