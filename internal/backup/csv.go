package backup

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/daykeep/daykeep/internal/record"
)

// Column sets for the tabular export. Tasks map one row per record; habits
// are flattened to one row per completion date.
var (
	taskColumns  = []string{"id", "title", "description", "status", "priority", "list_name", "due_date", "created_at", "completed_at"}
	habitColumns = []string{"id", "name", "frequency", "target", "created_at", "streak", "best_streak", "completion_date"}
)

// ExportCSV renders the task and habit collections as CSV documents, keyed
// by entity type. Entities with no records are omitted.
func (m *Manager) ExportCSV(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)

	tasks, _, err := m.store.Load(ctx, "tasks", false)
	if err != nil {
		return nil, fmt.Errorf("csv export: %w", err)
	}
	if len(tasks) > 0 {
		doc, err := recordsCSV(taskColumns, tasks)
		if err != nil {
			return nil, fmt.Errorf("csv export tasks: %w", err)
		}
		out["tasks"] = doc
	}

	habits, _, err := m.store.Load(ctx, "habits", false)
	if err != nil {
		return nil, fmt.Errorf("csv export: %w", err)
	}
	if len(habits) > 0 {
		doc, err := habitsCSV(habits)
		if err != nil {
			return nil, fmt.Errorf("csv export habits: %w", err)
		}
		out["habits"] = doc
	}
	return out, nil
}

func recordsCSV(columns []string, records []record.Record) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(columns); err != nil {
		return "", err
	}
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = fieldString(rec, col)
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}

// habitsCSV writes one row per completion date, and at least one row per
// habit even without completions.
func habitsCSV(habits []record.Record) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(habitColumns); err != nil {
		return "", err
	}
	for _, rec := range habits {
		base := make([]string, len(habitColumns))
		for i, col := range habitColumns[:len(habitColumns)-1] {
			base[i] = fieldString(rec, col)
		}

		dates, _ := rec.Field("completion_dates").([]any)
		if len(dates) == 0 {
			if err := w.Write(base); err != nil {
				return "", err
			}
			continue
		}
		for _, d := range dates {
			row := append([]string(nil), base...)
			row[len(row)-1] = fmt.Sprintf("%v", d)
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}
	w.Flush()
	return sb.String(), w.Error()
}

// fieldString renders a record field (core or extra) as a CSV cell.
func fieldString(rec record.Record, name string) string {
	switch name {
	case "id":
		return rec.ID
	case "status":
		return rec.Status
	case "created_at":
		return rec.CreatedAt
	case "updated_at":
		return rec.UpdatedAt
	}
	v := rec.Field(name)
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Integers survive the JSON round trip as whole floats.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
