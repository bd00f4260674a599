package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Violation is one failed validation rule on one record.
type Violation struct {
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s/%s: %s (%s): %s", v.Entity, v.RecordID, v.Field, v.Rule, v.Detail)
}

// ValidationError aggregates the violations that rejected a save.
type ValidationError struct {
	Entity     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d invalid record(s) in %s", len(e.Violations), e.Entity)
}

// Validator checks records against per-entity schemas plus the cross-field
// date rules no schema can express. Validation never mutates a record.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in entity schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(entitySchemas))

	for entity, src := range entitySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", entity, err)
		}
		url := "file:///daykeep/" + entity + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", entity, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", entity, err)
		}
		schemas[entity] = sch
	}
	return &Validator{schemas: schemas}, nil
}

// Validate returns the violations for one record. An empty result means the
// record is valid. Entity types without a registered schema get only the
// generic identifier and timestamp checks.
func (v *Validator) Validate(entity string, rec Record) []Violation {
	var out []Violation

	if rec.ID == "" {
		out = append(out, Violation{
			Entity: entity, RecordID: rec.ID,
			Field: "id", Rule: "required", Detail: "record has no identifier",
		})
	}

	if sch, ok := v.schemas[entity]; ok {
		out = append(out, schemaViolations(entity, rec, sch)...)
	}
	out = append(out, dateViolations(entity, rec)...)
	return out
}

// ValidateAll validates every record plus the collection-level unique-ID
// invariant. Returns nil if everything passes.
func (v *Validator) ValidateAll(entity string, records []Record) []Violation {
	var out []Violation
	for _, rec := range records {
		out = append(out, v.Validate(entity, rec)...)
	}
	for _, id := range DuplicateIDs(records) {
		out = append(out, Violation{
			Entity: entity, RecordID: id,
			Field: "id", Rule: "unique", Detail: "duplicate identifier in collection",
		})
	}
	return out
}

// schemaViolations runs the JSON Schema over the record's flat form.
func schemaViolations(entity string, rec Record, sch *jsonschema.Schema) []Violation {
	// Round-trip through JSON so the instance only holds JSON-native types,
	// whatever Go values the caller put in the extras bag.
	data, err := json.Marshal(rec)
	if err != nil {
		return []Violation{{Entity: entity, RecordID: rec.ID, Field: "", Rule: "encoding", Detail: err.Error()}}
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return []Violation{{Entity: entity, RecordID: rec.ID, Field: "", Rule: "encoding", Detail: err.Error()}}
	}

	err = sch.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []Violation{{Entity: entity, RecordID: rec.ID, Field: "", Rule: "schema", Detail: err.Error()}}
	}

	var out []Violation
	for _, leaf := range leafCauses(verr) {
		out = append(out, Violation{
			Entity:   entity,
			RecordID: rec.ID,
			Field:    strings.Join(leaf.InstanceLocation, "/"),
			Rule:     "schema",
			Detail:   leaf.Error(),
		})
	}
	return out
}

// leafCauses flattens a validation error tree into its leaf causes.
func leafCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var out []*jsonschema.ValidationError
	for _, c := range err.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// timestampLayouts are accepted on read. The original application wrote bare
// ISO timestamps without a zone; new writes are RFC3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses any of the accepted timestamp layouts.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// dateViolations enforces timestamp parseability and cross-field ordering:
// a completion timestamp must not precede the creation timestamp.
func dateViolations(entity string, rec Record) []Violation {
	var out []Violation

	var created time.Time
	if rec.CreatedAt != "" {
		t, err := ParseTimestamp(rec.CreatedAt)
		if err != nil {
			out = append(out, Violation{
				Entity: entity, RecordID: rec.ID,
				Field: "created_at", Rule: "timestamp_format", Detail: err.Error(),
			})
		} else {
			created = t
		}
	}
	if rec.UpdatedAt != "" {
		if _, err := ParseTimestamp(rec.UpdatedAt); err != nil {
			out = append(out, Violation{
				Entity: entity, RecordID: rec.ID,
				Field: "updated_at", Rule: "timestamp_format", Detail: err.Error(),
			})
		}
	}

	completedAt, ok := rec.Field("completed_at").(string)
	if !ok || completedAt == "" {
		return out
	}
	completed, err := ParseTimestamp(completedAt)
	if err != nil {
		out = append(out, Violation{
			Entity: entity, RecordID: rec.ID,
			Field: "completed_at", Rule: "timestamp_format", Detail: err.Error(),
		})
		return out
	}
	if !created.IsZero() && completed.Before(created) {
		out = append(out, Violation{
			Entity: entity, RecordID: rec.ID,
			Field: "completed_at", Rule: "date_order",
			Detail: fmt.Sprintf("completed_at %s precedes created_at %s", completedAt, rec.CreatedAt),
		})
	}
	return out
}
