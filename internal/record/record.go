// Package record defines the persisted record model, its content checksum,
// and schema validation for each entity type.
//
// A Record is a typed core (identifier, status, timestamps, version,
// checksum) plus an opaque extra-fields bag, so the store never needs to
// know every business field an entity carries. On disk a record is a single
// flat JSON object.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved field names lifted out of the flat JSON object into Record's
// typed core. Everything else lands in Fields.
const (
	fieldID        = "id"
	fieldStatus    = "status"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
	fieldVersion   = "version"
	fieldChecksum  = "checksum"
)

// Record is one persisted item of an entity collection.
type Record struct {
	ID        string
	Status    string
	CreatedAt string // RFC3339; kept as a string so unparseable input survives to validation
	UpdatedAt string
	Version   int64
	Checksum  string
	Fields    map[string]any // extra business fields (title, tags, subtasks, ...)
}

// New returns a record with a fresh creation timestamp.
func New(id string) Record {
	now := time.Now().UTC().Format(time.RFC3339)
	return Record{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    map[string]any{},
	}
}

// Field returns an extra field value, or nil if absent.
func (r Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// SetField sets an extra field value.
func (r *Record) SetField(name string, value any) {
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[name] = value
}

// Flatten returns the record as one flat map, the shape stored on disk.
// The typed core fields override any colliding keys in the extras bag.
func (r Record) Flatten() map[string]any {
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[fieldID] = r.ID
	if r.Status != "" {
		out[fieldStatus] = r.Status
	}
	if r.CreatedAt != "" {
		out[fieldCreatedAt] = r.CreatedAt
	}
	if r.UpdatedAt != "" {
		out[fieldUpdatedAt] = r.UpdatedAt
	}
	if r.Version != 0 {
		out[fieldVersion] = r.Version
	}
	if r.Checksum != "" {
		out[fieldChecksum] = r.Checksum
	}
	return out
}

// MarshalJSON encodes the record as a flat JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Flatten())
}

// UnmarshalJSON decodes a flat JSON object, splitting reserved fields from
// the extras bag.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = FromMap(raw)
	return nil
}

// FromMap builds a Record from a flat field map, e.g. a legacy on-disk
// object that predates the version/checksum envelope.
func FromMap(raw map[string]any) Record {
	rec := Record{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case fieldID:
			rec.ID, _ = v.(string)
		case fieldStatus:
			rec.Status, _ = v.(string)
		case fieldCreatedAt:
			rec.CreatedAt, _ = v.(string)
		case fieldUpdatedAt:
			rec.UpdatedAt, _ = v.(string)
		case fieldVersion:
			switch n := v.(type) {
			case float64:
				rec.Version = int64(n)
			case int64:
				rec.Version = n
			case int:
				rec.Version = int64(n)
			}
		case fieldChecksum:
			rec.Checksum, _ = v.(string)
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

// Stamp increments the version counter and recomputes the content checksum.
// Called on every record immediately before it is written.
func (r *Record) Stamp() error {
	r.Version++
	sum, err := r.ContentChecksum()
	if err != nil {
		return fmt.Errorf("stamp %s: %w", r.ID, err)
	}
	r.Checksum = sum
	return nil
}

// DuplicateIDs returns the identifiers that occur more than once.
func DuplicateIDs(records []Record) []string {
	seen := make(map[string]int, len(records))
	for _, r := range records {
		seen[r.ID]++
	}
	var dups []string
	for _, r := range records {
		if seen[r.ID] > 1 {
			dups = append(dups, r.ID)
			seen[r.ID] = 0 // report each duplicate once
		}
	}
	return dups
}
