package record

// Per-entity JSON Schemas. These cover required fields and closed enum sets;
// cross-field date ordering lives in validate.go because JSON Schema cannot
// compare two instance values.
//
// Optional cosmetic fields (tags, notes, subtasks, color, ...) are
// deliberately unconstrained.

const taskSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "title", "status", "created_at"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"status": {"enum": ["pending", "in_progress", "completed"]},
		"priority": {"enum": ["low", "medium", "high", "urgent"]},
		"created_at": {"type": "string"},
		"completed_at": {"type": ["string", "null"]},
		"due_date": {"type": ["string", "null"]},
		"list_name": {"type": "string"},
		"estimated_time": {"type": ["number", "null"], "minimum": 0},
		"actual_time": {"type": ["number", "null"], "minimum": 0}
	}
}`

const habitSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name", "created_at"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"frequency": {"enum": ["daily", "weekly", "monthly"]},
		"target": {"type": ["number", "null"], "minimum": 0},
		"streak": {"type": ["number", "null"], "minimum": 0},
		"best_streak": {"type": ["number", "null"], "minimum": 0},
		"created_at": {"type": "string"}
	}
}`

const listSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"color": {"type": ["string", "null"]},
		"folder": {"type": ["string", "null"]}
	}
}`

const templateSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"tasks": {"type": ["array", "null"]}
	}
}`

// entitySchemas maps entity type to its schema document. Entity types
// without an entry get only the generic checks in validate.go.
var entitySchemas = map[string]string{
	"tasks":     taskSchema,
	"habits":    habitSchema,
	"lists":     listSchema,
	"templates": templateSchema,
}
