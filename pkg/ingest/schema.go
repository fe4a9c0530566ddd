package ingest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ReportSchema is the JSON Schema every serialized report must satisfy.
const ReportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["report_id", "instance_id", "agent_fingerprint", "sequence_number", "items", "signature"],
  "properties": {
    "report_id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "instance_id": { "type": "string", "minLength": 1, "maxLength": 128 },
    "agent_fingerprint": { "type": "string", "pattern": "^[0-9a-f]{64}$" },
    "sequence_number": { "type": "integer", "minimum": 1 },
    "protocol_version": { "type": "string", "minLength": 1 },
    "signature": { "type": "string", "pattern": "^[0-9a-fA-F]+$" },
    "items": {
      "type": "array",
      "maxItems": 10000,
      "items": {
        "type": "object",
        "required": ["id", "type", "content", "origin_instance_id", "origin_logical_clock", "wall_time", "confidence"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "enum": ["episodic", "semantic"] },
          "content": { "type": "string" },
          "origin_instance_id": { "type": "string", "minLength": 1 },
          "origin_logical_clock": { "type": "integer", "minimum": 0 },
          "wall_time": { "type": "string", "format": "date-time" },
          "tags": { "type": "array", "items": { "type": "string" } },
          "confidence": { "type": "number", "minimum": 0, "maximum": 1 },
          "fact_key": { "type": "string" },
          "priority": { "type": "number", "minimum": 0, "maximum": 1 },
          "embedding": { "type": "array", "items": { "type": "number" } }
        }
      }
    }
  }
}`

// SchemaValidator checks raw reports against ReportSchema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles ReportSchema.
func NewSchemaValidator() (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ReportSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile report schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate returns every schema violation in one error.
func (v *SchemaValidator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}
