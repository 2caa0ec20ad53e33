package ingest

import (
	"bytes"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultPayloadSchema is the envelope every producer payload must match.
// The data member is opaque to the relay.
const DefaultPayloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "workspace_id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "event": {"type": "string", "minLength": 1},
    "workspace_id": {"type": "string", "minLength": 1},
    "data": true
  }
}`

// PayloadValidator checks webhook bodies against a JSON Schema.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles schemaJSON. An empty schema uses DefaultPayloadSchema.
func NewPayloadValidator(schemaJSON []byte) (*PayloadValidator, error) {
	if len(bytes.TrimSpace(schemaJSON)) == 0 {
		schemaJSON = []byte(DefaultPayloadSchema)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := c.Compile("payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// LoadPayloadValidator reads a schema file. An empty path uses the default schema.
func LoadPayloadValidator(path string) (*PayloadValidator, error) {
	if path == "" {
		return NewPayloadValidator(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}
	return NewPayloadValidator(data)
}

// Validate reports why body is not an acceptable payload, or nil.
func (v *PayloadValidator) Validate(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
