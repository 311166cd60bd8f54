package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// descriptorSchema is the wire contract for descriptors arriving from the
// external parser/intent resolver. Compiled once at package init; a compile
// failure here is a programming error and panics at start, not at decide time.
const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_class", "severity", "epistemic"],
  "additionalProperties": false,
  "properties": {
    "action_class": {"type": "string", "minLength": 1},
    "context_tags": {"type": "array", "items": {"type": "string"}},
    "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CATASTROPHIC"]},
    "epistemic": {"enum": ["LOW_UNCERTAINTY", "MEDIUM_UNCERTAINTY", "HIGH_UNCERTAINTY"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const schemaURL = "https://arbiter.schemas.local/descriptor.schema.json"

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(descriptorSchema)); err != nil {
		panic(fmt.Sprintf("descriptor schema load failed: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("descriptor schema compile failed: %v", err))
	}
	return compiled
}

// ParseJSON validates raw descriptor JSON against the wire schema and
// returns the canonical descriptor. Schema failures wrap ErrInvalidInput so
// callers can map them to an input-fault status before fact extraction.
func ParseJSON(data []byte) (Descriptor, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var raw struct {
		ActionClass string    `json:"action_class"`
		ContextTags []string  `json:"context_tags"`
		Severity    Severity  `json:"severity"`
		Epistemic   Epistemic `json:"epistemic"`
		Confidence  float64   `json:"confidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return New(raw.ActionClass, raw.ContextTags, raw.Severity, raw.Epistemic, raw.Confidence)
}
