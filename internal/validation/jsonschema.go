package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomhq/loom/pkg/schema"
)

// contentSchemaJSON is the JSON Schema for WorkflowContent validation.
// Embedded as a constant to avoid filesystem dependencies.
const contentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomhq.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": true,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "data": { "type": "object" }
      },
      "additionalProperties": true
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": true
    }
  }
}`

// nodeConfigSchemas maps node types to JSON Schemas for their data payloads.
// Only operations with hard config requirements are listed; unlisted types
// pass schema validation and rely on adapter-level parameter checks.
var nodeConfigSchemas = map[string]string{
	"webhook.request": `{
	  "type": "object",
	  "required": ["url"],
	  "properties": {
	    "url": { "type": "string", "minLength": 1 },
	    "method": { "type": "string" },
	    "timeoutMs": { "type": "number", "minimum": 1 }
	  }
	}`,
	"email.send": `{
	  "type": "object",
	  "required": ["to"],
	  "properties": {
	    "to": { "type": "string", "minLength": 1 },
	    "subject": { "type": "string" }
	  }
	}`,
	"email.sendTemplate": `{
	  "type": "object",
	  "required": ["to", "template"],
	  "properties": {
	    "to": { "type": "string", "minLength": 1 },
	    "template": { "type": "string", "minLength": 1 }
	  }
	}`,
	"openai.embeddings.create": `{
	  "type": "object",
	  "required": ["input"]
	}`,
	"openai.images.generate": `{
	  "type": "object",
	  "required": ["prompt"],
	  "properties": {
	    "prompt": { "type": "string", "minLength": 1 }
	  }
	}`,
	"google.sheets.appendRow": `{
	  "type": "object",
	  "required": ["spreadsheetId", "values"],
	  "properties": {
	    "spreadsheetId": { "type": "string", "minLength": 1 },
	    "values": { "type": "array" }
	  }
	}`,
	"google.sheets.findRow": `{
	  "type": "object",
	  "required": ["spreadsheetId", "value"],
	  "properties": {
	    "spreadsheetId": { "type": "string", "minLength": 1 },
	    "matchType": { "type": "string", "enum": ["exact", "contains", "startsWith"] }
	  }
	}`,
	"flow.route": `{
	  "type": "object",
	  "properties": {
	    "conditions": {
	      "type": "array",
	      "items": {
	        "type": "object",
	        "required": ["targetPath"],
	        "properties": {
	          "targetPath": { "type": "string", "minLength": 1 }
	        }
	      }
	    },
	    "defaultPath": { "type": "string" }
	  }
	}`,
	"flow.aggregate": `{
	  "type": "object",
	  "properties": {
	    "mode": {
	      "type": "string",
	      "enum": ["array", "first", "last", "concat", "sum", "count", "custom"]
	    }
	  }
	}`,
}

// JSONSchemaValidator validates workflow content and per-node configs using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	contentSchema *jsonschema.Schema

	// mu guards the cache for node-type schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the content schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(contentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal content schema: %w", err)
	}
	if err := c.AddResource("https://loomhq.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add content schema resource: %w", err)
	}
	compiled, err := c.Compile("https://loomhq.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile content schema: %w", err)
	}

	return &JSONSchemaValidator{
		contentSchema: compiled,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateContent validates the workflow shape against the content schema.
// A nil Edges slice marshals to JSON null, so edgeless workflows built in Go
// are normalized to an empty array first.
func (v *JSONSchemaValidator) ValidateContent(content *schema.WorkflowContent) error {
	if content == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow content is nil")
	}
	normalized := *content
	if normalized.Edges == nil {
		normalized.Edges = []schema.Edge{}
	}
	doc, err := toJSONValue(&normalized)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow content").WithCause(err)
	}
	if err := v.contentSchema.Validate(doc); err != nil {
		return toExecutionError(err)
	}
	return nil
}

// ValidateNodeConfig validates one node's data against the schema registered
// for its type, if any. Config values still holding {{...}} references are
// checked only for presence, not shape.
func (v *JSONSchemaValidator) ValidateNodeConfig(node schema.Node) error {
	raw, ok := nodeConfigSchemas[node.Type]
	if !ok {
		return nil
	}
	compiled, err := v.getOrCompile(node.Type, raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInternal,
			"invalid config schema for %q: %s", node.Type, err.Error()).WithCause(err)
	}
	doc, err := toJSONValue(node.Data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toExecutionError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(nodeType, raw string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	if cached, ok := v.cache[nodeType]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[nodeType]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "loom://node-config/" + nodeType
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[nodeType] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toExecutionError converts a jsonschema.ValidationError into an
// ExecutionError with the leaf violations listed.
func toExecutionError(err error) *schema.ExecutionError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
