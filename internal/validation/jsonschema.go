package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/flowsim/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const flowSchemaURL = "https://flowsim.dev/schemas/flow.json"

// flowSchemaJSON describes the FlowData wire shape accepted on import.
// Unknown properties are allowed so exports from canvas editors (which add
// width, height, selected and similar) still load.
const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowsim.dev/schemas/flow.json",
  "type": "object",
  "required": ["nodes", "edges"],
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
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "position"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["start", "end", "action", "decision"] },
        "label": { "type": "string" },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "data": {
          "type": ["object", "null"],
          "properties": {
            "description": { "type": "string" },
            "instructions": { "type": "string" },
            "keywords": { "type": "array", "items": { "type": "string" } },
            "flowRef": { "type": "string" },
            "condition": { "type": "string" }
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "sourceHandle": { "type": ["string", "null"] }
      }
    }
  }
}`

// FlowSchema checks imported flow documents before they are unmarshalled.
// Safe for concurrent use.
type FlowSchema struct {
	compiled *jsonschema.Schema
}

// NewFlowSchema compiles the embedded FlowData schema.
func NewFlowSchema() (*FlowSchema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(flowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal flow schema: %w", err)
	}
	if err := c.AddResource(flowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	compiled, err := c.Compile(flowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return &FlowSchema{compiled: compiled}, nil
}

// Parse validates raw against the schema and decodes it. Structural graph
// problems (dangling edges, missing branches) are not schema errors: they
// are left for Validate to report.
func (fs *FlowSchema) Parse(raw []byte) (schema.FlowData, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.FlowData{}, schema.NewError(schema.ErrCodeValidation, "flow is not valid JSON").WithCause(err)
	}
	if err := fs.compiled.Validate(doc); err != nil {
		return schema.FlowData{}, toFlowsimError(err)
	}

	var data schema.FlowData
	if err := json.Unmarshal(raw, &data); err != nil {
		return schema.FlowData{}, schema.NewError(schema.ErrCodeValidation, "decode flow").WithCause(err)
	}
	return data, nil
}

var defaultFlowSchema = sync.OnceValues(NewFlowSchema)

// ParseFlowData validates and decodes an imported flow with the embedded schema.
func ParseFlowData(raw []byte) (schema.FlowData, error) {
	fs, err := defaultFlowSchema()
	if err != nil {
		return schema.FlowData{}, err
	}
	return fs.Parse(raw)
}

func toFlowsimError(err error) *schema.FlowsimError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "flow failed schema validation with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
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
