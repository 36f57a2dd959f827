package agents

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"issueflow/internal/retry"
)

// SchemaError marks a structured-output contract violation. Retrying with the
// same input cannot fix a systematic format violation, so it classifies as
// deterministic.
type SchemaError struct {
	Schema string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("response violates %s schema: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Category() retry.Category { return retry.Deterministic }

const planSchema = `{
  "type": "object",
  "required": ["spec_id", "summary", "tasks"],
  "properties": {
    "spec_id": {"type": "string", "minLength": 1},
    "summary": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "title", "role"],
        "properties": {
          "key": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "role": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const taskResultSchema = `{
  "type": "object",
  "required": ["status", "output"],
  "properties": {
    "status": {"type": "string", "enum": ["completed", "blocked", "needs_review"]},
    "output": {"type": "string"},
    "notes": {"type": "string"}
  }
}`

const reviewSummarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "findings": {"type": "array", "items": {"type": "string"}}
  }
}`

const mergeVerdictSchema = `{
  "type": "object",
  "required": ["decision", "rationale"],
  "properties": {
    "decision": {"type": "string", "enum": ["approve", "request_changes", "block"]},
    "rationale": {"type": "string", "minLength": 1},
    "blocking_findings": {"type": "array", "items": {"type": "string"}}
  }
}`

var schemas = map[string]*jsonschema.Schema{
	"plan":           jsonschema.MustCompileString("plan.json", planSchema),
	"task_result":    jsonschema.MustCompileString("task_result.json", taskResultSchema),
	"review_summary": jsonschema.MustCompileString("review_summary.json", reviewSummarySchema),
	"merge_verdict":  jsonschema.MustCompileString("merge_verdict.json", mergeVerdictSchema),
}

// decodeStrict validates raw against the named schema before unmarshaling it
// into out. Any failure, malformed JSON included, is a SchemaError.
func decodeStrict(name string, raw []byte, out any) error {
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &SchemaError{Schema: name, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaError{Schema: name, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &SchemaError{Schema: name, Err: err}
	}
	return nil
}
