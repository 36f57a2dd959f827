package agents

import (
	"errors"
	"testing"

	"issueflow/internal/retry"
)

func TestDecodeStrictPlan(t *testing.T) {
	raw := []byte(`{
		"spec_id": "spec-9f2",
		"summary": "split the migration into two passes",
		"tasks": [
			{"key": "t1", "title": "write schema", "role": "backend"},
			{"key": "t2", "title": "backfill", "role": "backend", "depends_on": ["t1"]}
		]
	}`)
	var plan Plan
	if err := decodeStrict("plan", raw, &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.SpecID != "spec-9f2" || len(plan.Tasks) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.Tasks[1].DependsOn) != 1 || plan.Tasks[1].DependsOn[0] != "t1" {
		t.Fatalf("dependency lost: %+v", plan.Tasks[1])
	}
}

func TestDecodeStrictRejectsMissingField(t *testing.T) {
	raw := []byte(`{"summary": "no spec id", "tasks": []}`)
	var plan Plan
	err := decodeStrict("plan", raw, &plan)
	if err == nil {
		t.Fatal("expected schema violation")
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %T", err)
	}
	if se.Category() != retry.Deterministic {
		t.Fatalf("schema violations must classify deterministic, got %v", se.Category())
	}
}

func TestDecodeStrictRejectsMalformedJSON(t *testing.T) {
	var result TaskResult
	err := decodeStrict("task_result", []byte(`{"status": "completed"`), &result)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestDecodeStrictTaskResultStatusEnum(t *testing.T) {
	var result TaskResult
	err := decodeStrict("task_result", []byte(`{"status": "shipped", "output": "x"}`), &result)
	if err == nil {
		t.Fatal("status outside enum must be rejected")
	}
}

func TestDecodeStrictMergeVerdict(t *testing.T) {
	raw := []byte(`{"decision": "request_changes", "rationale": "checks failed", "blocking_findings": ["lint"]}`)
	var verdict MergeVerdict
	if err := decodeStrict("merge_verdict", raw, &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Decision != "request_changes" || len(verdict.BlockingFindings) != 1 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
}
