package opqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/relaysync/internal/kvstore"
)

const elementSchema = `{
  "type": "object",
  "required": ["id", "x", "y"],
  "properties": {
    "id": {"type": "string"},
    "x": {"type": "number"},
    "y": {"type": "number"}
  }
}`

func TestSchemaValidatorFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "elements.schema.json"), []byte(elementSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	validator, err := LoadSchemaDir(dir)
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	if err := validator.Validate("elements", json.RawMessage(`{"id":"e1","x":1,"y":2}`)); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
	if err := validator.Validate("elements", json.RawMessage(`{"id":"e1","x":"left"}`)); err == nil {
		t.Fatalf("expected schema violation")
	}
	if err := validator.Validate("maps", json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("stores without a schema should pass, got %v", err)
	}
}

func TestEnqueueRunsValidator(t *testing.T) {
	validator, err := NewSchemaValidator(map[string][]byte{"elements": []byte(elementSchema)})
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	q, err := New(context.Background(), kvstore.NewMemoryStore(), Options{Validator: validator})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1"}`), 0); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected schema rejection, got %v", err)
	}
	if _, err := q.Enqueue(ctx, "elements", "e1", Create, json.RawMessage(`{"id":"e1","x":0,"y":0}`), 0); err != nil {
		t.Fatalf("expected valid create, got %v", err)
	}
	if _, err := q.Enqueue(ctx, "elements", "e1", Delete, nil, 0); err != nil {
		t.Fatalf("delete skips payload validation, got %v", err)
	}
}

func TestNewSchemaValidatorRejectsBrokenSchema(t *testing.T) {
	if _, err := NewSchemaValidator(map[string][]byte{"elements": []byte(`{"type":`)}); err == nil {
		t.Fatalf("expected parse error")
	}
}
