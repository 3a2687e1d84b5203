package opqueue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator checks payloads against per-store JSON schemas. Stores
// without a schema are accepted as-is.
type SchemaValidator struct {
	schemas map[string]*jsonschema.Schema
}

// LoadSchemaDir compiles every <storeName>.schema.json file in dir.
func LoadSchemaDir(dir string) (*SchemaValidator, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.schema.json"))
	if err != nil {
		return nil, err
	}
	docs := map[string][]byte{}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		storeName := strings.TrimSuffix(filepath.Base(path), ".schema.json")
		docs[storeName] = data
	}
	return NewSchemaValidator(docs)
}

// NewSchemaValidator compiles raw schema documents keyed by store name.
func NewSchemaValidator(docs map[string][]byte) (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	urls := make(map[string]string, len(docs))
	for storeName, data := range docs {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", storeName, err)
		}
		url := "mem:///schemas/" + storeName + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", storeName, err)
		}
		urls[storeName] = url
	}
	v := &SchemaValidator{schemas: make(map[string]*jsonschema.Schema, len(urls))}
	for storeName, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", storeName, err)
		}
		v.schemas[storeName] = schema
	}
	return v, nil
}

func (v *SchemaValidator) Validate(storeName string, payload json.RawMessage) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[storeName]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
