package schema

import (
	"encoding/json"
	"testing"
)

func TestEmbeddedConfigSchemaIsValidJSON(t *testing.T) {
	data, err := FS.ReadFile("config.schema.json")
	if err != nil {
		t.Fatalf("read embedded schema: %v", err)
	}

	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("config.schema.json is not valid JSON: %v", err)
	}
	if _, ok := v["$schema"]; !ok {
		t.Error("config.schema.json missing $schema field")
	}
	if v["type"] != "object" {
		t.Errorf("expected root type object, got %v", v["type"])
	}
}
