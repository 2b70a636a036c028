package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	schemafs "github.com/mwebazejunior/airflow/schema"
)

var (
	configSchema *jsonschema.Schema
	compileOnce  sync.Once
	compileErr   error
)

func compileConfigSchema() error {
	compileOnce.Do(func() {
		data, err := schemafs.FS.ReadFile("config.schema.json")
		if err != nil {
			compileErr = fmt.Errorf("read config schema: %w", err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("config.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		configSchema, compileErr = compiler.Compile("config.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compile config schema: %w", compileErr)
		}
	})
	return compileErr
}

// ValidateFileConfig checks a raw config file against the embedded JSON
// schema before it is decoded into FileConfig. The document is decoded
// by extension and round-tripped through JSON so the validator sees
// canonical JSON types.
func ValidateFileConfig(data []byte, ext string) error {
	if err := compileConfigSchema(); err != nil {
		return err
	}

	var raw any
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if raw == nil {
		return nil
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if err := configSchema.Validate(v); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
