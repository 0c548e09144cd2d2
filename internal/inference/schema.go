package inference

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const analyzeResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["items"],
  "properties": {
    "roomType": {"type": ["string", "null"], "maxLength": 64},
    "model": {"type": "string"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "quantity": {"type": "integer", "minimum": 0},
          "volumeCuFt": {"type": "number", "minimum": 0},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("analyze_response.json", strings.NewReader(analyzeResponseSchema)); err != nil {
			responseSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		responseSchema, responseSchemaErr = compiler.Compile("analyze_response.json")
	})
	return responseSchema, responseSchemaErr
}

// validateResponse checks a raw inference payload against the response schema.
func validateResponse(data []byte) error {
	schema, err := compiledResponseSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
