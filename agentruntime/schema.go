package agentruntime

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewforge/crewforge/core"
)

// compileSchema compiles a raw JSON Schema document.
func compileSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, core.NewFrameworkError("agentruntime.compileSchema", core.KindValidation,
			fmt.Errorf("unmarshal schema: %w", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, core.NewFrameworkError("agentruntime.compileSchema", core.KindValidation, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, core.NewFrameworkError("agentruntime.compileSchema", core.KindValidation, err)
	}
	return schema, nil
}

// validateAgainstSchema parses payload and validates it, returning the
// parsed value.
func validateAgainstSchema(schema *jsonschema.Schema, payload string) (interface{}, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return nil, core.NewFrameworkError("agentruntime.validate", core.KindValidation,
			fmt.Errorf("invalid JSON: %v: %w", err, core.ErrSchemaValidation))
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, core.NewFrameworkError("agentruntime.validate", core.KindValidation,
			fmt.Errorf("%v: %w", err, core.ErrSchemaValidation))
	}
	return parsed, nil
}
