package pipeline

import (
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileToolSchema compiles one tool's input_schema for validating calls
// against it. Grounded on the compile-then-validate two-step every JSON
// Schema caller in this ecosystem follows: AddResource registers the raw
// document under a synthetic id, Compile resolves it into a reusable
// *jsonschema.Schema.
func compileToolSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	id := "tool:" + name
	if err := c.AddResource(id, schema); err != nil {
		return nil, err
	}
	return c.Compile(id)
}

// ValidateToolInput checks a tool_use block's Input against its declared
// input_schema. A tool with no schema, or an Input that failed to parse
// upstream (nil map), passes unchecked — the caller already has
// RawArguments to recover from a parse failure.
func ValidateToolInput(spec ToolSpec, input map[string]interface{}) error {
	if len(spec.InputSchema) == 0 || input == nil {
		return nil
	}
	compiled, err := compileToolSchema(spec.Name, spec.InputSchema)
	if err != nil {
		return NewClientFault("tool %q declares an invalid input_schema: %v", spec.Name, err)
	}
	if err := compiled.Validate(input); err != nil {
		return NewClientFault("tool_use input for %q does not match its input_schema: %v", spec.Name, err)
	}
	return nil
}

// findTool looks up a declared tool by name.
func findTool(tools []ToolSpec, name string) (ToolSpec, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}
