package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compiled coordination tool schemas. Compilation happens once at package
// init; the schema literals are package constants, so a failure here is a
// programming error.
var (
	newAnswerSchema = mustCompileSchema(ToolNewAnswer, coordinationTools[0].Parameters)
	voteSchema      = mustCompileSchema(ToolVote, coordinationTools[1].Parameters)
)

// compileSchema compiles a JSON Schema document under the given name.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %q: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %q: %w", name, err)
	}
	return schema, nil
}

func mustCompileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	schema, err := compileSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return schema
}

// validateArgs parses raw tool arguments with the tolerant cascade and
// validates the resulting object against the schema.
func validateArgs(schema *jsonschema.Schema, raw string) (map[string]any, error) {
	args, err := parseToolArguments(raw)
	if err != nil {
		return nil, err
	}
	// Validate a plain-JSON rendition of the parsed map: the cascade can
	// produce types (int64) the validator does not expect from JSON input.
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}
	var payload any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return nil, err
	}
	return args, nil
}
