package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates a JSON Schema for a tool input struct. Schemas are
// inlined (no $defs indirection) because model APIs expect a single
// self-contained object schema.
func SchemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection over our own static input structs cannot fail to
		// marshal; an empty object schema keeps the tool usable.
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
