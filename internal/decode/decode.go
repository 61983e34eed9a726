// Package decode resolves raw tool input/output JSON into typed values.
//
// Tool payload shapes are not closed at compile time: MCP servers contribute
// tools at runtime, so decoding goes through a registry keyed by tool name.
// A tool without a registered decoder (or a payload that fails validation)
// keeps its raw form only, which is always sufficient for display and for
// history reconstruction.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Value is the decoded interpretation of a tool payload alongside its raw
// form. Raw is always retained; Decoded and TypeName are set only when a
// registered decoder accepted the payload.
type Value struct {
	TypeName string
	Raw      json.RawMessage
	Decoded  any
}

// IsZero reports whether the value carries neither raw nor decoded data.
func (v Value) IsZero() bool {
	return v.TypeName == "" && len(v.Raw) == 0 && v.Decoded == nil
}

// Encode returns the transport encoding of the value: the raw bytes when
// present, otherwise the decoded value marshalled back to JSON. A value
// that cannot be encoded returns nil.
func (v Value) Encode() json.RawMessage {
	if len(v.Raw) > 0 {
		return v.Raw
	}
	if v.Decoded == nil {
		return nil
	}
	data, err := json.Marshal(v.Decoded)
	if err != nil {
		return nil
	}
	return data
}

// Raw wraps raw payload bytes with no decoded interpretation.
func Raw(data json.RawMessage) Value {
	return Value{Raw: data}
}

type codec struct {
	schema    *jsonschema.Schema
	newInput  func() any
	newOutput func() any
}

// Registry maps tool names to payload decoders. Safe for concurrent use;
// MCP managers register and unregister entries while conversations run.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]*codec
}

// NewRegistry creates an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]*codec)}
}

// Register installs a decoder for a tool name. schemaJSON, when non-empty,
// is compiled and raw inputs are validated against it before decoding.
// newInput and newOutput allocate the typed destinations; either may be nil
// when the tool has no structured form on that side.
func (r *Registry) Register(tool string, schemaJSON []byte, newInput, newOutput func() any) error {
	c := &codec{newInput: newInput, newOutput: newOutput}
	if len(schemaJSON) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(tool+".json", bytes.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("decode: schema for %s: %w", tool, err)
		}
		schema, err := compiler.Compile(tool + ".json")
		if err != nil {
			return fmt.Errorf("decode: schema for %s: %w", tool, err)
		}
		c.schema = schema
	}
	r.mu.Lock()
	r.codecs[tool] = c
	r.mu.Unlock()
	return nil
}

// Unregister removes the decoder for a tool name.
func (r *Registry) Unregister(tool string) {
	r.mu.Lock()
	delete(r.codecs, tool)
	r.mu.Unlock()
}

// DecodeInput decodes a tool's raw input. Decode failures are not errors:
// the returned value keeps the raw bytes and simply lacks a typed form.
func (r *Registry) DecodeInput(tool string, raw json.RawMessage) Value {
	return r.decode(tool, raw, true)
}

// DecodeOutput decodes a tool's raw output, with the same fallback
// semantics as DecodeInput.
func (r *Registry) DecodeOutput(tool string, raw json.RawMessage) Value {
	return r.decode(tool, raw, false)
}

func (r *Registry) decode(tool string, raw json.RawMessage, input bool) Value {
	v := Value{Raw: raw}
	if len(raw) == 0 {
		return v
	}

	r.mu.RLock()
	c, ok := r.codecs[tool]
	r.mu.RUnlock()
	if !ok {
		return v
	}

	alloc := c.newOutput
	if input {
		alloc = c.newInput
	}
	if alloc == nil {
		return v
	}

	if input && c.schema != nil {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return v
		}
		if err := c.schema.Validate(doc); err != nil {
			return v
		}
	}

	dst := alloc()
	if err := json.Unmarshal(raw, dst); err != nil {
		return v
	}
	v.Decoded = dst
	v.TypeName = tool
	return v
}
