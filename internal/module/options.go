package module

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Options holds a module's configuration values
type Options map[string]any

// Merge returns a copy of o with overrides applied on top
func (o Options) Merge(overrides Options) Options {
	out := make(Options, len(o)+len(overrides))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String returns a string option or "" when unset
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns an integer option or def when unset or not numeric
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean option or def when unset
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// Decode fills a module's typed configuration struct from the options.
// Unknown keys are rejected.
func (o Options) Decode(into any) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return nil
}

// ValidateOptions checks opts against the descriptor's JSON schema, if any
func (d *Descriptor) ValidateOptions(opts Options) error {
	if d.OptionsSchema == "" {
		return nil
	}
	schema, err := compileSchema(d.Name, d.OptionsSchema)
	if err != nil {
		return &ValidationError{Module: d.Name, Field: "options_schema", Message: err.Error()}
	}

	// The validator expects values shaped like encoding/json output.
	raw, err := json.Marshal(opts)
	if err != nil {
		return &ValidationError{Module: d.Name, Field: "options", Message: err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &ValidationError{Module: d.Name, Field: "options", Message: err.Error()}
	}

	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Module: d.Name, Field: "options", Message: err.Error()}
	}
	return nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	url := "mem://" + name + "/options.json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}
