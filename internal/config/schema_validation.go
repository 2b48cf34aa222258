package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	jobschema "github.com/Paintersrp/jobshell/schema"
)

const schemaURL = "config.v1.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(jobschema.ConfigV1Schema)); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
})

// schemaViolation is one failed constraint. Field uses config terms, with
// jobs addressed by index and name, e.g. jobs[1](build).command.
type schemaViolation struct {
	Field   string
	Message string
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}

	// the validator wants JSON types, yaml.v3 hands out ints and []any
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("prepare config for schema validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("prepare config for schema validation: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	vErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	violations := collectViolations(vErr, doc, nil)
	var b strings.Builder
	b.WriteString("schema validation failed:")
	for _, v := range violations {
		fmt.Fprintf(&b, "\n  - %s: %s", v.Field, v.Message)
	}
	return fmt.Errorf("%s", b.String())
}

// collectViolations flattens the error tree to its leaves, sorted by field.
func collectViolations(err *jsonschema.ValidationError, doc map[string]any, out []schemaViolation) []schemaViolation {
	if len(err.Causes) == 0 {
		return append(out, schemaViolation{Field: schemaFieldPath(doc, err.InstanceLocation), Message: err.Message})
	}
	for _, cause := range err.Causes {
		out = collectViolations(cause, doc, out)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// schemaFieldPath renders a JSON pointer into the config as a dotted path.
func schemaFieldPath(doc map[string]any, ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "config"
	}

	var b strings.Builder
	var node any = doc
	for _, seg := range strings.Split(ptr, "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if idx, err := strconv.Atoi(seg); err == nil {
			fmt.Fprintf(&b, "[%d]", idx)
			node = indexNode(node, idx)
			if name := jobName(node); name != "" {
				fmt.Fprintf(&b, "(%s)", name)
			}
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
		node = fieldNode(node, seg)
	}
	return b.String()
}

func indexNode(node any, idx int) any {
	list, ok := node.([]any)
	if !ok || idx < 0 || idx >= len(list) {
		return nil
	}
	return list[idx]
}

func fieldNode(node any, key string) any {
	if m, ok := node.(map[string]any); ok {
		return m[key]
	}
	return nil
}

func jobName(node any) string {
	name, _ := fieldNode(node, "name").(string)
	return name
}
