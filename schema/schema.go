// Package schema converts a trigger node's declared parameters into a
// JSON-Schema input contract and validates caller-supplied arguments
// against it.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/fern-labs/fernflow/flow"
)

// DefaultParam is assumed when a trigger declares no parameters: a single
// optional free-text message.
var DefaultParam = flow.ParamDecl{
	Name:        "message",
	Type:        TypeString,
	Description: "Free-text input for this tool",
	Optional:    true,
}

// Supported parameter types. These map one-to-one onto JSON Schema types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Effective returns the declared parameters, substituting the default
// free-text parameter when none are declared.
func Effective(decls []flow.ParamDecl) []flow.ParamDecl {
	if len(decls) == 0 {
		return []flow.ParamDecl{DefaultParam}
	}
	return decls
}

// InputSchema derives a JSON-Schema object from a trigger's declared
// parameters. The result is the inputSchema advertised by tools/list.
func InputSchema(decls []flow.ParamDecl) map[string]any {
	effective := Effective(decls)

	properties := make(map[string]any, len(effective))
	var required []string
	for _, d := range effective {
		prop := map[string]any{"type": normalizeType(d.Type)}
		if d.Description != "" {
			prop["description"] = d.Description
		}
		properties[d.Name] = prop
		if !d.Optional {
			required = append(required, d.Name)
		}
	}

	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// ValidateArgs structurally validates caller arguments against declared
// parameters: every non-optional parameter must be present, and present
// values must match their declared type. Arguments for undeclared names
// pass through untouched.
func ValidateArgs(decls []flow.ParamDecl, args map[string]any) []flow.Diagnostic {
	var diags []flow.Diagnostic
	for _, d := range Effective(decls) {
		val, present := args[d.Name]
		if !present || val == nil {
			if !d.Optional {
				diags = append(diags, flow.Diagnostic{
					Code:     "AR-001",
					Severity: flow.SeverityError,
					Message:  fmt.Sprintf("Missing required argument %q", d.Name),
					Path:     d.Name,
				})
			}
			continue
		}
		if !matchesType(val, normalizeType(d.Type)) {
			diags = append(diags, flow.Diagnostic{
				Code:     "AR-002",
				Severity: flow.SeverityError,
				Message:  fmt.Sprintf("Argument %q must be of type %s", d.Name, normalizeType(d.Type)),
				Path:     d.Name,
			})
		}
	}
	return diags
}

// normalizeType maps loose type declarations onto the supported set.
// Unknown types degrade to string, matching the free-text default.
func normalizeType(t string) string {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		return t
	case "integer", "int", "float":
		return TypeNumber
	case "bool":
		return TypeBoolean
	default:
		return TypeString
	}
}

func matchesType(val any, typ string) bool {
	switch typ {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeNumber:
		switch val.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := val.(bool)
		return ok
	case TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case TypeArray:
		_, ok := val.([]any)
		return ok
	default:
		return true
	}
}
