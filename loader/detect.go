// Package loader reads app definition files in JSON or YAML, validates
// them, and produces decoded apps ready for the engine.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the serialization of an app definition file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DetectFormat determines the file format:
//  1. A .yaml/.yml extension means YAML, a .json extension means JSON.
//  2. Otherwise sniff the content: a leading '{' is JSON, anything else
//     is treated as YAML (YAML is a superset, so this errs permissively).
func DetectFormat(data []byte, filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// yamlToJSON converts YAML bytes to JSON bytes. The canonical strategy:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}

// toJSON normalizes data to JSON bytes per the detected format.
func toJSON(data []byte, filePath string) ([]byte, error) {
	if DetectFormat(data, filePath) == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}
