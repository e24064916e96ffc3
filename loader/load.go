package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fern-labs/fernflow/flow"
)

// LoadApp reads an app definition file, auto-detects its format,
// validates it, and returns the decoded app alongside its canonical
// JSON source.
func LoadApp(path string) (*flow.App, json.RawMessage, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return LoadAppBytes(data, path)
}

// LoadAppBytes parses and validates an app definition from raw bytes.
// The path is only used for format detection.
func LoadAppBytes(data []byte, path string) (*flow.App, json.RawMessage, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, nil, err
	}

	var app flow.App
	if err := json.Unmarshal(jsonData, &app); err != nil {
		return nil, nil, fmt.Errorf("parsing app definition: %w", err)
	}
	app.Slug = flow.NormalizeSlug(app.Slug)
	if app.Slug == "" {
		return nil, nil, fmt.Errorf("app definition is missing a slug")
	}

	if diags := app.Validate(); flow.HasErrors(diags) {
		return nil, nil, &DiagnosticError{Diagnostics: diags}
	}

	return &app, jsonData, nil
}

// LoadApps reads a definition file holding either a single app object
// or a bundle with a top-level "apps" list, and returns all decoded apps.
func LoadApps(path string) ([]*flow.App, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Apps []json.RawMessage `json:"apps"`
	}
	if err := json.Unmarshal(jsonData, &probe); err != nil {
		return nil, fmt.Errorf("parsing definition file: %w", err)
	}
	if probe.Apps == nil {
		app, _, err := LoadAppBytes(jsonData, "bundle.json")
		if err != nil {
			return nil, err
		}
		return []*flow.App{app}, nil
	}

	apps := make([]*flow.App, 0, len(probe.Apps))
	for i, raw := range probe.Apps {
		app, _, err := LoadAppBytes(raw, "bundle.json")
		if err != nil {
			return nil, fmt.Errorf("apps[%d]: %w", i, err)
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []flow.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := flow.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
