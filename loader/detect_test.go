package loader

import "testing"

func TestDetectFormat_ByExtension(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"app.json", FormatJSON},
		{"app.yaml", FormatYAML},
		{"app.yml", FormatYAML},
		{"APP.YAML", FormatYAML},
	}
	for _, tt := range tests {
		if got := DetectFormat([]byte("slug: x"), tt.path); got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDetectFormat_BySniffing(t *testing.T) {
	if got := DetectFormat([]byte("  \n{\"slug\": \"x\"}"), "app"); got != FormatJSON {
		t.Errorf("sniffed format = %q, want json", got)
	}
	if got := DetectFormat([]byte("slug: x\n"), "app"); got != FormatYAML {
		t.Errorf("sniffed format = %q, want yaml", got)
	}
}

func TestYAMLToJSON(t *testing.T) {
	data := []byte("slug: weather\nflows:\n  - id: f1\n")
	jsonData, err := yamlToJSON(data)
	if err != nil {
		t.Fatalf("yamlToJSON() error = %v", err)
	}
	want := `{"flows":[{"id":"f1"}],"slug":"weather"}`
	if string(jsonData) != want {
		t.Errorf("yamlToJSON() = %s, want %s", jsonData, want)
	}
}

func TestYAMLToJSON_Invalid(t *testing.T) {
	if _, err := yamlToJSON([]byte(":\n  - ]broken")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}
