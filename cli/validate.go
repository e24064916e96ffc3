package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fern-labs/fernflow/flow"
	"github.com/fern-labs/fernflow/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an app definition file",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	diags := validateAppBytes(data, filePath)
	printDiagnostics(out, diags, format)

	hasErrs := flow.HasErrors(diags)
	hasWarns := len(warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateAppBytes parses the definition and collects all diagnostics,
// folding parse failures into a synthetic diagnostic.
func validateAppBytes(data []byte, filePath string) []flow.Diagnostic {
	app, _, err := loader.LoadAppBytes(data, filePath)
	if err != nil {
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			return diagErr.Diagnostics
		}
		return []flow.Diagnostic{{
			Code:     "FL-000",
			Severity: flow.SeverityError,
			Message:  err.Error(),
		}}
	}
	return app.Validate()
}

func printDiagnostics(w io.Writer, diags []flow.Diagnostic, format string) {
	if format == "json" {
		if diags == nil {
			diags = []flow.Diagnostic{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diags)
		return
	}

	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := flow.Errors(diags)
	warns := warnings(diags)
	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func warnings(diags []flow.Diagnostic) []flow.Diagnostic {
	var warns []flow.Diagnostic
	for _, d := range diags {
		if d.Severity == flow.SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
