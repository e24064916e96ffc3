package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/ledger"
	"github.com/fern-labs/fernflow/loader"
	"github.com/fern-labs/fernflow/mcp"
)

// NewInvokeCmd creates the "invoke" subcommand.
func NewInvokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <file> <tool>",
		Short: "Invoke a tool from an app definition file",
		Args:  cobra.ExactArgs(2),
		RunE:  runInvoke,
	}

	cmd.Flags().StringP("args", "a", "", "Tool arguments as inline JSON")
	cmd.Flags().Bool("preview", false, "Mark the execution as a preview run")
	cmd.Flags().Bool("trace", false, "Print the node execution trace after the result")
	cmd.Flags().Bool("verbose", false, "Enable debug logging")

	return cmd
}

func runInvoke(cmd *cobra.Command, cmdArgs []string) error {
	filePath, toolName := cmdArgs[0], cmdArgs[1]
	argsJSON, _ := cmd.Flags().GetString("args")
	preview, _ := cmd.Flags().GetBool("preview")
	trace, _ := cmd.Flags().GetBool("trace")
	verbose, _ := cmd.Flags().GetBool("verbose")
	out := cmd.OutOrStdout()

	app, _, err := loader.LoadApp(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnostics(cmd.ErrOrStderr(), diagErr.Diagnostics, "text")
			return exitError(exitValidation, "app definition is invalid")
		}
		return fmt.Errorf("loading app: %w", err)
	}

	args := map[string]any{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return exitError(exitInputParse, "parsing --args: %v", err)
		}
	}

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}))

	store := ledger.NewMemoryStore()
	eng := engine.New(engine.Config{Store: store, Logger: logger})

	res, err := eng.Invoke(cmd.Context(), app, toolName, args, engine.Options{IsPreview: preview})
	if err != nil {
		var argErr *engine.ArgumentError
		switch {
		case errors.As(err, &argErr):
			printDiagnostics(cmd.ErrOrStderr(), argErr.Diagnostics, "text")
			return exitError(exitValidation, "invalid arguments for %s", toolName)
		case errors.Is(err, engine.ErrToolNotFound):
			return exitError(exitRuntime, "tool not found: %s", toolName)
		case errors.Is(err, engine.ErrInactiveTool):
			return exitError(exitRuntime, "tool is inactive: %s", toolName)
		default:
			return exitError(exitRuntime, "invoking %s: %v", toolName, err)
		}
	}

	shaped := mcp.ShapeCallResult(app, res)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(shaped); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if trace {
		exec, _, err := store.Get(cmd.Context(), res.ExecutionID)
		if err != nil {
			return fmt.Errorf("reading execution trace: %w", err)
		}
		fmt.Fprintf(out, "\nExecution %s (%s)\n", exec.ID, exec.Status)
		for _, entry := range exec.NodeExecutions {
			fmt.Fprintf(out, "  %-12s %-10s %s\n", entry.NodeKind, entry.Status, entry.NodeID)
			if entry.Error != "" {
				fmt.Fprintf(out, "    error: %s\n", entry.Error)
			}
		}
	}
	return nil
}
