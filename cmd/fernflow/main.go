package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fern-labs/fernflow/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fernflow",
	Short: "fernflow flow-graph engine CLI",
	Long:  "fernflow — define, validate, and serve tool-calling apps built from flow graphs.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("fernflow version %s\n", version))

	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewInvokeCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
