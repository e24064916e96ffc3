package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/fern-labs/fernflow/engine"
	"github.com/fern-labs/fernflow/ledger"
	"github.com/fern-labs/fernflow/mcp"
	fernotel "github.com/fern-labs/fernflow/otel"
	"github.com/fern-labs/fernflow/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fernflow HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("db", "", "Path to SQLite database (default: ~/.fernflow/fernflow.db)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("sweep-threshold", ledger.DefaultTimeout, "Age at which pending executions time out")
	cmd.Flags().String("sweep-every", "@every 1m", "Cron schedule for the timeout sweep")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	sweepThreshold, _ := cmd.Flags().GetDuration("sweep-threshold")
	sweepEvery, _ := cmd.Flags().GetString("sweep-every")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	dsn, err := resolveSQLitePath(cmd)
	if err != nil {
		return err
	}

	appStore, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		return fmt.Errorf("opening sqlite app store: %w", err)
	}
	defer func() {
		_ = appStore.Close()
	}()

	ledgerStore, err := ledger.NewSQLiteStoreFromDB(appStore.DB())
	if err != nil {
		return fmt.Errorf("opening sqlite execution ledger: %w", err)
	}

	logger := slog.Default()

	tracing := fernotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("fernflow/engine"))
	metrics, err := fernotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("fernflow/engine"))
	if err != nil {
		return fmt.Errorf("initializing engine observability: %w", err)
	}

	eng := engine.New(engine.Config{
		Store:  ledgerStore,
		Logger: logger,
		Events: engine.MultiEventHandler(tracing.Handle, metrics.Handle),
	})

	srv := server.NewServer(server.ServerConfig{
		Store:          appStore,
		Ledger:         ledgerStore,
		Engine:         eng,
		MCP:            mcp.NewHandler(mcp.HandlerConfig{Engine: eng, Logger: logger}),
		SweepThreshold: sweepThreshold,
		CORSOrigin:     corsOrigin,
		MaxBody:        maxBody,
		Logger:         logger,
	})

	scheduler, err := server.NewSweepScheduler(
		ledger.NewSweeper(ledgerStore, sweepThreshold, logger), sweepEvery, logger)
	if err != nil {
		return fmt.Errorf("creating sweep scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "fernflow listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func resolveSQLitePath(cmd *cobra.Command) (string, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	dsn := strings.TrimSpace(dbPath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("FERNFLOW_SQLITE_PATH"))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(home, ".fernflow")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "fernflow.db")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}
