package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/mantleworks/toolgate/blob"
	toolotel "github.com/mantleworks/toolgate/otel"
	"github.com/mantleworks/toolgate/provider"
	"github.com/mantleworks/toolgate/store"
	"github.com/mantleworks/toolgate/toolset"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolset HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8000, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.toolgate/toolgate.db)")
	cmd.Flags().String("config", "", "Path to servers YAML loaded at startup")
	cmd.Flags().Bool("watch", false, "Re-sync providers when the config file changes")
	cmd.Flags().Duration("idle-threshold", 30*time.Minute, "Idle time before a provider session is reaped")
	cmd.Flags().Duration("reap-interval", 5*time.Minute, "How often idle sessions are swept")
	cmd.Flags().Bool("interpreter", false, "Enable the POST /interpreter endpoint")
	cmd.Flags().Bool("otel", false, "Export OpenTelemetry traces over OTLP HTTP")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Secrets and MinIO settings come from a .env next to the binary,
	// same as the original deployment habit.
	_ = godotenv.Load()

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	configPath, _ := cmd.Flags().GetString("config")
	watch, _ := cmd.Flags().GetBool("watch")
	idleThreshold, _ := cmd.Flags().GetDuration("idle-threshold")
	reapInterval, _ := cmd.Flags().GetDuration("reap-interval")
	interpreter, _ := cmd.Flags().GetBool("interpreter")
	otelEnabled, _ := cmd.Flags().GetBool("otel")

	logger := newLogger(cmd)

	sqlitePath, err := resolveSQLitePath(cmd)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: sqlitePath})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	var next provider.Observer
	if otelEnabled {
		otelProvider, err := toolotel.Setup(cmd.Context(), toolotel.Config{
			ServiceName:    "toolgate",
			ServiceVersion: cmd.Root().Version,
		})
		if err != nil {
			return fmt.Errorf("initializing otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelProvider.Shutdown(shutdownCtx)
		}()

		providerObserver, err := toolotel.NewProviderObserver(
			otelapi.GetMeterProvider().Meter("toolgate/provider"),
			otelapi.GetTracerProvider().Tracer("toolgate/provider"),
		)
		if err != nil {
			return fmt.Errorf("initializing provider observability: %w", err)
		}
		next = providerObserver
	}

	audit, err := store.NewAuditObserver(store.AuditObserverConfig{
		Store:  st,
		Logger: logger,
		Next:   next,
	})
	if err != nil {
		return fmt.Errorf("creating audit observer: %w", err)
	}
	defer audit.Close()

	registry := provider.NewRegistry(provider.RegistryOptions{
		Logger:        logger,
		Observer:      audit,
		IdleThreshold: idleThreshold,
	})

	var uploader *blob.Uploader
	if strings.TrimSpace(os.Getenv("MINIO_URL")) != "" {
		uploader, err = blob.NewUploader(blob.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("configuring uploader: %w", err)
		}
	}

	ts, err := toolset.New(toolset.Config{
		Version:           cmd.Root().Version,
		Host:              host,
		Port:              port,
		CORSOrigin:        corsOrigin,
		MaxBody:           maxBody,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		Logger:            logger,
		Registry:          registry,
		ReapInterval:      reapInterval,
		Store:             st,
		Uploader:          uploader,
		EnableInterpreter: interpreter,
	})
	if err != nil {
		return fmt.Errorf("creating toolset: %w", err)
	}

	restored, err := store.Restore(cmd.Context(), store.RestoreConfig{
		Store:  st,
		Target: ts,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("restoring providers: %w", err)
	}
	if restored.Restored > 0 || restored.Failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %d provider connection(s), %d failed\n", restored.Restored, restored.Failed)
	}

	if strings.TrimSpace(configPath) != "" {
		servers, err := toolset.LoadConfigFile(configPath)
		if err != nil {
			return exitError(exitValidation, "loading config file: %v", err)
		}
		result := ts.SyncConfig(cmd.Context(), servers)
		fmt.Fprintf(cmd.OutOrStdout(), "Connected %d server(s) from %s (%d failed)\n",
			len(result.Added)+len(result.Cached), configPath, len(result.Failed))

		if watch {
			watcher, err := toolset.NewWatcher(toolset.WatcherConfig{
				Path:    configPath,
				Toolset: ts,
				Logger:  logger,
			})
			if err != nil {
				return fmt.Errorf("starting config watcher: %w", err)
			}
			defer func() {
				_ = watcher.Close()
			}()
		}
	}

	pruner, err := store.NewPruner(store.PrunerConfig{Store: st, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating audit pruner: %w", err)
	}
	if err := pruner.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting audit pruner: %w", err)
	}
	defer func() {
		_ = pruner.Stop(context.Background())
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Toolgate listening on %s\n", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err := ts.Serve(ctx); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shutdown complete")
	return nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func resolveSQLitePath(cmd *cobra.Command) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	path := strings.TrimSpace(sqlitePath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TOOLGATE_SQLITE_PATH"))
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(home, ".toolgate")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
		path = filepath.Join(dir, "toolgate.db")
	}
	return filepath.Clean(path), nil
}
