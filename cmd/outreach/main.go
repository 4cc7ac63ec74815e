// Command outreach is the Outreach Agent CLI: license management, usage
// reports, gated feature checks, and the API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/outreach/internal/auth"
	"github.com/mbd888/outreach/internal/config"
	"github.com/mbd888/outreach/internal/entitlement"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/server"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// DefaultSQLitePath is used when neither DATABASE_URL nor SQLITE_PATH is set,
// so licenses minted from the CLI survive between runs.
const DefaultSQLitePath = "payments.db"

var (
	keyFilePath string
	dbPath      string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "outreach",
	Short:         "Outreach Agent - AI-powered outreach with licensed features",
	Long:          `Outreach Agent manages license keys, reports usage, and runs the entitlement API server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&keyFilePath, "key-file", "", "license key file (default ~/"+auth.KeyFileName+")")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", DefaultSQLitePath, "SQLite database used when no DATABASE_URL or SQLITE_PATH is set")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log storage and engine activity to stderr")

	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(tiersCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Outreach Agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is one command's view of storage and the engine.
type session struct {
	cfg      *config.Config
	backends *server.Backends
	engine   *entitlement.Engine
	logger   *slog.Logger
}

// openSession loads configuration and opens the same stores the server
// would, falling back to the --db SQLite file instead of process memory.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cliLogger(cmd, cfg)

	b, err := server.OpenBackends(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:      cfg,
		backends: b,
		engine:   entitlement.New(b.Store, b.Ledger, entitlement.WithLogger(logger)),
		logger:   logger,
	}, nil
}

func (s *session) Close() {
	if err := s.backends.Close(); err != nil {
		s.logger.Warn("failed to close storage", "error", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Backend() == "memory" {
		cfg.SQLitePath = dbPath
	}
	return cfg, nil
}

func cliLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.NewWithWriter(cmd.ErrOrStderr(), level, cfg.LogFormat)
}

func keyFile() (*auth.KeyFile, error) {
	if keyFilePath != "" {
		return auth.NewKeyFile(keyFilePath), nil
	}
	path, err := auth.DefaultKeyFilePath()
	if err != nil {
		return nil, err
	}
	return auth.NewKeyFile(path), nil
}

// resolveKey returns the configured license key or an error telling the
// user how to configure one.
func resolveKey() (string, error) {
	f, err := keyFile()
	if err != nil {
		return "", err
	}
	key, err := auth.Resolve(os.Getenv, f)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("no license key configured: run 'outreach license set <key>' or set %s", auth.EnvLicenseKey)
	}
	return key, nil
}
