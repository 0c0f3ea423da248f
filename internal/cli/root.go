// Package cli implements the h3 command-line client.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/h3org/h3sync/internal/config"
	"github.com/h3org/h3sync/internal/core"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/store"
	"github.com/spf13/cobra"
)

var (
	verbose   bool
	logFormat string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Engine *core.Engine
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// newLogger writes to stderr so command output stays clean. Only warnings
// show unless -v is set.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initContext loads the config, opens the replica and builds an engine
// talking to the configured remote. The session is not resumed.
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to open replica: %v", err)
	}

	master, err := newMaster(cfg)
	if err != nil {
		st.Close()
		exitError("%v", err)
	}

	logger := newLogger()
	engine := core.NewEngine(st, master, core.Options{
		GlobalScope: cfg.GlobalScope,
		Logger:      logger,
		Progress:    progressPrinter(),
	})
	return &cmdContext{Config: cfg, Store: st, Engine: engine, Logger: logger}
}

// initSessionContext is initContext plus the session saved by the last login.
func initSessionContext() *cmdContext {
	c := initContext()
	if err := c.Engine.Resume(); err != nil {
		c.Close()
		if errors.Is(err, core.ErrNotLoggedIn) {
			exitError("not logged in (run 'h3 login')")
		}
		exitError("failed to resume session: %v", err)
	}
	return c
}

func newMaster(cfg *config.Config) (remote.Master, error) {
	retry, err := cfg.Retry.Remote()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return remote.NewRetryClient(remote.NewHTTPClient(cfg.RemoteURL, cfg.Token), retry), nil
}

var rootCmd = &cobra.Command{
	Use:   "h3",
	Short: "Offline-first replica client for the h3 organization directory",
	Long: `h3 keeps a local replica of the organization directory (units, users,
jobs, contracts and permissions) and synchronizes it with the central server.

Changes are queued locally under provisional TMP- codes and receive their
final codes when 'h3 sync' uploads them.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serverCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
