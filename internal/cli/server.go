package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/core"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/remote/server"
	"github.com/spf13/cobra"
)

// ServerOptions configures RunServer. Both 'h3 server start' and the
// h3-server binary fill it from flags.
type ServerOptions struct {
	Listen        string
	DataDir       string
	Backend       string
	DSN           string
	AdminToken    string
	LogLevel      string
	LogFormat     string
	TLSCert       string
	TLSKey        string
	WebhookURLs   string
	WebhookSecret string
	// Seed writes the root data into an empty master before serving.
	Seed         bool
	SeedLogin    string
	SeedPassword string
}

// DefaultServerOptions reads the H3_* environment variables.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Listen:        envOrDefault("H3_LISTEN", "127.0.0.1:8720"),
		DataDir:       envOrDefault("H3_DATA_DIR", defaultDataDir()),
		Backend:       envOrDefault("H3_BACKEND", server.BackendBbolt),
		DSN:           os.Getenv("H3_DSN"),
		AdminToken:    os.Getenv("H3_ADMIN_TOKEN"),
		LogLevel:      envOrDefault("H3_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("H3_LOG_FORMAT", "json"),
		TLSCert:       os.Getenv("H3_TLS_CERT"),
		TLSKey:        os.Getenv("H3_TLS_KEY"),
		WebhookURLs:   os.Getenv("H3_WEBHOOK_URLS"),
		WebhookSecret: os.Getenv("H3_WEBHOOK_SECRET"),
		SeedLogin:     envOrDefault("H3_SEED_LOGIN", "root"),
		SeedPassword:  os.Getenv("H3_SEED_PASSWORD"),
	}
}

// RunServer serves the master store until SIGINT or SIGTERM.
func RunServer(opts ServerOptions) error {
	logger := server.NewLogger(os.Stdout, opts.LogLevel, opts.LogFormat)

	if err := server.EnsureDir(opts.DataDir); err != nil {
		return err
	}

	meta, err := server.OpenMetaStore(opts.Backend, opts.DataDir, opts.DSN)
	if err != nil {
		return fmt.Errorf("open master store: %w", err)
	}
	defer meta.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Seed {
		seeded, err := core.SeedRoot(ctx, meta, core.SeedOptions{Login: opts.SeedLogin, Password: opts.SeedPassword})
		if err != nil {
			return fmt.Errorf("seed master: %w", err)
		}
		if seeded {
			logger.Info("seeded root data", "login", opts.SeedLogin, "user", core.SeedRootUser)
		} else {
			logger.Info("master already seeded")
		}
	}

	tokens := server.NewFileTokenStore(filepath.Join(opts.DataDir, "tokens.json"), logger)
	if err := tokens.Load(); err != nil {
		logger.Warn("no token store loaded, starting empty", "error", err)
	}

	cfg := server.DefaultServerConfig()
	cfg.AdminToken = opts.AdminToken
	if urls := server.SplitURLs(opts.WebhookURLs); len(urls) > 0 {
		cfg.Webhooks = server.NewWebhookNotifier(&server.WebhookConfig{URLs: urls, Secret: opts.WebhookSecret}, logger)
		logger.Info("webhooks configured", "count", len(urls))
	}

	h, cleanup := server.Handler(meta, tokens, cfg, logger)
	defer cleanup()

	logger.Info("starting h3 server", "listen", opts.Listen, "data_dir", opts.DataDir, "backend", meta.Backend())
	if err := server.Serve(ctx, h, server.ListenOptions{Addr: opts.Listen, TLSCert: opts.TLSCert, TLSKey: opts.TLSKey}, logger); err != nil {
		return err
	}
	if err := tokens.Flush(); err != nil {
		logger.Warn("failed to save token last-used times", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

var (
	serverOpts ServerOptions

	serverAdminURL        string
	serverAdminToken      string
	serverTokenDesc       string
	serverTokenPermission string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run or administer the h3 server",
	Long:  "Commands for running the h3 server and managing its tokens.",
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the h3 server",
	Long: `Start the h3 server, the authoritative master every replica syncs with.

The master store is bbolt by default; --backend sqlite or postgres selects a
SQL store (--dsn is the file path or connection string). Bearer token
authentication is required for the journal API. The admin token enables the
/admin/ endpoints for token management.

Examples:
  h3 server start --seed
  h3 server start --listen 0.0.0.0:8720 --data-dir /var/lib/h3
  h3 server start --backend postgres --dsn postgres://h3@db/h3`,
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if err := RunServer(serverOpts); err != nil {
			exitError("%v", err)
		}
	},
}

func init() {
	serverCmd.AddCommand(serverStartCmd)
	serverCmd.AddCommand(serverTokensCmd)

	serverOpts = DefaultServerOptions()
	f := serverStartCmd.Flags()
	f.StringVar(&serverOpts.Listen, "listen", serverOpts.Listen, "Listen address (host:port)")
	f.StringVar(&serverOpts.DataDir, "data-dir", serverOpts.DataDir, "Directory for server data")
	f.StringVar(&serverOpts.Backend, "backend", serverOpts.Backend, "Master store backend (bbolt|sqlite|postgres)")
	f.StringVar(&serverOpts.DSN, "dsn", serverOpts.DSN, "Database file or connection string for the backend")
	f.StringVar(&serverOpts.LogLevel, "log-level", serverOpts.LogLevel, "Log level (debug|info|warn|error)")
	f.StringVar(&serverOpts.LogFormat, "server-log-format", serverOpts.LogFormat, "Server log format (json|text)")
	f.StringVar(&serverOpts.TLSCert, "tls-cert", serverOpts.TLSCert, "TLS certificate file")
	f.StringVar(&serverOpts.TLSKey, "tls-key", serverOpts.TLSKey, "TLS key file")
	f.StringVar(&serverOpts.WebhookURLs, "webhook-urls", serverOpts.WebhookURLs, "Comma-separated webhook URLs to notify on accepted entries")
	f.StringVar(&serverOpts.WebhookSecret, "webhook-secret", serverOpts.WebhookSecret, "HMAC secret for signing webhook payloads")
	f.BoolVar(&serverOpts.Seed, "seed", false, "Write the root unit, user and contract into an empty master")
	f.StringVar(&serverOpts.SeedLogin, "seed-login", serverOpts.SeedLogin, "Login of the seeded root user")
	f.StringVar(&serverOpts.SeedPassword, "seed-password", serverOpts.SeedPassword, "Password of the seeded root user (env: H3_SEED_PASSWORD)")

	serverTokensCmd.PersistentFlags().StringVar(&serverAdminURL, "url",
		envOrDefault("H3_SERVER_URL", ""),
		"Server base URL (env: H3_SERVER_URL)")
	serverTokensCmd.PersistentFlags().StringVar(&serverAdminToken, "admin-token",
		os.Getenv("H3_ADMIN_TOKEN"),
		"Admin token (env: H3_ADMIN_TOKEN)")

	serverTokensCmd.AddCommand(serverTokensCreateCmd, serverTokensListCmd, serverTokensDeleteCmd)

	tf := serverTokensCreateCmd.Flags()
	tf.StringVar(&serverTokenDesc, "desc", "", "Token description")
	tf.StringVar(&serverTokenPermission, "permission", "rw", "Permission level: ro or rw")
}

// defaultDataDir returns the default server data directory (~/.h3-server).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/h3-server"
	}
	return filepath.Join(home, ".h3-server")
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// --- h3 server tokens ---

var serverTokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage server tokens",
	Long:  "Commands for managing authentication tokens on a running h3 server.",
}

var serverTokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new authentication token",
	Run:   runServerTokensCreate,
}

var serverTokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all authentication tokens",
	Run:   runServerTokensList,
}

var serverTokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an authentication token",
	Args:  cobra.ExactArgs(1),
	Run:   runServerTokensDelete,
}

// resolveAdminClient builds an AdminClient from the admin flags.
func resolveAdminClient() *remote.AdminClient {
	if serverAdminURL == "" {
		exitError("--url or H3_SERVER_URL is required")
	}
	if serverAdminToken == "" {
		exitError("--admin-token or H3_ADMIN_TOKEN is required")
	}
	c := remote.NewAdminClient(serverAdminURL, serverAdminToken)
	if c.Insecure() {
		color.New(color.FgYellow).Fprintln(os.Stderr, "warning: sending the admin token over an unencrypted connection")
	}
	return c
}

func runServerTokensCreate(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	resp, err := c.CreateToken(context.Background(), serverTokenDesc, serverTokenPermission)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token, it will not be shown again.")
}

func runServerTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	tokens, err := c.ListTokens(context.Background())
	if err != nil {
		exitError("%v", err)
	}

	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-32s  %-24s  %s\n", "ID", "Description", "Permission")
	for _, t := range tokens {
		fmt.Printf("  %-32s  %-24s  %s\n", t.ID, t.Description, t.Permission)
	}
}

func runServerTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	if err := c.DeleteToken(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Deleted token '%s'\n", args[0])
}
