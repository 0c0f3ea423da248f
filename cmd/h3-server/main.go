// Command h3-server runs the h3 master server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/h3org/h3sync/internal/cli"
)

func main() {
	opts := cli.DefaultServerOptions()

	flag.StringVar(&opts.Listen, "listen", opts.Listen, "Listen address")
	flag.StringVar(&opts.DataDir, "data-dir", opts.DataDir, "Data directory")
	flag.StringVar(&opts.Backend, "backend", opts.Backend, "Master store backend (bbolt, sqlite, postgres)")
	flag.StringVar(&opts.DSN, "dsn", opts.DSN, "Database file or connection string")
	flag.StringVar(&opts.AdminToken, "admin-token", opts.AdminToken, "Admin API token")
	flag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format (json, text)")
	flag.StringVar(&opts.TLSCert, "tls-cert", opts.TLSCert, "TLS certificate file")
	flag.StringVar(&opts.TLSKey, "tls-key", opts.TLSKey, "TLS key file")
	flag.StringVar(&opts.WebhookURLs, "webhook-urls", opts.WebhookURLs, "Comma-separated webhook URLs to notify on accepted entries")
	flag.StringVar(&opts.WebhookSecret, "webhook-secret", opts.WebhookSecret, "HMAC secret for webhook payloads")
	flag.BoolVar(&opts.Seed, "seed", false, "Seed the root data into an empty master")
	flag.StringVar(&opts.SeedLogin, "seed-login", opts.SeedLogin, "Login of the seeded root user")
	flag.StringVar(&opts.SeedPassword, "seed-password", opts.SeedPassword, "Password of the seeded root user")
	flag.Parse()

	if err := cli.RunServer(opts); err != nil {
		fmt.Fprintf(os.Stderr, "h3-server: %v\n", err)
		os.Exit(1)
	}
}
