package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/h3org/h3sync/internal/remote/metastore"
)

// Storage backends accepted by OpenMetaStore.
const (
	BackendBbolt    = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// NewLogger builds the server logger from the -log-level and -log-format
// flag values.
func NewLogger(w io.Writer, levelName, format string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// OpenMetaStore opens the master store. dsn is optional for the embedded
// backends, which default to a file under dataDir, and required for postgres.
func OpenMetaStore(backend, dataDir, dsn string) (metastore.MetaStore, error) {
	switch backend {
	case "", BackendBbolt:
		if dsn == "" {
			dsn = filepath.Join(dataDir, "master.db")
		}
		s, err := metastore.NewBboltStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite, BackendPostgres:
		driver := metastore.DriverSQLite
		if backend == BackendPostgres {
			if dsn == "" {
				return nil, errors.New("postgres backend requires a dsn")
			}
			driver = metastore.DriverPostgres
		} else if dsn == "" {
			dsn = filepath.Join(dataDir, "master.sqlite")
		}
		s, err := metastore.OpenSQL(driver, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown backend %q (want bbolt, sqlite or postgres)", backend)
}

// SplitURLs parses a comma-separated webhook URL list, dropping blanks.
func SplitURLs(list string) []string {
	var urls []string
	for _, u := range strings.Split(list, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// ListenOptions configures Serve.
type ListenOptions struct {
	Addr    string
	TLSCert string
	TLSKey  string
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, h http.Handler, opts ListenOptions, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", opts.Addr, "tls", opts.TLSCert != "")
		var err error
		if opts.TLSCert != "" && opts.TLSKey != "" {
			err = srv.ListenAndServeTLS(opts.TLSCert, opts.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// EnsureDir creates the data directory.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}
