package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/h3org/h3sync/internal/config"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new h3 replica",
	Long: `Initialize a new h3 replica in the current directory.
This creates a .h3 directory holding the configuration and the local database.`,
	Run: runInit,
}

var (
	initURL   string
	initToken string
)

func init() {
	initCmd.Flags().StringVar(&initURL, "url", envOrDefault("H3_REMOTE_URL", "http://127.0.0.1:8720"), "Server URL (env: H3_REMOTE_URL)")
	initCmd.Flags().StringVar(&initToken, "token", envOrDefault("H3_TOKEN", ""), "Bearer token for the server (env: H3_TOKEN)")
}

func runInit(cmd *cobra.Command, args []string) {
	if _, err := config.FindRoot(); err == nil {
		exitError("h3 replica already exists")
	}

	fmt.Printf("Initializing h3 replica...\n")
	fmt.Printf("Server: %s\n", initURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := remote.NewHTTPClient(initURL, initToken)
	info, err := client.Info(ctx)
	if err != nil {
		fmt.Printf("Warning: could not reach server: %v\n", err)
	} else {
		fmt.Printf("Server backend: %s, journal head %d\n", info.Backend, info.Head)
	}

	cfg, err := config.Initialize(initURL)
	if err != nil {
		exitError("failed to initialize config: %v", err)
	}
	if initToken != "" {
		cfg.Token = initToken
		if err := cfg.Save(); err != nil {
			exitError("failed to save token: %v", err)
		}
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		exitError("failed to create replica: %v", err)
	}
	defer st.Close()

	if err := st.Initialize(); err != nil {
		exitError("failed to initialize replica: %v", err)
	}

	fmt.Printf("\nInitialized empty h3 replica in %s/\n", config.Dir)
	fmt.Printf("\nRun 'h3 login --login <name>' to download your data.\n")
}
