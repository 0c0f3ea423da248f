// Command h3 is the replica client.
package main

import (
	"os"

	"github.com/h3org/h3sync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
