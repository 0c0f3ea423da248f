package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/core"
	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/remote"
	"github.com/h3org/h3sync/internal/store"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create -f <file>",
	Short: "Queue new records from a YAML file",
	Long: `Queue one or more new records read from a YAML file ("-" for stdin).
Each record gets a provisional TMP- code until 'h3 sync' uploads it.

Example file:
  table: bases
  scope: ROOT
  body:
    identifier: NORTH
    parent: BASE-2`,
	Args: cobra.NoArgs,
	Run:  runCreate,
}

var updateCmd = &cobra.Command{
	Use:   "update -f <file>",
	Short: "Queue changes to existing records from a YAML file",
	Long: `Queue updates read from a YAML file ("-" for stdin). Each document must
carry the code of an existing record; 'h3 show' prints a record in this format.`,
	Args: cobra.NoArgs,
	Run:  runUpdate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <table> <code>",
	Short: "Queue deletion of a record",
	Args:  cobra.ExactArgs(2),
	Run:   runDelete,
}

var showCmd = &cobra.Command{
	Use:   "show <table> <code>",
	Short: "Show a replicated record",
	Args:  cobra.ExactArgs(2),
	Run:   runShow,
}

var listCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List replicated records of one table",
	Args:  cobra.ExactArgs(1),
	Run:   runList,
}

var (
	createFile string
	updateFile string
	showRemote bool
)

func init() {
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "YAML file with the records")
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "YAML file with the records")
	createCmd.MarkFlagRequired("file")
	updateCmd.MarkFlagRequired("file")
	showCmd.Flags().BoolVar(&showRemote, "remote", false, "Fetch the authoritative copy from the server")
}

func runCreate(cmd *cobra.Command, args []string) {
	records, err := readRecords(createFile)
	if err != nil {
		exitError("failed to read %s: %v", createFile, err)
	}

	c := initSessionContext()
	defer c.Close()
	ctx := context.Background()

	green := color.New(color.FgGreen)
	for _, rec := range records {
		created, err := c.Engine.Create(ctx, rec)
		if err != nil {
			exitMutation(err)
		}
		green.Printf("created %s %s\n", created.Kind, created.Code)
	}
	fmt.Println("\nRun 'h3 sync' to upload.")
}

func runUpdate(cmd *cobra.Command, args []string) {
	records, err := readRecords(updateFile)
	if err != nil {
		exitError("failed to read %s: %v", updateFile, err)
	}

	c := initSessionContext()
	defer c.Close()
	ctx := context.Background()

	yellow := color.New(color.FgYellow)
	for _, rec := range records {
		if rec.Code == "" {
			exitError("update needs the code of the record to change")
		}
		updated, err := c.Engine.Update(ctx, rec)
		if err != nil {
			exitMutation(err)
		}
		yellow.Printf("updated %s %s\n", updated.Kind, updated.Code)
	}
}

func runDelete(cmd *cobra.Command, args []string) {
	kind, err := models.ParseKind(args[0])
	if err != nil {
		exitError("%v", err)
	}

	c := initSessionContext()
	defer c.Close()

	deleted, err := c.Engine.Delete(context.Background(), kind, args[1])
	if err != nil {
		exitMutation(err)
	}
	color.New(color.FgRed).Printf("deleted %s %s\n", deleted.Kind, deleted.Code)
}

// exitMutation reports a refused create, update or delete.
func exitMutation(err error) {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		exitError("%s %s rejected: %s", ve.Kind, ve.Code, ve.Reason)
	}
	exitError("%v", err)
}

func runShow(cmd *cobra.Command, args []string) {
	kind, err := models.ParseKind(args[0])
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	if showRemote {
		showAuthoritative(c, kind, args[1])
		return
	}

	row, err := c.Engine.Get(kind, args[1])
	if errors.Is(err, store.ErrNotFound) {
		exitError("%s %s not found", kind, args[1])
	}
	if err != nil {
		exitError("%v", err)
	}

	data, err := formatRecord(row.Record)
	if err != nil {
		exitError("%v", err)
	}
	if row.Provisional {
		color.New(color.FgCyan).Println("# provisional, not yet uploaded")
	}
	os.Stdout.Write(data)
}

func showAuthoritative(c *cmdContext, kind models.Kind, code string) {
	client := remote.NewHTTPClient(c.Config.RemoteURL, c.Config.Token)
	rec, err := client.GetRecord(context.Background(), kind, code)
	if errors.Is(err, remote.ErrRecordNotFound) {
		exitError("%s %s not found on the server", kind, code)
	}
	if err != nil {
		exitError("%v", err)
	}

	data, err := formatRecord(rec)
	if err != nil {
		exitError("%v", err)
	}
	os.Stdout.Write(data)
}

func runList(cmd *cobra.Command, args []string) {
	kind, err := models.ParseKind(args[0])
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	rows, err := c.Engine.List(kind)
	if err != nil {
		exitError("%v", err)
	}
	if len(rows) == 0 {
		fmt.Printf("No %s replicated\n", kind)
		return
	}

	cyan := color.New(color.FgCyan)
	for _, row := range rows {
		if row.Provisional {
			cyan.Printf("  %-32s", row.Record.Code)
		} else {
			fmt.Printf("  %-32s", row.Record.Code)
		}
		fmt.Printf("  %-10s  %s\n", row.Record.Scope, summary(row.Record))
	}
}
