package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and the upload queue",
	Long:  `Show the logged-in user, the replication cursor and the locally queued changes.`,
	Run:   runStatus,
}

var statusAll bool

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include settled (MODIFIED and REJECTED) entries")
}

func runStatus(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := c.Engine.Resume(); err != nil {
		fmt.Println("Not logged in")
	} else {
		fmt.Printf("User %s, contract %s\n", c.Engine.User(), c.Engine.CurrentContract().Code)
	}

	cursor, err := c.Store.Cursor()
	if err != nil {
		exitError("failed to read cursor: %v", err)
	}
	fmt.Printf("Replicated up to journal serial %d\n", cursor)

	queue, err := c.Engine.Queue()
	if err != nil {
		exitError("failed to read queue: %v", err)
	}

	pending := 0
	for _, item := range queue {
		if item.Entry.Status == models.StatusUnsubmitted {
			pending++
		}
	}
	if pending == 0 && !statusAll {
		fmt.Println("\nNothing to upload")
		return
	}

	cyan := color.New(color.FgCyan)
	fmt.Println("\nQueued changes:")
	cyan.Println("  (use \"h3 sync\" to upload, \"h3 reject <serial>\" to drop a stuck entry)")
	fmt.Println()
	for _, item := range queue {
		if item.Entry.Status != models.StatusUnsubmitted && !statusAll {
			continue
		}
		printEntry(item, "        ")
	}

	fmt.Printf("\n%d pending\n", pending)
}

// printEntry prints one journal item with color coding
func printEntry(item *models.JournalItem, indent string) {
	c := entryColor(item.Entry)
	c.Printf("%s%6d  %-7s %s %s", indent, item.Entry.Serial, item.Entry.Type, item.Entry.Table, item.Entry.Key)
	if item.Entry.Status != models.StatusUnsubmitted && item.Entry.Status != models.StatusAccepted {
		fmt.Printf("  [%s]", item.Entry.Status)
	}
	fmt.Println()
}

func entryColor(e *models.JournalEntry) *color.Color {
	switch {
	case e.Status == models.StatusModified || e.Status == models.StatusRejected:
		return color.New(color.Faint)
	case e.Type == models.EntryCreate:
		return color.New(color.FgGreen)
	case e.Type == models.EntryUpdate:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgRed)
}
