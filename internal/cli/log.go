package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show replicated journal history",
	Long:  `Display the journal entries this replica has applied, newest first.`,
	Run:   runLog,
}

var (
	logOneline bool
	logLimit   int
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each entry on a single line")
	logCmd.Flags().IntVarP(&logLimit, "n", "n", 20, "Limit the number of entries to show (0 for all)")
}

func runLog(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	items, err := c.Engine.History(logLimit)
	if err != nil {
		exitError("failed to read history: %v", err)
	}

	if len(items) == 0 {
		fmt.Println("Nothing replicated yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, item := range items {
		e := item.Entry
		if logOneline {
			yellow.Printf("%d ", e.Serial)
			fmt.Printf("%s %s %s\n", e.Type, e.Table, e.Key)
			continue
		}
		yellow.Printf("entry %d\n", e.Serial)
		fmt.Printf("Origin: %s\n", e.Origin)
		fmt.Printf("Date:   %s\n", e.ProcessedTimestamp.Local().Format("Mon Jan 2 15:04:05 2006"))
		fmt.Printf("\n    %s %s %s", e.Type, e.Table, e.Key)
		if item.Record != nil {
			if s := summary(item.Record); s != "" {
				fmt.Printf(": %s", s)
			}
		}
		fmt.Print("\n\n")
	}
}
