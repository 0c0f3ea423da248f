package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/h3org/h3sync/internal/config"
	"github.com/h3org/h3sync/internal/models"
	"github.com/h3org/h3sync/internal/store"
	"github.com/spf13/cobra"
)

var completionScripts = map[string]func(io.Writer) error{
	"bash":       func(w io.Writer) error { return rootCmd.GenBashCompletionV2(w, true) },
	"zsh":        func(w io.Writer) error { return rootCmd.GenZshCompletion(w) },
	"fish":       func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) },
	"powershell": func(w io.Writer) error { return rootCmd.GenPowerShellCompletionWithDesc(w) },
}

var completionCmd = &cobra.Command{
	Use:   "completion <bash|zsh|fish|powershell>",
	Short: "Generate shell completion script",
	Long: `Print a completion script for h3. Table names and, inside a replica,
record codes complete for delete, show and list.

  source <(h3 completion bash)
  h3 completion zsh > "${fpath[1]}/_h3"
  h3 completion fish > ~/.config/fish/completions/h3.fish
  h3 completion powershell | Out-String | Invoke-Expression`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	Run: func(_ *cobra.Command, args []string) {
		if err := completionScripts[args[0]](os.Stdout); err != nil {
			exitError("generate %s completion: %v", args[0], err)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	deleteCmd.ValidArgsFunction = completeRecordArgs
	showCmd.ValidArgsFunction = completeRecordArgs
	listCmd.ValidArgsFunction = completeRecordArgs
}

// completeRecordArgs completes "<table> [code]". Codes are read from the
// replica in the current directory; outside one only tables complete.
func completeRecordArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	switch {
	case len(args) == 0:
		return completeTables(toComplete), cobra.ShellCompDirectiveNoFileComp
	case len(args) == 1 && cmd != listCmd:
		kind, err := models.ParseKind(args[0])
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return completeCodes(kind, toComplete), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func completeTables(prefix string) []string {
	var out []string
	for _, k := range models.Kinds {
		if strings.HasPrefix(string(k), prefix) {
			out = append(out, string(k))
		}
	}
	return out
}

func completeCodes(kind models.Kind, prefix string) []string {
	cfg, err := config.Load()
	if err != nil {
		return nil
	}
	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil
	}
	defer st.Close()

	rows, err := st.ListRecords(kind)
	if err != nil {
		return nil
	}
	var out []string
	for _, row := range rows {
		if strings.HasPrefix(row.Record.Code, prefix) {
			out = append(out, fmt.Sprintf("%s\t%s", row.Record.Code, summary(row.Record)))
		}
	}
	return out
}
