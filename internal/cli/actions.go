package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/core"
	"github.com/h3org/h3sync/internal/models"
	"github.com/spf13/cobra"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Show the actions the current contract may perform",
	Long: `List the actions granted to the current contract, followed by the
delegations handed to it that are in force today.`,
	Args: cobra.NoArgs,
	Run:  runActions,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the users working at the visible units",
	Args:  cobra.NoArgs,
	Run:   runUsers,
}

func runActions(cmd *cobra.Command, args []string) {
	c := initSessionContext()
	defer c.Close()

	grants, err := c.Engine.Actions()
	if err != nil {
		exitError("failed to read actions: %v", err)
	}
	if len(grants) == 0 {
		fmt.Printf("No actions granted to %s\n", c.Engine.CurrentContract().Code)
		return
	}

	faint := color.New(color.Faint)
	for _, g := range grants {
		fmt.Printf("  %-20s  %-24s", g.Action, actionTitle(c.Engine, g.Action))
		if g.Reach != "" {
			fmt.Printf("  reach %s", g.Reach)
		}
		if g.Maximum > 0 {
			fmt.Printf("  max %d", g.Maximum)
		}
		if g.DelegatedFrom != "" {
			faint.Printf("  delegated by %s", g.DelegatedFrom)
		}
		fmt.Println()
	}
}

func actionTitle(e *core.Engine, code string) string {
	row, err := e.Get(models.KindAction, code)
	if err != nil {
		return ""
	}
	return row.Record.Body.(*models.Action).Title
}

func runUsers(cmd *cobra.Command, args []string) {
	c := initSessionContext()
	defer c.Close()

	users, err := c.Engine.VisibleUsers()
	if err != nil {
		exitError("failed to read users: %v", err)
	}
	if len(users) == 0 {
		fmt.Println("No users visible")
		return
	}
	for _, u := range users {
		fmt.Printf("  %-20s  %s\n", u.Code, summary(u))
	}
}
