package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/h3org/h3sync/internal/core"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login [user-code]",
	Short: "Start a session and download the visible data",
	Long: `Start a session on this replica.

With --login the password is checked against the replicated user record
(read from --password, H3_PASSWORD, or stdin). Passing a user code logs in
as that user directly; the server token is the only credential then.

Examples:
  h3 login --login root
  h3 login USER-12`,
	Args: cobra.MaximumNArgs(1),
	Run:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session; replicated data stays",
	Args:  cobra.NoArgs,
	Run:   runLogout,
}

var (
	loginName     string
	loginPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginName, "login", "", "Login name")
	loginCmd.Flags().StringVar(&loginPassword, "password", envOrDefault("H3_PASSWORD", ""), "Password (env: H3_PASSWORD)")
}

func runLogin(cmd *cobra.Command, args []string) {
	if (loginName == "") == (len(args) == 0) {
		exitError("give either a user code or --login")
	}

	c := initContext()
	defer c.Close()
	ctx := context.Background()

	user := ""
	if loginName != "" {
		password := loginPassword
		if password == "" {
			password = readPassword()
		}
		code, err := c.Engine.Authenticate(ctx, loginName, password)
		if err != nil {
			exitLogin(err)
		}
		user = code
	} else {
		user = args[0]
		if err := c.Engine.Login(ctx, user); err != nil {
			exitLogin(err)
		}
	}

	c.Config.User = user
	if err := c.Config.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}

	contract := c.Engine.CurrentContract()
	vis := c.Engine.Visibility()
	green := color.New(color.FgGreen)
	green.Printf("Logged in as %s\n", user)
	fmt.Printf("Contract: %s\n", contract.Code)
	fmt.Printf("Scopes:   %s\n", strings.Join(vis.Scopes, ", "))
}

func exitLogin(err error) {
	switch {
	case errors.Is(err, core.ErrBadCredentials):
		exitError("login failed: %v", err)
	case errors.Is(err, core.ErrNoContract):
		exitError("login failed: no contract in force today")
	}
	exitError("login failed: %v", err)
}

func readPassword() string {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		exitError("failed to read password: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func runLogout(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := c.Engine.Logout(); err != nil {
		exitError("%v", err)
	}
	c.Config.User = ""
	if err := c.Config.Save(); err != nil {
		exitError("failed to save config: %v", err)
	}
	fmt.Println("Logged out")
}
