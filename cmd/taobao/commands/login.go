package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Opens the Taobao home page and waits for you to log in. The session is kept in the browser profile.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "Log in within %s in the browser window...\n", cfg.Auth.LoginTimeout)

		result, status, err := e.Login(cmd.Context())
		if err != nil {
			return fmt.Errorf("login %s: %w", result, err)
		}

		name := ""
		if status != nil {
			name = status.Username
			if name == "" {
				name = status.Nick
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in (%s) as %q\n", result, name)
		return nil
	},
}
