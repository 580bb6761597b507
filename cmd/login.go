package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/output"
)

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in to a bugtrack server",
	Long: `Log in and store the session locally. The role stored with the session
decides which actions the CLI offers before anything is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd.InOrStdin(), "Password: ", loginPassword)
		if err != nil {
			return err
		}
		return loginRun(cmd.Context(), args[0], password)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return logoutRun()
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return whoamiRun(cmd.Context())
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", os.Getenv("BUGTRACK_PASSWORD"), "Password (prompted when empty)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

func loginRun(ctx context.Context, name, password string) error {
	c := client.New(resolveServerURL(nil), nil)
	sess, err := c.Login(ctx, name, password)
	if err != nil {
		return err
	}
	if err := sess.Save(sessionPath()); err != nil {
		return err
	}
	ui.Success("Logged in as %s (%s) at %s", output.Cyan(sess.Username), roleLabel(sess.Role), sess.ServerURL)
	return nil
}

func logoutRun() error {
	if err := client.ClearSession(sessionPath()); err != nil {
		return err
	}
	ui.Success("Logged out")
	return nil
}

func whoamiRun(ctx context.Context) error {
	c := getClient()
	sess := c.Session()
	if !sess.Valid(time.Now()) {
		return client.ErrNoSession
	}
	u, err := c.Me(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(u.Username), roleLabel(u.Role))
	if u.Email != "" {
		fmt.Fprintf(ui.Out, "  Email:      %s\n", u.Email)
	}
	fmt.Fprintf(ui.Out, "  Server:     %s\n", sess.ServerURL)
	if !sess.ExpiresAt.IsZero() {
		fmt.Fprintf(ui.Out, "  Expires:    %s\n", sess.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", u.ID)
	return nil
}
