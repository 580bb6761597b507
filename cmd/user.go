package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/output"
	"github.com/joescharf/bugtrack/internal/tracker"
)

var (
	userRole     string
	userEmail    string
	userPassword string
	userLocal    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
	Long: `Create and list accounts. Requires an admin session, except
'user create --local', which writes straight to the local database and is
how the first admin is created.`,
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret(cmd.InOrStdin(), "Password: ", userPassword)
		if err != nil {
			return err
		}
		return userCreateRun(cmd.Context(), args[0], password)
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun(cmd.Context())
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userRole, "role", "", "Role: admin, developer or tester (required)")
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "E-mail address for notifications")
	userCreateCmd.Flags().StringVar(&userPassword, "password", os.Getenv("BUGTRACK_PASSWORD"), "Password (prompted when empty)")
	userCreateCmd.Flags().BoolVar(&userLocal, "local", false, "Write to the local database instead of the server")
	_ = userCreateCmd.MarkFlagRequired("role")

	userListCmd.Flags().StringVar(&userRole, "role", "", "Filter by role")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)
}

func userCreateRun(ctx context.Context, name, password string) error {
	role, err := models.ParseRole(userRole)
	if err != nil {
		return err
	}

	var u *models.User
	if userLocal {
		s, err := getStore()
		if err != nil {
			return err
		}
		svc := tracker.New(tracker.Options{Store: s})
		u, err = svc.CreateUser(ctx, tracker.CreateUserInput{
			Username: name,
			Email:    userEmail,
			Password: password,
			Role:     role,
		})
		if err != nil {
			return err
		}
	} else {
		u, err = getClient().CreateUser(ctx, client.NewUser{
			Username: name,
			Email:    userEmail,
			Password: password,
			Role:     role,
		})
		if err != nil {
			return err
		}
	}

	ui.Success("Created %s %s", roleLabel(u.Role), output.Cyan(u.Username))
	ui.VerboseLog("ID: %s", u.ID)
	return nil
}

func userListRun(ctx context.Context) error {
	var role models.Role
	if userRole != "" {
		r, err := models.ParseRole(userRole)
		if err != nil {
			return err
		}
		role = r
	}

	users, err := getClient().ListUsers(ctx, role)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		ui.Info("No users found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Username", "Role", "Email", "Created"})
	for _, u := range users {
		_ = table.Append([]string{
			shortID(u.ID),
			output.Cyan(u.Username),
			string(u.Role),
			u.Email,
			timeAgo(u.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func roleLabel(r models.Role) string {
	switch r {
	case models.RoleAdmin:
		return "admin"
	case models.RoleDeveloper:
		return "developer"
	case models.RoleTester:
		return "tester"
	}
	return fmt.Sprintf("user (%s)", r)
}
