package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/output"
)

var (
	projectDescription string
	projectMemberRole  string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects and their members",
	Long:  "Create projects, list them, and manage which developers and testers work on them.",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectCreateRun(cmd.Context(), args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun(cmd.Context())
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show project details, counts and health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(cmd.Context(), args[0])
	},
}

var projectAddMemberCmd = &cobra.Command{
	Use:   "add-member <project> <username>",
	Short: "Add a developer or tester to a project (admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddMemberRun(cmd.Context(), args[0], args[1])
	},
}

var projectMembersCmd = &cobra.Command{
	Use:   "members <project>",
	Short: "List the developers and testers of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectMembersRun(cmd.Context(), args[0])
	},
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "Project description")
	projectMembersCmd.Flags().StringVar(&projectMemberRole, "role", "", "Only developers or testers")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectAddMemberCmd)
	projectCmd.AddCommand(projectMembersCmd)
	rootCmd.AddCommand(projectCmd)
}

func projectCreateRun(ctx context.Context, name string) error {
	p, err := getClient().CreateProject(ctx, strings.TrimSpace(name), projectDescription)
	if err != nil {
		return err
	}
	ui.Success("Created project %s", output.Cyan(p.Name))
	ui.VerboseLog("ID: %s", p.ID)
	return nil
}

func projectListRun(ctx context.Context) error {
	projects, err := getClient().ListProjects(ctx)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		ui.Info("No projects yet. An admin can create one with 'bugtrack project create <name>'.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Description", "Created"})
	for _, p := range projects {
		_ = table.Append([]string{
			shortID(p.ID),
			output.Cyan(p.Name),
			p.Description,
			timeAgo(p.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func projectShowRun(ctx context.Context, ref string) error {
	c := getClient()
	p, err := findProject(ctx, c, ref)
	if err != nil {
		return err
	}

	// Header
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.Name))
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", p.Description)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", timeAgo(p.CreatedAt))

	if devs, err := c.ProjectDevelopers(ctx, p.ID); err == nil {
		fmt.Fprintf(ui.Out, "  Developers: %s\n", joinUsernames(devs))
	}
	if testers, err := c.ProjectTesters(ctx, p.ID); err == nil {
		fmt.Fprintf(ui.Out, "  Testers:    %s\n", joinUsernames(testers))
	}

	sum, err := c.ProjectSummary(ctx, p.ID)
	if err != nil {
		return err
	}
	n := sum.Counts
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Bugs:       %d active, %d resolved, %d closed\n", n.Active, n.Resolved, n.Closed)
	if n.Breached > 0 {
		fmt.Fprintf(ui.Out, "  Breached:   %s\n", output.Red(fmt.Sprintf("%d", n.Breached)))
	}
	if n.AtRisk > 0 {
		fmt.Fprintf(ui.Out, "  At risk:    %s\n", output.Yellow(fmt.Sprintf("%d", n.AtRisk)))
	}
	if n.NeedsAttention > 0 {
		fmt.Fprintf(ui.Out, "  Attention:  %d flagged for reassignment\n", n.NeedsAttention)
	}
	fmt.Fprintf(ui.Out, "  Tasks:      %d open, %d closed\n", n.TasksOpen, n.TasksClosed)
	if sum.Health != nil {
		h := sum.Health
		fmt.Fprintf(ui.Out, "  Health:     %s (SLA %d/40, backlog %d/20, activity %d/20, response %d/20)\n",
			output.HealthColor(h.Total), h.SLACompliance, h.BacklogHealth, h.ActivityRecency, h.Responsiveness)
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", p.ID)
	return nil
}

func projectAddMemberRun(ctx context.Context, projectRef, userRef string) error {
	c := getClient()
	p, err := findProject(ctx, c, projectRef)
	if err != nil {
		return err
	}
	u, err := findUser(ctx, c, userRef)
	if err != nil {
		return err
	}
	if err := c.AddMember(ctx, p.ID, u.ID); err != nil {
		return err
	}
	ui.Success("Added %s %s to %s", roleLabel(u.Role), output.Cyan(u.Username), output.Cyan(p.Name))
	return nil
}

func projectMembersRun(ctx context.Context, ref string) error {
	c := getClient()
	p, err := findProject(ctx, c, ref)
	if err != nil {
		return err
	}

	var roles []models.Role
	switch strings.ToLower(projectMemberRole) {
	case "":
		roles = []models.Role{models.RoleDeveloper, models.RoleTester}
	case "developer", "developers", "dev":
		roles = []models.Role{models.RoleDeveloper}
	case "tester", "testers":
		roles = []models.Role{models.RoleTester}
	default:
		return fmt.Errorf("invalid role: %q (use: developer, tester)", projectMemberRole)
	}

	table := ui.Table([]string{"ID", "Username", "Role"})
	rows := 0
	for _, role := range roles {
		var members []models.UserRef
		if role == models.RoleDeveloper {
			members, err = c.ProjectDevelopers(ctx, p.ID)
		} else {
			members, err = c.ProjectTesters(ctx, p.ID)
		}
		if err != nil {
			return err
		}
		for _, m := range members {
			_ = table.Append([]string{shortID(m.ID), output.Cyan(m.Username), string(m.Role)})
			rows++
		}
	}
	if rows == 0 {
		ui.Info("No members in %s yet.", p.Name)
		return nil
	}
	_ = table.Render()
	return nil
}

func joinUsernames(users []models.UserRef) string {
	if len(users) == 0 {
		return "-"
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Username
	}
	return strings.Join(names, ", ")
}
