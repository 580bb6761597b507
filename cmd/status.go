package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/dashboard"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/output"
)

var statusBreached bool

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show the project dashboard",
	Long: `Show a cross-project overview of bug counts, breaches and health.

Without arguments, shows a summary table of every project you can see.
With a project name, shows detailed status for that project.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return projectShowRun(cmd.Context(), args[0]) // reuse project show for detail
		}
		return statusOverviewRun(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusBreached, "breached", false, "Show only projects with breached bugs")
	rootCmd.AddCommand(statusCmd)
}

func statusOverviewRun(ctx context.Context) error {
	c := getClient()
	summaries, err := loadSummaries(ctx, c)
	if err != nil {
		return err
	}

	if len(summaries) == 0 {
		ui.Info("No projects yet. An admin can create one with 'bugtrack project create <name>'.")
		return nil
	}

	table := ui.Table([]string{"Project", "Active", "Breached", "At risk", "Resolved", "Attention", "Tasks", "Health"})
	rows := 0
	for _, s := range summaries {
		n := s.Counts
		if statusBreached && n.Breached == 0 {
			continue
		}

		breached := "-"
		if n.Breached > 0 {
			breached = output.Red(fmt.Sprintf("%d", n.Breached))
		}
		atRisk := "-"
		if n.AtRisk > 0 {
			atRisk = output.Yellow(fmt.Sprintf("%d", n.AtRisk))
		}
		attention := "-"
		if n.NeedsAttention > 0 {
			attention = output.Yellow(fmt.Sprintf("%d", n.NeedsAttention))
		}
		health := "n/a"
		if s.Health != nil {
			health = output.HealthColor(s.Health.Total)
		}

		_ = table.Append([]string{
			output.Cyan(s.Project.Name),
			fmt.Sprintf("%d", n.Active),
			breached,
			atRisk,
			fmt.Sprintf("%d", n.Resolved),
			attention,
			fmt.Sprintf("%d/%d", n.TasksOpen, n.TasksOpen+n.TasksClosed),
			health,
		})
		rows++
	}

	if rows == 0 {
		ui.Info("No breached bugs in any project.")
		return nil
	}
	_ = table.Render()
	return nil
}

// loadSummaries fetches the whole dashboard for admins and one summary per
// visible project for everyone else.
func loadSummaries(ctx context.Context, c *client.Client) ([]*dashboard.Summary, error) {
	if sess := c.Session(); sess != nil && sess.Role == models.RoleAdmin {
		return c.Dashboard(ctx)
	}
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]*dashboard.Summary, 0, len(projects))
	for _, p := range projects {
		s, err := c.ProjectSummary(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
