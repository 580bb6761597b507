package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/store"
)

var (
	exportFormat  string
	exportType    string
	exportProject string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data as JSON, CSV, or Markdown",
	Long: `Export bugs, tasks, or projects from the local database in various formats.
Bug exports include the breach stage and remaining time at the moment of export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun(cmd.Context())
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().StringVar(&exportType, "type", "bugs", "Data type: bugs, tasks, projects")
	exportCmd.Flags().StringVarP(&exportProject, "project", "p", "", "Only this project (name or ID)")
	rootCmd.AddCommand(exportCmd)
}

func exportRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	projectID := ""
	if exportProject != "" {
		p, err := s.GetProjectByName(ctx, exportProject)
		if err != nil {
			p, err = s.GetProject(ctx, exportProject)
			if err != nil {
				return fmt.Errorf("project not found: %s", exportProject)
			}
		}
		projectID = p.ID
	}

	switch exportType {
	case "bugs":
		policy, err := breachPolicy()
		if err != nil {
			return err
		}
		return exportBugs(ctx, s, policy, projectID)
	case "tasks":
		return exportTasks(ctx, s, projectID)
	case "projects":
		return exportProjects(ctx, s)
	default:
		return fmt.Errorf("unknown export type: %s (use: bugs, tasks, projects)", exportType)
	}
}

// bugRow is one exported bug with its breach state.
type bugRow struct {
	*models.Bug
	Stage     breach.Stage `json:"stage"`
	Remaining string       `json:"remaining"`
}

func exportBugs(ctx context.Context, s store.Store, policy breach.Policy, projectID string) error {
	bugs, err := s.ListBugs(ctx, store.BugListFilter{ProjectID: projectID})
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]bugRow, len(bugs))
	for i, b := range bugs {
		a := policy.Evaluate(b, now)
		rows[i] = bugRow{Bug: b, Stage: a.Stage, Remaining: breach.FormatRemaining(a)}
	}

	switch exportFormat {
	case "json":
		return writeJSON(rows)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "ProjectID", "Title", "Status", "Priority", "Reporter", "Assignee", "Stage", "Remaining", "NeedsAttention", "Created"})
		for _, r := range rows {
			_ = w.Write([]string{
				r.ID, r.ProjectID, r.Title, string(r.Status), string(r.Priority),
				refName(r.CreatedBy), refName(r.AssignedTo), r.Stage.String(), r.Remaining,
				fmt.Sprintf("%t", r.NeedsAttention), r.CreatedAt.Format(time.RFC3339),
			})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Bugs")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Title | Status | Priority | Assignee | Timer |")
		fmt.Fprintln(ui.Out, "|-------|--------|----------|----------|-------|")
		for _, r := range rows {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s | %s |\n",
				mdEscape(r.Title), r.Status, r.Priority, refName(r.AssignedTo), r.Remaining)
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", exportFormat)
	}
}

func exportTasks(ctx context.Context, s store.Store, projectID string) error {
	tasks, err := s.ListTasks(ctx, store.TaskListFilter{ProjectID: projectID})
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		return writeJSON(tasks)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "ProjectID", "Title", "Status", "Priority", "Creator", "Tester", "Created"})
		for _, t := range tasks {
			_ = w.Write([]string{
				t.ID, t.ProjectID, t.Title, string(t.Status), string(t.Priority),
				refName(t.CreatedBy), refName(t.AssignedTo), t.CreatedAt.Format(time.RFC3339),
			})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Tasks")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Title | Status | Priority | Tester |")
		fmt.Fprintln(ui.Out, "|-------|--------|----------|--------|")
		for _, t := range tasks {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s |\n", mdEscape(t.Title), t.Status, t.Priority, refName(t.AssignedTo))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", exportFormat)
	}
}

func exportProjects(ctx context.Context, s store.Store) error {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}

	switch exportFormat {
	case "json":
		return writeJSON(projects)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Name", "Description", "Created"})
		for _, p := range projects {
			_ = w.Write([]string{p.ID, p.Name, p.Description, p.CreatedAt.Format("2006-01-02")})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Projects")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Name | Description |")
		fmt.Fprintln(ui.Out, "|------|-------------|")
		for _, p := range projects {
			fmt.Fprintf(ui.Out, "| %s | %s |\n", mdEscape(p.Name), mdEscape(p.Description))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", exportFormat)
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// refName is the username of r, or empty for nobody.
func refName(r *models.UserRef) string {
	if r == nil {
		return ""
	}
	return r.Username
}

func mdEscape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
