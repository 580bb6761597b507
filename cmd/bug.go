package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/output"
)

var (
	bugProject     string
	bugTitle       string
	bugDescription string
	bugPriority    string
	bugFilterPrio  string
	bugStatus      string
	bugImage       string
	bugNotes       string
	bugBreached    bool
	bugAssigned    bool
	bugDays        int
	bugOriginal    bool
	bugLogID       string
	bugOutput      string
)

var bugCmd = &cobra.Command{
	Use:   "bug",
	Short: "Report and work on bugs",
	Long: `Report, assign, resolve and verify bugs.

Every action is checked against your role and the bug's current state
before anything is sent to the server.`,
}

var bugListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List your active or breached bugs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugListRun(cmd.Context())
	},
}

var bugFilterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Filter bugs by status, project and priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugFilterRun(cmd.Context())
	},
}

var bugShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a bug, its breach timer and its timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugShowRun(cmd.Context(), args[0])
	},
}

var bugCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Report a bug (tester)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugCreateRun(cmd.Context())
	},
}

var bugAssignCmd = &cobra.Command{
	Use:   "assign <id> <developer>",
	Short: "Assign a bug to a developer of its project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugAssignRun(cmd.Context(), args[0], args[1])
	},
}

var bugStatusCmd = &cobra.Command{
	Use:   "status <id> <IN_PROGRESS|RESOLVED>",
	Short: "Move an assigned bug forward (developer)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugStatusRun(cmd.Context(), args[0], args[1])
	},
}

var bugCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close a resolved bug after verification (tester)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugCloseRun(cmd.Context(), args[0])
	},
}

var bugReassignCmd = &cobra.Command{
	Use:   "reassign <id> <developer>",
	Short: "Send a resolved bug back to a developer (tester)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugReassignRun(cmd.Context(), args[0], args[1])
	},
}

var bugReopenCmd = &cobra.Command{
	Use:   "reopen <id>",
	Short: "Reopen a resolved bug (tester)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugReopenRun(cmd.Context(), args[0])
	},
}

var bugRequestCmd = &cobra.Command{
	Use:   "request-reassignment <id>",
	Short: "Flag a bug for the attention of its developer (tester)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugRequestRun(cmd.Context(), args[0])
	},
}

var bugNoteCmd = &cobra.Command{
	Use:   "note <id> [text]",
	Short: "Add a note to an assigned bug (developer)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := bugNotes
		if len(args) == 2 {
			text = args[1]
		}
		return bugNoteRun(cmd.Context(), args[0], text)
	},
}

var bugImageCmd = &cobra.Command{
	Use:   "image <id>",
	Short: "Download the image of a bug or of one of its log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return bugImageRun(cmd.Context(), args[0])
	},
}

func init() {
	bugListCmd.Flags().BoolVar(&bugBreached, "breached", false, "Show breached bugs instead of active ones")
	bugListCmd.Flags().BoolVar(&bugAssigned, "assigned", false, "Only bugs assigned to you (developer)")
	bugListCmd.Flags().IntVar(&bugDays, "days", 0, "Only bugs reported in the last N days")

	bugFilterCmd.Flags().StringVar(&bugStatus, "status", "", "Status filter")
	bugFilterCmd.Flags().StringVarP(&bugProject, "project", "p", "", "Project name or ID")
	bugFilterCmd.Flags().StringVar(&bugFilterPrio, "priority", "", "Priority filter")

	bugCreateCmd.Flags().StringVarP(&bugProject, "project", "p", "", "Project name or ID (required)")
	bugCreateCmd.Flags().StringVarP(&bugTitle, "title", "t", "", "Bug title (required)")
	bugCreateCmd.Flags().StringVarP(&bugDescription, "description", "d", "", "Steps to reproduce")
	bugCreateCmd.Flags().StringVar(&bugPriority, "priority", "MEDIUM", "Priority: low, medium, high, critical")
	bugCreateCmd.Flags().StringVar(&bugImage, "image", "", "Screenshot to attach")

	for _, c := range []*cobra.Command{bugStatusCmd, bugCloseCmd, bugReassignCmd, bugReopenCmd, bugNoteCmd} {
		c.Flags().StringVarP(&bugNotes, "notes", "m", "", "Notes for the timeline")
		c.Flags().StringVar(&bugImage, "image", "", "Image to attach")
	}

	bugImageCmd.Flags().BoolVar(&bugOriginal, "original", false, "Download the image attached when the bug was reported")
	bugImageCmd.Flags().StringVar(&bugLogID, "log", "", "Download the image of this log entry instead")
	bugImageCmd.Flags().StringVarP(&bugOutput, "output", "o", "", "Output file (default <id>.img)")

	bugCmd.AddCommand(bugListCmd)
	bugCmd.AddCommand(bugFilterCmd)
	bugCmd.AddCommand(bugShowCmd)
	bugCmd.AddCommand(bugCreateCmd)
	bugCmd.AddCommand(bugAssignCmd)
	bugCmd.AddCommand(bugStatusCmd)
	bugCmd.AddCommand(bugCloseCmd)
	bugCmd.AddCommand(bugReassignCmd)
	bugCmd.AddCommand(bugReopenCmd)
	bugCmd.AddCommand(bugRequestCmd)
	bugCmd.AddCommand(bugNoteCmd)
	bugCmd.AddCommand(bugImageCmd)
	rootCmd.AddCommand(bugCmd)
}

func bugListRun(ctx context.Context) error {
	c := getClient()
	var (
		bugs []client.Bug
		err  error
	)
	if bugAssigned {
		bugs, err = c.AssignedBugs(ctx)
	} else {
		bugs, err = c.ListBugs(ctx, client.ListOptions{Breached: bugBreached, Days: bugDays})
	}
	if err != nil {
		return err
	}

	if len(bugs) == 0 {
		if bugBreached {
			ui.Info("No breached bugs.")
		} else {
			ui.Info("No active bugs.")
		}
		return nil
	}
	renderBugs(ctx, c, bugs)
	return nil
}

func bugFilterRun(ctx context.Context) error {
	c := getClient()
	opts := client.FilterOptions{}
	if bugStatus != "" {
		s, err := models.ParseBugStatus(bugStatus)
		if err != nil {
			return err
		}
		opts.Status = s
	}
	if bugFilterPrio != "" {
		p, err := models.ParsePriority(bugFilterPrio)
		if err != nil {
			return err
		}
		opts.Priority = p
	}
	if bugProject != "" {
		p, err := findProject(ctx, c, bugProject)
		if err != nil {
			return err
		}
		opts.ProjectID = p.ID
	}

	bugs, err := c.FilterBugs(ctx, opts)
	if err != nil {
		return err
	}
	if len(bugs) == 0 {
		ui.Info("No bugs found.")
		return nil
	}
	renderBugs(ctx, c, bugs)
	return nil
}

// renderBugs prints bugs with their breach timers and attention flags.
func renderBugs(ctx context.Context, c *client.Client, bugs []client.Bug) {
	names := projectNames(ctx, c)

	table := ui.Table([]string{"ID", "Project", "Title", "Priority", "Status", "Assignee", "Timer", "Flag"})
	for _, b := range bugs {
		_ = table.Append([]string{
			shortID(b.ID),
			names[b.ProjectID],
			b.Title,
			output.PriorityColor(string(b.Priority)),
			output.StatusColor(string(b.Status)),
			username(b.AssignedTo),
			output.StageColor(b.Stage, b.Remaining),
			output.AttentionMark(b.NeedsAttention),
		})
	}
	_ = table.Render()
}

func bugShowRun(ctx context.Context, ref string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}

	projName := projectNames(ctx, c)[b.ProjectID]

	fmt.Fprintf(ui.Out, "%s  %s %s\n", output.Cyan(shortID(b.ID)), b.Title, output.AttentionMark(b.NeedsAttention))
	fmt.Fprintf(ui.Out, "  Project:    %s\n", projName)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(b.Status)))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(string(b.Priority)))
	fmt.Fprintf(ui.Out, "  Timer:      %s\n", output.StageColor(b.Stage, b.Remaining))
	fmt.Fprintf(ui.Out, "  Reporter:   %s\n", username(b.CreatedBy))
	fmt.Fprintf(ui.Out, "  Assignee:   %s\n", username(b.AssignedTo))
	if b.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", b.Description)
	}
	if b.Resolution != "" {
		fmt.Fprintf(ui.Out, "  Resolution: %s\n", b.Resolution)
	}
	if b.HasImage {
		fmt.Fprintf(ui.Out, "  Image:      yes (bugtrack bug image %s)\n", shortID(b.ID))
	}
	fmt.Fprintf(ui.Out, "  Changed:    %s\n", timeAgo(b.LastStatusChange))
	fmt.Fprintf(ui.Out, "  Created:    %s\n", b.CreatedAt.Format(time.RFC3339))
	if len(b.Actions) > 0 {
		actions := make([]string, len(b.Actions))
		for i, a := range b.Actions {
			actions[i] = string(a)
		}
		fmt.Fprintf(ui.Out, "  Actions:    %s\n", strings.Join(actions, ", "))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", b.ID)

	logs, err := c.BugLogs(ctx, b.ID)
	if err != nil {
		return err
	}
	renderTimeline(logs)
	return nil
}

// renderTimeline prints log entries, newest first.
func renderTimeline(logs []client.LogEntry) {
	if len(logs) == 0 {
		return
	}
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, "  Timeline:")
	for _, l := range logs {
		line := fmt.Sprintf("    %-10s %-12s %s", timeAgo(l.Timestamp), output.StatusColor(l.Status), username(l.User))
		if l.Text != "" {
			line += ": " + l.Text
		}
		if l.HasImage {
			line += fmt.Sprintf(" [image %s]", shortID(l.ID))
		}
		fmt.Fprintln(ui.Out, line)
	}
}

func bugCreateRun(ctx context.Context) error {
	c := getClient()
	if bugProject == "" {
		return &client.ValidationError{Message: "Please select a project."}
	}
	p, err := findProject(ctx, c, bugProject)
	if err != nil {
		return err
	}
	priority, err := models.ParsePriority(bugPriority)
	if err != nil {
		return &client.ValidationError{Message: "Please select a priority.", Err: err}
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}

	b, err := c.CreateBug(ctx, client.NewBug{
		ProjectID:   p.ID,
		Title:       bugTitle,
		Description: bugDescription,
		Priority:    priority,
		Image:       image,
	})
	if err != nil {
		return err
	}
	ui.Success("Reported bug %s: %s", output.Cyan(shortID(b.ID)), b.Title)
	return nil
}

func bugAssignRun(ctx context.Context, ref, devRef string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	dev, err := findMember(ctx, c, b.ProjectID, models.RoleDeveloper, devRef)
	if err != nil {
		return err
	}
	out, err := c.AssignBug(ctx, b, dev.ID)
	if err != nil {
		return err
	}
	ui.Success("Assigned bug %s to %s", output.Cyan(shortID(out.ID)), username(out.AssignedTo))
	return nil
}

func bugStatusRun(ctx context.Context, ref, status string) error {
	c := getClient()
	to, err := models.ParseBugStatus(status)
	if err != nil {
		return &client.ValidationError{Message: "Please choose IN_PROGRESS or RESOLVED.", Err: err}
	}
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}
	out, err := c.UpdateStatus(ctx, b, to, bugNotes, image)
	if err != nil {
		return err
	}
	ui.Success("Bug %s is now %s", output.Cyan(shortID(out.ID)), output.StatusColor(string(out.Status)))
	return nil
}

func bugCloseRun(ctx context.Context, ref string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}
	out, err := c.CloseBug(ctx, b, bugNotes, image)
	if err != nil {
		return err
	}
	ui.Success("Closed bug %s", output.Cyan(shortID(out.ID)))
	return nil
}

func bugReassignRun(ctx context.Context, ref, devRef string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	dev, err := findMember(ctx, c, b.ProjectID, models.RoleDeveloper, devRef)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}
	out, err := c.ReassignBug(ctx, b, dev.ID, bugNotes, image)
	if err != nil {
		return err
	}
	ui.Success("Reassigned bug %s to %s", output.Cyan(shortID(out.ID)), username(out.AssignedTo))
	return nil
}

func bugReopenRun(ctx context.Context, ref string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}
	out, err := c.ReopenBug(ctx, b, bugNotes, image)
	if err != nil {
		return err
	}
	ui.Success("Reopened bug %s", output.Cyan(shortID(out.ID)))
	return nil
}

func bugRequestRun(ctx context.Context, ref string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	out, err := c.RequestReassignment(ctx, b)
	if err != nil {
		return err
	}
	ui.Success("Flagged bug %s for %s", output.Cyan(shortID(out.ID)), username(out.AssignedTo))
	return nil
}

func bugNoteRun(ctx context.Context, ref, text string) error {
	c := getClient()
	b, err := findBug(ctx, c, ref)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(bugImage)
	if err != nil {
		return err
	}
	if _, err := c.AddNote(ctx, b, text, image); err != nil {
		return err
	}
	ui.Success("Added note to bug %s", output.Cyan(shortID(b.ID)))
	return nil
}

func bugImageRun(ctx context.Context, ref string) error {
	c := getClient()
	var (
		data []byte
		name string
		err  error
	)
	if bugLogID != "" {
		data, err = c.BugLogImage(ctx, bugLogID)
		name = bugLogID
	} else {
		b, ferr := findBug(ctx, c, ref)
		if ferr != nil {
			return ferr
		}
		data, err = c.BugImage(ctx, b.ID, bugOriginal)
		name = b.ID
	}
	if err != nil {
		return err
	}
	return writeDownload(data, bugOutput, name)
}

// writeDownload saves data to path, or to <name>.img when path is empty.
func writeDownload(data []byte, path, name string) error {
	if path == "" {
		path = name + ".img"
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	ui.Success("Saved %d bytes to %s", len(data), path)
	return nil
}
