package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/bugtrack/internal/client"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/output"
)

var (
	taskProject     string
	taskTitle       string
	taskDescription string
	taskPriority    string
	taskImage       string
	taskNotes       string
	taskLogID       string
	taskOutput      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Hand verification tasks to testers",
	Long: `Developers create tasks, admins assign them to testers and the assigned
tester closes them. A closed task cannot change again.`,
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the tasks relevant to your role",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd.Context())
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task and its timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(cmd.Context(), args[0])
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task (developer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCreateRun(cmd.Context())
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <id> <tester>",
	Short: "Assign a task to a tester of its project (admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAssignRun(cmd.Context(), args[0], args[1])
	},
}

var taskCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "Close an assigned task (tester)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCloseRun(cmd.Context(), args[0])
	},
}

var taskImageCmd = &cobra.Command{
	Use:   "image <id>",
	Short: "Download the image attached to a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskImageRun(cmd.Context(), args[0])
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Project name or ID (required)")
	taskCreateCmd.Flags().StringVarP(&taskTitle, "title", "t", "", "Task title (required)")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "description", "d", "", "What to verify")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "MEDIUM", "Priority: low, medium, high, critical")
	taskCreateCmd.Flags().StringVar(&taskImage, "image", "", "Image to attach")

	taskCloseCmd.Flags().StringVarP(&taskNotes, "notes", "m", "", "Verification notes")
	taskCloseCmd.Flags().StringVar(&taskImage, "image", "", "Image to attach")

	taskImageCmd.Flags().StringVar(&taskLogID, "log", "", "Download the image of this log entry instead")
	taskImageCmd.Flags().StringVarP(&taskOutput, "output", "o", "", "Output file (default <id>.img)")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskAssignCmd)
	taskCmd.AddCommand(taskCloseCmd)
	taskCmd.AddCommand(taskImageCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskListRun(ctx context.Context) error {
	c := getClient()
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("No tasks found.")
		return nil
	}

	names := projectNames(ctx, c)
	table := ui.Table([]string{"ID", "Project", "Title", "Priority", "Status", "Creator", "Tester", "Created"})
	for _, t := range tasks {
		_ = table.Append([]string{
			shortID(t.ID),
			names[t.ProjectID],
			t.Title,
			output.PriorityColor(string(t.Priority)),
			output.StatusColor(string(t.Status)),
			username(t.CreatedBy),
			username(t.AssignedTo),
			timeAgo(t.CreatedAt),
		})
	}
	_ = table.Render()
	return nil
}

func taskShowRun(ctx context.Context, ref string) error {
	c := getClient()
	t, err := findTask(ctx, c, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(t.ID)), t.Title)
	fmt.Fprintf(ui.Out, "  Project:    %s\n", projectNames(ctx, c)[t.ProjectID])
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(string(t.Priority)))
	fmt.Fprintf(ui.Out, "  Creator:    %s\n", username(t.CreatedBy))
	fmt.Fprintf(ui.Out, "  Tester:     %s\n", username(t.AssignedTo))
	if t.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", t.Description)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.AssignedAt != nil {
		fmt.Fprintf(ui.Out, "  Assigned:   %s\n", t.AssignedAt.Format(time.RFC3339))
	}
	if t.ClosedAt != nil {
		fmt.Fprintf(ui.Out, "  Closed:     %s\n", t.ClosedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", t.ID)

	logs, err := c.TaskLogs(ctx, t.ID)
	if err != nil {
		return err
	}
	renderTimeline(logs)
	return nil
}

func taskCreateRun(ctx context.Context) error {
	c := getClient()
	if taskProject == "" {
		return &client.ValidationError{Message: "Please select a project."}
	}
	p, err := findProject(ctx, c, taskProject)
	if err != nil {
		return err
	}
	priority, err := models.ParsePriority(taskPriority)
	if err != nil {
		return &client.ValidationError{Message: "Please select a priority.", Err: err}
	}
	image, err := client.LoadAttachment(taskImage)
	if err != nil {
		return err
	}

	t, err := c.CreateTask(ctx, client.NewTask{
		ProjectID:   p.ID,
		Title:       taskTitle,
		Description: taskDescription,
		Priority:    priority,
		Image:       image,
	})
	if err != nil {
		return err
	}
	ui.Success("Created task %s: %s", output.Cyan(shortID(t.ID)), t.Title)
	return nil
}

func taskAssignRun(ctx context.Context, ref, testerRef string) error {
	c := getClient()
	t, err := findTask(ctx, c, ref)
	if err != nil {
		return err
	}
	tester, err := findMember(ctx, c, t.ProjectID, models.RoleTester, testerRef)
	if err != nil {
		return err
	}
	out, err := c.AssignTask(ctx, t, tester.ID)
	if err != nil {
		return err
	}
	ui.Success("Assigned task %s to %s", output.Cyan(shortID(out.ID)), username(out.AssignedTo))
	return nil
}

func taskCloseRun(ctx context.Context, ref string) error {
	c := getClient()
	t, err := findTask(ctx, c, ref)
	if err != nil {
		return err
	}
	image, err := client.LoadAttachment(taskImage)
	if err != nil {
		return err
	}
	out, err := c.CloseTask(ctx, t, taskNotes, image)
	if err != nil {
		return err
	}
	ui.Success("Closed task %s", output.Cyan(shortID(out.ID)))
	return nil
}

func taskImageRun(ctx context.Context, ref string) error {
	c := getClient()
	if taskLogID != "" {
		data, err := c.TaskLogImage(ctx, taskLogID)
		if err != nil {
			return err
		}
		return writeDownload(data, taskOutput, taskLogID)
	}
	t, err := findTask(ctx, c, ref)
	if err != nil {
		return err
	}
	if !t.HasImage {
		return fmt.Errorf("task %s has no image", shortID(t.ID))
	}
	data, err := c.TaskImage(ctx, t.ID)
	if err != nil {
		return err
	}
	return writeDownload(data, taskOutput, t.ID)
}
