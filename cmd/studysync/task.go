package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mkarlsson/studysync/internal/task"
	"github.com/mkarlsson/studysync/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage study tasks",
}

var (
	addSubject  string
	addDue      string
	addReminder string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Long: `Add a study task to the local database.

Due dates and reminders accept natural language:

  studysync task add "Lab report" --subject Physics --due "next friday"
  studysync task add "Read ch. 4" --remind "tomorrow at 18:00"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		t := task.Task{
			Title:     args[0],
			Subject:   addSubject,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			OwnerID:   cfg.Owner,
		}

		if addDue != "" {
			due, err := parseWhen(addDue)
			if err != nil {
				return fmt.Errorf("could not understand due date %q", addDue)
			}
			t.DueDate = due.Format("2006-01-02")
		}
		if addReminder != "" {
			remind, err := parseWhen(addReminder)
			if err != nil {
				return fmt.Errorf("could not understand reminder %q", addReminder)
			}
			t.ReminderAt = remind.Format(time.RFC3339)
		}

		id, err := store.Insert(context.Background(), t)
		if err != nil {
			return fmt.Errorf("failed to add task: %w", err)
		}

		fmt.Printf("%s Added task %d: %s\n", ui.RenderPass("✓"), id, t.Title)
		if t.DueDate != "" {
			fmt.Printf("   Due: %s\n", t.DueDate)
		}
		return nil
	},
}

var listAll bool

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListByOwner(context.Background(), cfg.Owner)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		shown := 0
		for _, t := range tasks {
			if t.IsCompleted && !listAll {
				continue
			}
			shown++
			fmt.Println(formatTask(t))
		}
		if shown == 0 {
			fmt.Println(ui.RenderMuted("No tasks. Add one with 'studysync task add'."))
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		t, err := store.GetByID(ctx, cfg.Owner, id)
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("task %d not found", id)
		}

		t.IsCompleted = true
		if err := store.Update(ctx, *t); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		fmt.Printf("%s Completed: %s\n", ui.RenderPass("✓"), t.Title)
		return nil
	},
}

// parseWhen parses natural language like "next friday" or a plain date.
func parseWhen(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		// Fall back to explicit formats.
		for _, layout := range []string{"2006-01-02", "2006-01-02 15:04"} {
			if ts, err := time.ParseInLocation(layout, text, time.Local); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date %q", text)
	}
	return r.Time, nil
}

func formatTask(t task.Task) string {
	box := "[ ]"
	title := t.Title
	if t.IsCompleted {
		box = ui.RenderPass("[x]")
		title = ui.RenderMuted(title)
	}

	line := fmt.Sprintf("%s %3d  %s", box, t.ID, title)
	if t.Subject != "" {
		line += "  " + ui.RenderAccent(t.Subject)
	}
	if t.DueDate != "" {
		due := "due " + t.DueDate
		if overdue(t) {
			due = ui.RenderWarn(due)
		} else {
			due = ui.RenderMuted(due)
		}
		line += "  " + due
	}
	return line
}

func overdue(t task.Task) bool {
	if t.IsCompleted || t.DueDate == "" {
		return false
	}
	due, err := time.ParseInLocation("2006-01-02", t.DueDate, time.Local)
	if err != nil {
		return false
	}
	return due.Before(time.Now().Truncate(24 * time.Hour))
}

func init() {
	taskAddCmd.Flags().StringVarP(&addSubject, "subject", "s", "", "subject or course name")
	taskAddCmd.Flags().StringVarP(&addDue, "due", "d", "", "due date (natural language or YYYY-MM-DD)")
	taskAddCmd.Flags().StringVarP(&addReminder, "remind", "r", "", "reminder time")
	taskListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include completed tasks")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskDoneCmd)
	rootCmd.AddCommand(taskCmd)
}
