package main

import (
	"context"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/untoldecay/kiln/internal/store"
	"github.com/untoldecay/kiln/internal/task"
)

var (
	taskAddRecordType string
	taskAddRecordID   int64
	taskAddHandler    string
	taskAddAfter      string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Enqueue and inspect pipeline tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enqueue a task (idempotent by record and handler)",
	Long: `Enqueue one pipeline task for a record. Re-running with the same
record and handler finds the existing task instead of creating a duplicate.

The --after flag accepts natural language ("in 2 hours", "tomorrow 9am");
the task stays invisible to workspace slots until that time passes.

Examples:
  kiln task add --record-type article --record-id 7 --handler article
  kiln task add --record-type article --record-id 7 --handler article --after "in 30 minutes"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if taskAddHandler == "" {
			return fmt.Errorf("--handler is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var notBefore string
		if taskAddAfter != "" {
			notBefore, err = parseAfter(taskAddAfter, time.Now())
			if err != nil {
				return err
			}
		}

		ctx := context.Background()
		tasks := store.NewCollection[task.Task](st, "task")
		var t *task.Task
		err = st.Transaction(ctx, func(ctx context.Context) error {
			t, err = tasks.FindOrCreateBy(ctx, map[string]any{
				"record_type": taskAddRecordType,
				"record_id":   taskAddRecordID,
				"handler":     taskAddHandler,
			}, nil)
			if err != nil {
				return err
			}
			if notBefore != "" {
				t, err = task.SetNotBefore(ctx, tasks, t, notBefore)
			}
			return err
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Task %d (%s) %s\n", t.ID, t.Handler, t.Status)
		if t.NotBefore != nil && *t.NotBefore != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Not before: %s\n", *t.NotBefore)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in creation order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx := context.Background()
		tasks := store.NewCollection[task.Task](st, "task")
		all, err := tasks.Where(nil).Order("created_at", false).All(ctx)
		if err != nil {
			return err
		}
		for _, t := range all {
			line := fmt.Sprintf("%d\t%s\t%s\tsteps=%d", t.ID, t.Handler, t.Status, len(t.CompletedSteps))
			if t.ErrorMessage != nil && *t.ErrorMessage != "" {
				line += "\t" + firstLine(*t.ErrorMessage)
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

// parseAfter turns a natural-language delay into an RFC3339 timestamp via
// olebedev/when's English and common rule sets.
func parseAfter(expr string, now time.Time) (string, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(expr, now)
	if err != nil {
		return "", fmt.Errorf("parse --after %q: %w", expr, err)
	}
	if r == nil {
		return "", fmt.Errorf("could not understand --after %q", expr)
	}
	return r.Time.UTC().Format(time.RFC3339), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAddRecordType, "record-type", "", "record type the task is bound to")
	taskAddCmd.Flags().Int64Var(&taskAddRecordID, "record-id", 0, "record id the task is bound to")
	taskAddCmd.Flags().StringVar(&taskAddHandler, "handler", "", "pipeline family handling the task")
	taskAddCmd.Flags().StringVar(&taskAddAfter, "after", "", "natural-language earliest start, e.g. \"in 2 hours\"")
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(taskCmd)
}
