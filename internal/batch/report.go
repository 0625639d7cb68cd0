package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/untoldecay/kiln/internal/costs"
	"github.com/untoldecay/kiln/internal/task"
)

// Report renders the deterministic, line-delimited run report of spec.md
// §4.G. Every line is stable for a given store state, so tests assert on the
// exact text.
func (b *Batch) Report(ctx context.Context) (string, error) {
	tasks, err := b.proc.Tasks().All(ctx)
	if err != nil {
		return "", fmt.Errorf("batch: load tasks for report: %w", err)
	}

	cost := costs.Cost{}
	if b.costs != nil {
		project, run := "", ""
		if b.session != nil {
			project, run = b.session.Config().Project, b.session.Config().RunID
		}
		if cost, err = b.costs.Cost(ctx, project, run); err != nil {
			return "", fmt.Errorf("batch: cost rollup for report: %w", err)
		}
	}

	return RenderReport(tasks, len(b.workspaces), cost), nil
}

// RenderReport builds the report text from already-loaded inputs; shared
// with the CLI's report command, which has a store but no assembled Batch.
func RenderReport(tasks []*task.Task, worktrees int, cost costs.Cost) string {
	var done, pending, failed int
	var failedMessages []string
	for _, t := range tasks {
		switch {
		case t.Done():
			done++
		case t.Failed():
			failed++
			if len(failedMessages) < 3 {
				msg := ""
				if t.ErrorMessage != nil {
					msg = *t.ErrorMessage
				}
				failedMessages = append(failedMessages, msg)
			}
		default:
			pending++
		}
	}

	n := len(tasks)
	span := taskSpan(tasks)

	var out strings.Builder
	fmt.Fprintf(&out, "Total: %d\n", n)
	fmt.Fprintf(&out, "Succeeded: %d\n", done)
	fmt.Fprintf(&out, "Pending: %d\n", pending)
	fmt.Fprintf(&out, "Failed: %d\n", failed)
	if n > 0 {
		h := int(span.Hours())
		m := int(span.Minutes()) % 60
		s := int(span.Seconds()) % 60
		fmt.Fprintf(&out, "Time: %d hrs, %d mins, %d secs\n", h, m, s)
	}
	fmt.Fprintf(&out, "Worktrees: %d\n", worktrees)
	fmt.Fprintf(&out, "Run cost: $%.2f\n", cost.Run)
	fmt.Fprintf(&out, "Project total cost: $%.2f\n", cost.Project)
	if n > 0 {
		fmt.Fprintf(&out, "Cost per task: $%.2f\n", cost.Run*float64(worktrees)/float64(n))
		if worktrees > 0 {
			fmt.Fprintf(&out, "Minutes per task: %.2f\n", span.Minutes()/float64(worktrees)/float64(n))
		}
	}

	fmt.Fprintf(&out, "\nFirst %d failed task(s):\n", len(failedMessages))
	for _, msg := range failedMessages {
		fmt.Fprintf(&out, "- %s\n", msg)
	}
	return out.String()
}

// taskSpan is max(updated_at) - min(created_at) across tasks, the report's
// wall-clock window.
func taskSpan(tasks []*task.Task) time.Duration {
	var earliest, latest time.Time
	for _, t := range tasks {
		if created, err := parseTimestamp(t.CreatedAt); err == nil {
			if earliest.IsZero() || created.Before(earliest) {
				earliest = created
			}
		}
		if updated, err := parseTimestamp(t.UpdatedAt); err == nil {
			if updated.After(latest) {
				latest = updated
			}
		}
	}
	if earliest.IsZero() || latest.Before(earliest) {
		return 0
	}
	return latest.Sub(earliest)
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

var summaryTitle = lipgloss.NewStyle().Bold(true)

// Summary renders the same data as Report as terminal markdown through
// glamour — a presentation convenience for interactive CLI use; Report
// remains the canonical deterministic string.
func (b *Batch) Summary(ctx context.Context) (string, error) {
	report, err := b.Report(ctx)
	if err != nil {
		return "", err
	}

	var md strings.Builder
	md.WriteString("# Batch run\n\n")
	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")
	for _, line := range lines {
		if line == "" {
			md.WriteString("\n")
			continue
		}
		if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "First ") {
			md.WriteString(line + "\n")
			continue
		}
		md.WriteString("- **" + strings.Replace(line, ": ", ":** ", 1) + "\n")
	}

	rendered, err := glamour.Render(md.String(), "auto")
	if err != nil {
		return "", fmt.Errorf("batch: render summary: %w", err)
	}
	return summaryTitle.Render("kiln batch") + "\n" + rendered, nil
}
