package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/pkg/models"
)

func statusLabel(s models.WorkItemStatus) string {
	label := fmt.Sprintf("%-8s", s)
	switch s {
	case models.WorkItemStatusDone:
		return color.GreenString(label)
	case models.WorkItemStatusFailed:
		return color.RedString(label)
	case models.WorkItemStatusRunning:
		return color.BlueString(label)
	case models.WorkItemStatusReady:
		return color.CyanString(label)
	default:
		return color.YellowString(label)
	}
}

func modeLabel(m models.ExecutionMode) string {
	label := fmt.Sprintf("%-8s", m)
	switch m {
	case models.ModeDirect:
		return color.GreenString(label)
	case models.ModeAssisted:
		return color.YellowString(label)
	default:
		return color.RedString(label)
	}
}

func breakerLabel(s breaker.State) string {
	label := fmt.Sprintf("%-9s", s)
	switch s {
	case breaker.Closed:
		return color.GreenString(label)
	case breaker.HalfOpen:
		return color.YellowString(label)
	default:
		return color.RedString(label)
	}
}

// shortID trims a uuid to its first block for tables.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// formatAge formats how long ago t was in a human-readable way.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printItems(w io.Writer, items []*models.WorkItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No work items.")
		return
	}
	fmt.Fprintf(w, "%-8s  %-8s  %8s  %-12s  %-10s  %s\n", "ID", "STATUS", "PRIORITY", "AGENT", "CREATED", "DESCRIPTION")
	for _, it := range items {
		fmt.Fprintf(w, "%-8s  %s  %8.1f  %-12s  %-10s  %s\n",
			shortID(it.ID), statusLabel(it.Status), it.Priority, it.Agent, formatAge(it.CreatedAt), it.Description)
	}
}

func printItem(w io.Writer, it *models.WorkItem, decisions []models.ExecutionDecision) {
	fmt.Fprintf(w, "Work item %s\n", it.ID)
	fmt.Fprintf(w, "  Description: %s\n", it.Description)
	fmt.Fprintf(w, "  Status:      %s\n", statusLabel(it.Status))
	if it.Action != "" || it.Agent != "" {
		fmt.Fprintf(w, "  Action:      %s (agent %s)\n", it.Action, it.Agent)
	}
	if len(it.DependsOn) > 0 {
		fmt.Fprintf(w, "  Depends on:  %s\n", strings.Join(it.DependsOn, ", "))
	}
	fmt.Fprintf(w, "  Created:     %s\n", formatAge(it.CreatedAt))
	if it.Error != "" {
		fmt.Fprintf(w, "  Error:       %s\n", color.RedString(it.Error))
	}

	if len(decisions) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Decisions:")
	for _, d := range decisions {
		fmt.Fprintf(w, "  %s  %s  %.2f", d.DecidedAt.Format(time.RFC3339), modeLabel(d.Mode), d.Confidence)
		if len(d.OverridesApplied) > 0 {
			fmt.Fprintf(w, "  [%s]", strings.Join(d.OverridesApplied, ", "))
		}
		fmt.Fprintln(w)
	}
}

func printBreakers(w io.Writer, snaps []breaker.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No breakers recorded yet.")
		return
	}
	fmt.Fprintf(w, "%-24s  %-9s  %8s  %-12s  %s\n", "COLLABORATOR", "STATE", "FAILURES", "LAST FAILURE", "LAST SUCCESS")
	for _, s := range snaps {
		fmt.Fprintf(w, "%-24s  %s  %8d  %-12s  %s\n",
			s.Key, breakerLabel(s.State), s.ConsecutiveFailures, formatAge(s.LastFailureAt), formatAge(s.LastSuccessAt))
	}
}
