// Package report renders a sync report for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/schaermu/cardsync/internal/reconcile"
	"github.com/schaermu/cardsync/internal/sync"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	nameStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

// Render writes a human readable summary of r to w
func Render(w io.Writer, r *sync.Report) error {
	var b strings.Builder

	title := "Sync summary"
	if r.DryRun {
		title = "Status"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if r.Bootstrapped {
		note := "card manifest generated from the backup"
		if r.DryRun {
			note = "card has no manifest, baseline taken from the backup"
		}
		b.WriteString(faintStyle.Render("  " + note))
		b.WriteString("\n")
	}

	width := 0
	for _, res := range r.Results {
		if n := lipgloss.Width(res.Name); n > width {
			width = n
		}
	}

	for _, res := range r.Results {
		pad := strings.Repeat(" ", width-lipgloss.Width(res.Name))
		fmt.Fprintf(&b, "  %s%s  %s\n", nameStyle.Render(res.Name), pad, describe(res, r.DryRun))
	}

	if !r.DryRun {
		b.WriteString(footer(r))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func describe(res sync.DirResult, dryRun bool) string {
	if res.Err != nil {
		return errorStyle.Render("failed: " + res.Err.Error())
	}
	if dryRun {
		kind := string(res.State.Kind())
		switch res.State.Kind() {
		case reconcile.KindInSync, reconcile.KindNoBaseline:
			return faintStyle.Render(kind)
		case reconcile.KindDiverged:
			return pendingStyle.Render(kind)
		default:
			return changedStyle.Render(kind)
		}
	}

	switch res.Outcome {
	case reconcile.NoChange:
		return faintStyle.Render(res.Outcome.String())
	case reconcile.PendingManualResolution:
		return pendingStyle.Render(res.Outcome.String() + " (resolve manually)")
	default:
		return changedStyle.Render(res.Outcome.String())
	}
}

func footer(r *sync.Report) string {
	var b strings.Builder
	switch {
	case r.SnapshotErr != nil:
		b.WriteString(errorStyle.Render("backup snapshot failed, backup state may be inconsistent: " + r.SnapshotErr.Error()))
	case r.Snapshotted:
		b.WriteString(changedStyle.Render("backup snapshot committed"))
	default:
		b.WriteString(faintStyle.Render("backup unchanged"))
	}
	b.WriteString("\n")

	if failed := len(r.Failed()); failed > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d of %d directories failed", failed, len(r.Results))))
		b.WriteString("\n")
	}
	if r.Manifest != nil {
		b.WriteString(faintStyle.Render(fmt.Sprintf("manifest: %d entries", len(r.Manifest))))
		b.WriteString("\n")
	}
	return b.String()
}
