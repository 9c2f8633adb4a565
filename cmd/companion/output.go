package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/companion"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// diag receives status lines and errors; command results go to stdout.
var diag io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(diag, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

var phaseLabels = map[companion.Phase]string{
	companion.PhaseIdle:                "not started",
	companion.PhaseAwaitingPhotos:      "waiting for photos",
	companion.PhaseTrainingImage:       "training likeness",
	companion.PhaseAwaitingVoice:       "waiting for voice sample",
	companion.PhaseTrainingVoice:       "training voice",
	companion.PhaseAwaitingPersonality: "waiting for personality",
	companion.PhaseCompleted:           "completed",
}

func phaseLabel(p companion.Phase) string {
	if l, ok := phaseLabels[p]; ok {
		return l
	}
	return string(p)
}

func statusColor(s companion.JobStatus) string {
	switch s {
	case companion.StatusCompleted:
		return colorGreen
	case companion.StatusDegraded:
		return colorYellow
	case companion.StatusFailed:
		return colorRed
	case companion.StatusCanceled:
		return colorDim
	}
	return colorCyan
}

// printWizard renders the wizard state and its checklist to w.
func printWizard(w io.Writer, v api.WizardView) {
	fmt.Fprintf(w, "%s %s (%s)\n", colorize(colorBold, "Session"), v.Wizard.SessionID, phaseLabel(v.Wizard.Phase))
	for _, item := range v.Checklist {
		fmt.Fprintf(w, "  - %s\n", item)
	}
	if v.Job != nil {
		printJob(w, *v.Job)
	}
	if v.Canceled > 0 {
		fmt.Fprintf(w, "  canceled %d job(s)\n", v.Canceled)
	}
}

func printJob(w io.Writer, j companion.Job) {
	status := colorize(statusColor(j.Status), string(j.Status))
	parts := []string{fmt.Sprintf("%s %s %s", j.ID, j.Type, status)}
	if j.CurrentTier != "" {
		parts = append(parts, "tier "+string(j.CurrentTier))
	}
	if j.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", j.Attempts))
	}
	if j.Error != "" {
		parts = append(parts, "error: "+j.Error)
	} else if j.Message != "" {
		parts = append(parts, j.Message)
	}
	fmt.Fprintf(w, "  job %s\n", strings.Join(parts, ", "))
}
