package cli

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/charmbracelet/lipgloss"
)

var defaultStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#7D56F4"))

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F45E6E"))

var successStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6ef4a1ff"))

var infoStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#6EC4F4"))

var labelStyle = lipgloss.NewStyle().
	Bold(true).
	Width(12)

var addrStyle = lipgloss.NewStyle().
	Width(18)

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("#7D56F4")).
	Padding(0, 1)

func sprintfS(style string, format string, a ...any) string {
	text := fmt.Sprintf(format, a...)
	switch style {
	case "error":
		return errorStyle.Render(text)
	case "success":
		return successStyle.Render(text)
	case "info":
		return infoStyle.Render(text)
	default:
		return defaultStyle.Render(text)
	}
}

func stateStyle(s types.JobState) string {
	switch s {
	case types.StateSucceeded:
		return "success"
	case types.StateFailed:
		return "error"
	default:
		return "info"
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", ms)
}

// renderJob draws a job record as a bordered box.
func renderJob(job types.Job) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	name := job.Request.Name
	if name == "" {
		name = "-"
	}
	worker := job.Worker
	if worker == "" {
		worker = "-"
	}

	rows := []string{
		row("job", sprintfS("", "%d", job.ID)),
		row("name", name),
		row("state", sprintfS(stateStyle(job.State), "%s", job.State)),
		row("request", fmt.Sprintf("cpus=%d memory_mb=%d", job.Request.CPUs, job.Request.MemoryMB)),
		row("worker", worker),
		row("created", formatMillis(job.CreatedAt)),
		row("started", formatMillis(job.StartedAt)),
		row("finished", formatMillis(job.FinishedAt)),
	}
	out := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))

	if job.Output != "" {
		out += "\n" + labelStyle.Render("output") + "\n" + strings.TrimRight(job.Output, "\n")
	}
	return out
}

// renderWorkers draws one line per worker.
func renderWorkers(workers []types.Worker) string {
	if len(workers) == 0 {
		return sprintfS("info", "no workers registered")
	}

	var b strings.Builder
	b.WriteString(addrStyle.Render("address"))
	b.WriteString(fmt.Sprintf("%-7s %-6s %-10s %s\n", "port", "cpus", "memory_mb", "status"))
	for _, w := range workers {
		status := sprintfS("success", "idle")
		switch {
		case w.Offline:
			status = sprintfS("error", "offline")
		case w.Busy:
			status = sprintfS("info", "busy")
		}
		b.WriteString(addrStyle.Render(w.Address))
		b.WriteString(fmt.Sprintf("%-7d %-6d %-10d %s\n", w.Port, w.CPUs, w.MemoryCapacityMB, status))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderStats draws job counts by state.
func renderStats(s types.JobStats) string {
	rows := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("total"), fmt.Sprintf("%d", s.Total())),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("queued"), sprintfS("info", "%d", s.Queued)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("running"), sprintfS("info", "%d", s.Running)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("succeeded"), sprintfS("success", "%d", s.Succeeded)),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("failed"), sprintfS("error", "%d", s.Failed)),
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
