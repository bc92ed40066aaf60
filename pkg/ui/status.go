/*
Package ui renders service state for terminals.
*/
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/theapemachine/ctxsync/pkg/service"
)

/*
RenderStatus lays out a health report and a metrics report as two panels,
followed by one line per project.
*/
func RenderStatus(health service.HealthReport, report service.MetricsReport) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + valueStyle.Render(value)
	}

	healthPanel := panelStyle.Render(strings.Join([]string{
		headerStyle.Render("Health"),
		labelStyle.Render("Status") + statusStyle(string(health.Status)).Render(string(health.Status)),
		row("Contexts", fmt.Sprint(health.ActiveContexts)),
		row("Connections", fmt.Sprint(health.Connections)),
		row("Memory pressure", percent(health.MemoryPressure)),
		row("Load pressure", percent(health.LoadPressure)),
	}, "\n"))

	metricsPanel := panelStyle.Render(strings.Join([]string{
		headerStyle.Render("Traffic"),
		row("Requests", fmt.Sprint(report.TotalRequests)),
		row("Updates", fmt.Sprint(report.ContextUpdates)),
		row("Tokens saved", fmt.Sprint(report.TokensSaved)),
		row("Cache hits", fmt.Sprint(report.CacheHits)),
		row("Broadcasts", fmt.Sprint(report.Broadcasts)),
		row("Dropped streams", fmt.Sprint(report.DroppedConnections)),
		row("Memory", fmt.Sprintf("%s / %s", humanBytes(report.MemoryBytes), humanBytes(report.MaxMemoryBytes))),
		row("Evictions", fmt.Sprint(report.Evictions)),
	}, "\n"))

	out := lipgloss.JoinHorizontal(lipgloss.Top, healthPanel, " ", metricsPanel)

	if len(report.Projects) == 0 {
		return out + "\n" + mutedStyle.Render("no active contexts") + "\n"
	}

	lines := []string{headerStyle.Render("Projects")}

	for _, project := range report.Projects {
		lines = append(lines, fmt.Sprintf(
			"%s v%d  %s  %d subscribers  %d tokens saved",
			labelStyle.Render(project.ProjectID),
			project.Version,
			humanBytes(project.SizeBytes),
			project.Subscribers,
			project.TokensSaved,
		))
	}

	return out + "\n" + panelStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func percent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

func humanBytes(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0

	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
