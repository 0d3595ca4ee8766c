package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	capacity, running, queued, pending, healthy := m.counts()
	header := fmt.Sprintf(" task-orch │ Workers: %d/%d ready │ Running: %d/%d │ Queued: %d │ Pending webhooks: %d ",
		healthy, len(m.snapshot.Workers), running, capacity, queued, pending)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabDashboard:
		section = m.renderWorkers() + "\n\n" + m.renderRunning()
	case TabTasks:
		section = m.renderTasks()
	case TabLogs:
		section = m.renderLogs()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.fetchErr != nil {
		b.WriteString(errorStyle.Width(m.width).Render(" Refresh failed: " + m.fetchErr.Error()))
		b.WriteString("\n")
	}

	var statusBar string
	switch m.activeTab {
	case TabTasks:
		statusBar = fmt.Sprintf(" [tab]switch [j/k]navigate [enter]logs [f]ilter (%s) [r]efresh [q]uit ", filterLabel(statusFilters[m.filter]))
	case TabLogs:
		statusBar = " [tab]switch [j/k]scroll [esc]back [r]eload [q]uit "
	default:
		statusBar = " [tab]switch [t]asks [r]efresh [q]uit "
	}
	if !m.snapshot.FetchedAt.IsZero() {
		statusBar += "│ updated " + humanize.RelTime(m.snapshot.FetchedAt, m.now(), "ago", "from now") + " "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Tasks", "Logs"}
	var parts []string
	for i, t := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(t))
		} else {
			parts = append(parts, tabInactiveStyle.Render(t))
		}
	}
	return " " + strings.Join(parts, "  ")
}

func (m Model) renderWorkers() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("WORKERS"))
	b.WriteString("\n")

	if len(m.snapshot.Workers) == 0 {
		b.WriteString(dimmedStyle.Render("  No workers configured"))
		return b.String()
	}

	for _, w := range m.snapshot.Workers {
		if w.Report == nil {
			b.WriteString(fmt.Sprintf("  %-10s %-4s ", w.Name, w.Location))
			b.WriteString(errorStyle.Render("unreachable: " + truncate(w.Err, 60)))
			b.WriteString("\n")
			continue
		}
		r := w.Report
		b.WriteString(fmt.Sprintf("  %-10s %-4s ", w.Name, w.Location))
		b.WriteString(statusStyle(r.Status).Render(fmt.Sprintf("%-14s", r.Status)))
		b.WriteString(fmt.Sprintf(" %s %d/%d", capacityBar(r.Running, r.Capacity), r.Running, r.Capacity))
		if r.Queued > 0 {
			b.WriteString(fmt.Sprintf("  queued %d", r.Queued))
		}
		if r.PendingWebhooks > 0 {
			b.WriteString(warningStyle.Render(fmt.Sprintf("  webhooks %d", r.PendingWebhooks)))
		}
		if r.GitHubTokenExpiresAt != nil {
			b.WriteString(dimmedStyle.Render("  token expires " + humanize.RelTime(*r.GitHubTokenExpiresAt, m.now(), "ago", "from now")))
		}
		if r.Version != "" {
			b.WriteString(dimmedStyle.Render("  " + r.Version))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderRunning() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")

	n := 0
	for _, row := range m.snapshot.Tasks {
		t := row.Task
		if t.Status != domain.StatusRunning {
			continue
		}
		n++
		age := m.now().Sub(t.CreatedAt).Truncate(time.Second)
		b.WriteString(runningStyle.Render("  ● "))
		b.WriteString(fmt.Sprintf("%-24s %-6s %-10s %-12s %8s  ", truncate(t.ID, 24), t.WorkerType, row.Worker, truncate(t.UserID, 12), formatDuration(age)))
		b.WriteString(truncate(taskTitle(t), 50))
		if !t.LastHeartbeat.IsZero() && m.now().Sub(t.LastHeartbeat) > 5*time.Minute {
			b.WriteString(warningStyle.Render("  quiet " + humanize.RelTime(t.LastHeartbeat, m.now(), "", "")))
		}
		b.WriteString("\n")
	}
	if n == 0 {
		b.WriteString(dimmedStyle.Render("  Nothing running"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderTasks() string {
	var b strings.Builder
	rows := m.filteredTasks()
	b.WriteString(titleStyle.Render(fmt.Sprintf("TASKS (%d, %s)", len(rows), filterLabel(statusFilters[m.filter]))))
	b.WriteString("\n")

	if len(rows) == 0 {
		b.WriteString(dimmedStyle.Render("  No tasks"))
		return b.String()
	}

	end := min(m.taskScroll+maxVisibleTasks, len(rows))
	if m.taskScroll > 0 {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ↑ %d more", m.taskScroll)))
		b.WriteString("\n")
	}
	for i := m.taskScroll; i < end; i++ {
		t := rows[i].Task
		line := fmt.Sprintf("  %-24s %s %-10s %-12s %-9s %s",
			truncate(t.ID, 24),
			statusStyle(t.Status).Render(fmt.Sprintf("%-11s", t.Status)),
			rows[i].Worker,
			truncate(t.UserID, 12),
			costLabel(t),
			truncate(taskTitle(t), 40))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if end < len(rows) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ↓ %d more", len(rows)-end)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderLogs() string {
	var b strings.Builder
	if m.logTask == "" {
		b.WriteString(titleStyle.Render("LOGS"))
		b.WriteString("\n")
		b.WriteString(dimmedStyle.Render("  Select a task on the Tasks tab and press enter"))
		return b.String()
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("LOGS %s @ %s", m.logTask, m.logWorker)))
	b.WriteString("\n")
	if m.logErr != nil {
		b.WriteString(errorStyle.Render("  " + m.logErr.Error()))
		return b.String()
	}

	lines := strings.Split(strings.TrimRight(m.logText, "\n"), "\n")
	visible := max(m.height-8, 5)
	// logScroll counts lines up from the tail
	end := max(len(lines)-m.logScroll, 0)
	start := max(end-visible, 0)
	for _, l := range lines[start:end] {
		b.WriteString("  ")
		b.WriteString(truncate(l, max(m.width-8, 20)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusStyle(s any) lipgloss.Style {
	switch s {
	case domain.StatusRunning, domain.StatusCompleted, domain.OrchestratorReady:
		return runningStyle
	case domain.StatusFailed, domain.OrchestratorShuttingDown:
		return errorStyle
	case domain.StatusInterrupted, domain.OrchestratorDegraded, domain.OrchestratorAuthDegraded, domain.OrchestratorRecovering:
		return warningStyle
	}
	return queuedStyle
}

func filterLabel(s domain.TaskStatus) string {
	if s == "" {
		return "all"
	}
	return string(s)
}

// taskTitle prefers the linked issue title, then the slug, then the prompt
func taskTitle(t *domain.Task) string {
	switch {
	case t.LinearIssueTitle != "":
		return t.LinearIssueTitle
	case t.Slug != "":
		return t.Slug
	}
	return strings.Join(strings.Fields(t.Prompt), " ")
}

func costLabel(t *domain.Task) string {
	if t.Result == nil || t.Result.CostUSD == 0 {
		return "-"
	}
	return "$" + humanize.FormatFloat("#,###.##", t.Result.CostUSD)
}

func capacityBar(used, total int) string {
	if total <= 0 {
		return "[]"
	}
	used = min(used, total)
	return "[" + strings.Repeat("█", used) + strings.Repeat("░", total-used) + "]"
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
