package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

const maxVisibleTasks = 15

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.fetchCmd()

	case SnapshotMsg:
		m.loading = false
		m.fetchErr = msg.Err
		if msg.Err == nil {
			m.snapshot = msg.Snapshot
			m.clampSelection()
		}
		return m, m.tickCmd()

	case LogMsg:
		// A slow response for a task no longer shown is dropped
		if msg.TaskID != m.logTask || msg.Worker != m.logWorker {
			return m, nil
		}
		m.logText = msg.Text
		m.logErr = msg.Err
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		if m.activeTab == TabLogs && m.logTask != "" {
			return m, m.fetchLogCmd(m.logWorker, m.logTask)
		}
		if !m.loading {
			m.loading = true
			return m, m.fetchCmd()
		}
	case "tab":
		m.activeTab = (m.activeTab + 1) % tabCount
	case "t":
		m.activeTab = TabTasks
	case "d":
		m.activeTab = TabDashboard
	case "f":
		if m.activeTab == TabTasks {
			m.filter = (m.filter + 1) % len(statusFilters)
			m.selectedRow = 0
			m.taskScroll = 0
		}
	case "j", "down":
		switch m.activeTab {
		case TabTasks:
			if m.selectedRow < len(m.filteredTasks())-1 {
				m.selectedRow++
			}
			if m.selectedRow >= m.taskScroll+maxVisibleTasks {
				m.taskScroll = m.selectedRow - maxVisibleTasks + 1
			}
		case TabLogs:
			m.logScroll++
		}
	case "k", "up":
		switch m.activeTab {
		case TabTasks:
			if m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.selectedRow < m.taskScroll {
				m.taskScroll = m.selectedRow
			}
		case TabLogs:
			if m.logScroll > 0 {
				m.logScroll--
			}
		}
	case "enter":
		if m.activeTab != TabTasks {
			break
		}
		rows := m.filteredTasks()
		if m.selectedRow >= len(rows) {
			break
		}
		row := rows[m.selectedRow]
		m.logWorker, m.logTask = row.Worker, row.Task.ID
		m.logText, m.logErr, m.logScroll = "", nil, 0
		m.activeTab = TabLogs
		return m, m.fetchLogCmd(row.Worker, row.Task.ID)
	case "esc":
		if m.activeTab == TabLogs {
			m.activeTab = TabTasks
		}
	}
	return m, nil
}

// clampSelection keeps the cursor on a row after the list shrank
func (m *Model) clampSelection() {
	n := len(m.filteredTasks())
	if m.selectedRow >= n {
		m.selectedRow = max(n-1, 0)
	}
	if m.taskScroll > m.selectedRow {
		m.taskScroll = m.selectedRow
	}
}
