package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// Tab indexes
const (
	TabDashboard = iota
	TabTasks
	TabLogs
	tabCount
)

// statusFilters is the cycle order of the task filter; "" shows everything
var statusFilters = []domain.TaskStatus{
	"",
	domain.StatusRunning,
	domain.StatusQueued,
	domain.StatusInterrupted,
	domain.StatusFailed,
	domain.StatusCompleted,
	domain.StatusCancelled,
}

// Model is the TUI application model
type Model struct {
	source   Source
	interval time.Duration

	// Data
	snapshot Snapshot
	fetchErr error
	loading  bool

	// Logs tab
	logWorker string
	logTask   string
	logText   string
	logErr    error
	logScroll int

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	taskScroll  int
	filter      int

	now func() time.Time
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Source   Source
	Interval time.Duration
	// Initial is shown until the first poll returns
	Initial *Snapshot
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	m := Model{
		source:   cfg.Source,
		interval: cfg.Interval,
		loading:  cfg.Source != nil,
		now:      time.Now,
	}
	if cfg.Initial != nil {
		m.snapshot = *cfg.Initial
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return m.fetchCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries a finished poll
type SnapshotMsg struct {
	Snapshot Snapshot
	Err      error
}

// LogMsg carries a fetched task log
type LogMsg struct {
	Worker string
	TaskID string
	Text   string
	Err    error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	src, timeout := m.source, m.interval*2
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := src.Snapshot(ctx)
		return SnapshotMsg{Snapshot: snap, Err: err}
	}
}

func (m Model) fetchLogCmd(worker, taskID string) tea.Cmd {
	if m.source == nil {
		return nil
	}
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		text, err := src.Logs(ctx, worker, taskID)
		return LogMsg{Worker: worker, TaskID: taskID, Text: text, Err: err}
	}
}

// filteredTasks returns the rows shown on the tasks tab
func (m Model) filteredTasks() []TaskRow {
	status := statusFilters[m.filter]
	if status == "" {
		return m.snapshot.Tasks
	}
	var out []TaskRow
	for _, row := range m.snapshot.Tasks {
		if row.Task.Status == status {
			out = append(out, row)
		}
	}
	return out
}

// counts totals the worker reports
func (m Model) counts() (capacity, running, queued, pending, healthy int) {
	for _, w := range m.snapshot.Workers {
		if w.Report == nil {
			continue
		}
		capacity += w.Report.Capacity
		running += w.Report.Running
		queued += w.Report.Queued
		pending += w.Report.PendingWebhooks
		if w.Report.Status.AcceptsWork() {
			healthy++
		}
	}
	return
}
