package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/lipgloss"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Grey
)

// TaskItem implements list.Item for the task list
type TaskItem struct {
	Task models.Task
}

func (i TaskItem) FilterValue() string { return i.Task.NodeID }
func (i TaskItem) Title() string {
	return fmt.Sprintf("%-7s %s", i.Task.Type, i.Task.NodeID)
}
func (i TaskItem) Description() string {
	desc := fmt.Sprintf("%s • %s • attempt %d/%d", formatState(i.Task.State), shortID(i.Task.ID),
		i.Task.Attempt, i.Task.MaxAttempts)
	if last := i.Task.LastError(); last != "" && i.Task.State == models.TaskStateFailed {
		desc += " • " + truncate(last, 60)
	}
	return desc
}

func formatState(state models.TaskState) string {
	switch state {
	case models.TaskStatePending:
		return statusPending.Render("○ pending")
	case models.TaskStateRunning:
		return statusRunning.Render("◑ running")
	case models.TaskStateCompleted:
		return statusCompleted.Render("● completed")
	case models.TaskStateFailed:
		return statusFailed.Render("✗ failed")
	case models.TaskStateCancelled:
		return statusCancelled.Render("⊘ cancelled")
	default:
		return string(state)
	}
}

// TaskListModel manages the task list
type TaskListModel struct {
	list        list.Model
	filterIndex int
}

var filters = []models.TaskState{"", models.TaskStatePending, models.TaskStateRunning,
	models.TaskStateCompleted, models.TaskStateFailed, models.TaskStateCancelled}
var filterLabels = []string{"all", "pending", "running", "completed", "failed", "cancelled"}

// NewTaskListModel creates a new task list model
func NewTaskListModel() *TaskListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Tasks [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()
	l.Styles.Title = listTitleStyle

	return &TaskListModel{list: l}
}

// SetSize sets the list dimensions
func (m *TaskListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// Filter returns the active state filter; empty means all.
func (m *TaskListModel) Filter() models.TaskState {
	return filters[m.filterIndex]
}

// CycleFilter cycles through state filters
func (m *TaskListModel) CycleFilter() {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.list.Title = fmt.Sprintf("Tasks [%s]", filterLabels[m.filterIndex])
}

// SetTasks replaces the list contents, keeping the cursor in range.
func (m *TaskListModel) SetTasks(tasks []models.Task) {
	items := make([]list.Item, len(tasks))
	for i, t := range tasks {
		items[i] = TaskItem{Task: t}
	}
	idx := m.list.Index()
	m.list.SetItems(items)
	if idx >= len(items) && len(items) > 0 {
		m.list.Select(len(items) - 1)
	}
}

// Len returns the number of listed tasks.
func (m *TaskListModel) Len() int {
	return len(m.list.Items())
}

// SelectedTask returns the currently selected task
func (m *TaskListModel) SelectedTask() *models.Task {
	if item, ok := m.list.SelectedItem().(TaskItem); ok {
		return &item.Task
	}
	return nil
}

// View renders the task list
func (m *TaskListModel) View() string {
	return m.list.View()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
