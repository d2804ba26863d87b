// Package tui provides the interactive queue monitor for razor.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	pausedStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)
)

const (
	apiTimeout      = 5 * time.Second
	refreshInterval = 2 * time.Second
)

// API is the slice of the daemon client the monitor uses.
type API interface {
	ListTasks(ctx context.Context, state string) ([]models.Task, error)
	QueueStatus(ctx context.Context) (*models.QueueStatus, error)
	Locks(ctx context.Context) ([]models.Lock, error)
	ListDuplicates(ctx context.Context, status string) ([]models.DuplicatePair, error)
	Enqueue(ctx context.Context, nodeID string, typ models.TaskType, payload json.RawMessage) (*models.Task, error)
	CancelTask(ctx context.Context, id string) (*models.Task, error)
	RetryTask(ctx context.Context, id string) (*models.Task, error)
	Pause(ctx context.Context) (*models.QueueStatus, error)
	Resume(ctx context.Context) (*models.QueueStatus, error)
	RetryFailed(ctx context.Context) (int, error)
	RestoreSnapshot(ctx context.Context, id string) (*undo.Restored, error)
	DismissDuplicate(ctx context.Context, id string) (*models.DuplicatePair, error)
	MergeDuplicate(ctx context.Context, id, keepNodeID string) (*models.Task, error)
}

type viewMode string

const (
	modeList       viewMode = "list"
	modeDetail     viewMode = "detail"
	modeLocks      viewMode = "locks"
	modeDuplicates viewMode = "duplicates"
)

// App is the main TUI application model.
type App struct {
	api          API
	tasks        *TaskListModel
	detail       *TaskDetailModel
	cmdbar       *CmdBarModel
	status       *models.QueueStatus
	locks        []models.Lock
	pairs        []models.DuplicatePair
	mode         viewMode
	message      string
	isError      bool
	daemonOnline bool
	width        int
	height       int
}

// New creates a new TUI application.
func New(api API) *App {
	return &App{
		api:    api,
		tasks:  NewTaskListModel(),
		detail: NewTaskDetailModel(),
		cmdbar: NewCmdBarModel(),
		mode:   modeList,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type refreshedMsg struct {
	tasks  []models.Task
	status *models.QueueStatus
	locks  []models.Lock
	pairs  []models.DuplicatePair
	err    error
}

type actionMsg struct {
	message string
	err     error
}

type tickMsg time.Time

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	api := a.api
	state := string(a.tasks.Filter())
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		var msg refreshedMsg
		if msg.status, msg.err = api.QueueStatus(ctx); msg.err != nil {
			return msg
		}
		if msg.tasks, msg.err = api.ListTasks(ctx, state); msg.err != nil {
			return msg
		}
		if msg.locks, msg.err = api.Locks(ctx); msg.err != nil {
			return msg
		}
		msg.pairs, msg.err = api.ListDuplicates(ctx, string(models.PairStatusPending))
		return msg
	}
}

func (a *App) simple(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()
		m, err := fn(ctx)
		return actionMsg{message: m, err: err}
	}
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.tasks.SetSize(msg.Width, max(msg.Height-6, 5))
		a.detail.SetSize(msg.Width, max(msg.Height-6, 5))
		a.cmdbar.SetWidth(msg.Width)
		return a, nil

	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			submit, cmd := a.cmdbar.Update(msg)
			if !submit {
				a.cmdbar.SetTaskIDs(a.taskIDs())
				return a, cmd
			}
			return a, a.runCommand(a.cmdbar.Submit())
		}
		return a.handleKey(msg)

	case refreshedMsg:
		if msg.err != nil {
			a.daemonOnline = false
			a.setError(msg.err)
			return a, nil
		}
		a.daemonOnline = true
		a.status = msg.status
		a.locks = msg.locks
		a.pairs = msg.pairs
		a.tasks.SetTasks(msg.tasks)
		if cur := a.detail.Task(); cur != nil && a.mode == modeDetail {
			for i := range msg.tasks {
				if msg.tasks[i].ID == cur.ID {
					a.detail.SetTask(&msg.tasks[i])
					break
				}
			}
		}
		return a, nil

	case actionMsg:
		if msg.err != nil {
			a.setError(msg.err)
		} else {
			a.message = msg.message
			a.isError = false
		}
		return a, a.refresh()

	case tickMsg:
		return a, tea.Batch(a.refresh(), tick())
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit
	case ":", "/":
		a.cmdbar.Focus("/")
		return a, nil
	case "esc":
		a.mode = modeList
		return a, nil
	case "r":
		return a, a.refresh()
	case "p":
		if a.status != nil && a.status.Paused {
			return a, a.simple(func(ctx context.Context) (string, error) {
				_, err := a.api.Resume(ctx)
				return "Queue resumed", err
			})
		}
		return a, a.simple(func(ctx context.Context) (string, error) {
			_, err := a.api.Pause(ctx)
			return "Queue paused", err
		})
	case "f":
		return a, Execute(a.api, command{name: "retry-failed"}, "")
	case "l":
		a.mode = toggle(a.mode, modeLocks)
		return a, nil
	case "u":
		a.mode = toggle(a.mode, modeDuplicates)
		return a, nil
	}

	switch a.mode {
	case modeList:
		switch msg.String() {
		case "tab":
			a.tasks.CycleFilter()
			return a, a.refresh()
		case "enter":
			if t := a.tasks.SelectedTask(); t != nil {
				a.detail.SetTask(t)
				a.mode = modeDetail
			}
			return a, nil
		case "c":
			return a, Execute(a.api, command{name: "cancel"}, a.selectedID())
		case "t":
			return a, Execute(a.api, command{name: "retry"}, a.selectedID())
		}
		var cmd tea.Cmd
		a.tasks.list, cmd = a.tasks.list.Update(msg)
		return a, cmd
	case modeDetail:
		switch msg.String() {
		case "c":
			return a, Execute(a.api, command{name: "cancel"}, a.detail.Task().ID)
		case "t":
			return a, Execute(a.api, command{name: "retry"}, a.detail.Task().ID)
		}
		var cmd tea.Cmd
		a.detail.viewport, cmd = a.detail.viewport.Update(msg)
		return a, cmd
	}
	return a, nil
}

func toggle(cur, target viewMode) viewMode {
	if cur == target {
		return modeList
	}
	return target
}

func (a *App) runCommand(input string) tea.Cmd {
	c, err := parseCommand(input)
	if err == errEmptyCommand {
		return nil
	}
	if err != nil {
		a.message = err.Error()
		a.isError = true
		return nil
	}
	return Execute(a.api, c, a.selectedID())
}

func (a *App) selectedID() string {
	if t := a.tasks.SelectedTask(); t != nil {
		return t.ID
	}
	return ""
}

func (a *App) taskIDs() []string {
	ids := make([]string, 0, a.tasks.Len())
	for _, item := range a.tasks.list.Items() {
		ids = append(ids, item.(TaskItem).Task.ID)
	}
	return ids
}

func (a *App) setError(err error) {
	a.message = "Error: " + err.Error()
	a.isError = true
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	switch a.mode {
	case modeList:
		b.WriteString(a.tasks.View())
	case modeDetail:
		b.WriteString(a.detail.View())
	case modeLocks:
		b.WriteString(a.renderLocks())
	case modeDuplicates:
		b.WriteString(a.renderDuplicates())
	}
	b.WriteString("\n")

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if a.isError {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(style.Render(a.message) + "\n")
	}

	if a.cmdbar.Focused() {
		b.WriteString(a.cmdbar.View(a.width) + "\n")
	}

	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(a.helpLine()))
	return b.String()
}

func (a *App) renderHeader() string {
	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("razor queue") + "  " + daemon
	if s := a.status; s != nil {
		if s.Paused {
			header += "  " + pausedStyle.Render("⏸ PAUSED")
		}
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf(
			"pending %d · running %d/%d · done %d · failed %d · cancelled %d",
			s.PendingCount, s.RunningCount, s.MaxConcurrent, s.CompletedCount, s.FailedCount, s.CancelledCount))
	}
	if n := len(a.pairs); n > 0 {
		header += "  " + lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("[%d duplicates]", n))
	}
	return header
}

func (a *App) renderLocks() string {
	if len(a.locks) == 0 {
		return helpStyle.Render("  No nodes locked")
	}
	var b strings.Builder
	b.WriteString(listTitleStyle.Render("Locks") + "\n")
	for _, l := range a.locks {
		b.WriteString(fmt.Sprintf("  %-24s task %s  held %s\n", l.NodeID, shortID(l.TaskID),
			time.Since(l.AcquiredAt).Truncate(time.Second)))
	}
	return panelStyle.Render(b.String())
}

func (a *App) renderDuplicates() string {
	if len(a.pairs) == 0 {
		return helpStyle.Render("  No pending duplicates")
	}
	var b strings.Builder
	b.WriteString(listTitleStyle.Render("Pending duplicates") + "\n")
	for _, p := range a.pairs {
		b.WriteString(fmt.Sprintf("  %s  %.3f  %s ↔ %s  [%s]\n", shortID(p.ID), p.Similarity,
			nodeLabel(p.NodeA), nodeLabel(p.NodeB), p.Type))
	}
	b.WriteString(helpStyle.Render("  /dismiss <pair> · /merge <pair> [keep node]"))
	return panelStyle.Render(b.String())
}

func nodeLabel(n models.NodeRef) string {
	if n.Name != "" {
		return n.Name
	}
	return n.NodeID
}

func (a *App) helpLine() string {
	switch a.mode {
	case modeDetail:
		return " ↑↓:scroll | c:cancel | t:retry | Esc:back | :/ command | q:quit"
	case modeLocks, modeDuplicates:
		return " l:locks | u:duplicates | Esc:back | :/ command | q:quit"
	}
	return fmt.Sprintf(" Tasks: %d | Tab:filter | Enter:detail | p:pause | c:cancel | t:retry | f:retry failed | l:locks | u:duplicates | :/ command | q:quit",
		a.tasks.Len())
}
