package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input       textinput.Model
	suggestions *Suggestions
	focused     bool
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "/enqueue <type> <node> | /cancel @id | /retry-failed | /restore <snapshot>"
	ti.CharLimit = 512
	return &CmdBarModel{
		input:       ti,
		suggestions: NewSuggestions(),
	}
}

// Focused reports whether the bar takes keystrokes.
func (m *CmdBarModel) Focused() bool { return m.focused }

// Focus focuses the command bar with an initial value.
func (m *CmdBarModel) Focus(initial string) {
	m.focused = true
	m.input.SetValue(initial)
	m.input.CursorEnd()
	m.input.Focus()
	m.suggestions.Update(initial)
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
	m.suggestions.Update("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// SetWidth sets the input width.
func (m *CmdBarModel) SetWidth(w int) {
	m.input.Width = max(w-8, 10)
}

// SetTaskIDs refreshes the "@" completions.
func (m *CmdBarModel) SetTaskIDs(ids []string) {
	m.suggestions.SetTasks(ids)
}

// Update handles keys while focused. It returns true when the input
// should be submitted.
func (m *CmdBarModel) Update(msg tea.KeyMsg) (submit bool, cmd tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.Blur()
		return false, nil
	case "tab":
		if m.suggestions.IsVisible() {
			m.input.SetValue(m.suggestions.Complete(m.input.Value()))
			m.input.CursorEnd()
			m.suggestions.Update(m.input.Value())
		}
		return false, nil
	case "up":
		m.suggestions.Prev()
		return false, nil
	case "down":
		m.suggestions.Next()
		return false, nil
	case "enter":
		// Enter on a bare command prefix completes it first.
		if sel := m.suggestions.Selected(); sel != nil && sel.Type == "command" && m.input.Value() != sel.Text {
			m.input.SetValue(m.suggestions.Complete(m.input.Value()))
			m.input.CursorEnd()
			m.suggestions.Update(m.input.Value())
			return false, nil
		}
		return true, nil
	}

	m.input, cmd = m.input.Update(msg)
	m.suggestions.Update(m.input.Value())
	return false, cmd
}

// View renders the command bar
func (m *CmdBarModel) View(width int) string {
	if !m.focused {
		return ""
	}
	var b strings.Builder
	if m.suggestions.IsVisible() {
		b.WriteString(m.suggestions.Render(width))
		b.WriteString("\n")
	}
	b.WriteString(cmdBarStyle.Render(promptStyle.Render(": ") + m.input.View()))
	return b.String()
}

// command is one parsed command bar line.
type command struct {
	name    string
	args    []string
	payload json.RawMessage
}

var errEmptyCommand = errors.New("empty command")

// parseCommand splits a command bar line. Everything after the node id of
// an enqueue is taken as a JSON payload.
func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if input == "" {
		return command{}, errEmptyCommand
	}
	parts := strings.Fields(input)
	c := command{name: strings.ToLower(parts[0])}
	for _, a := range parts[1:] {
		c.args = append(c.args, strings.TrimPrefix(a, "@"))
	}

	switch c.name {
	case "enqueue":
		if len(parts) < 3 {
			return c, fmt.Errorf("usage: /enqueue <type> <node> [json payload]")
		}
		if !models.TaskType(c.args[0]).Valid() {
			return c, fmt.Errorf("unknown task type %q", c.args[0])
		}
		// Recover the raw payload text; Fields would split JSON on spaces.
		rest := input
		for i := 0; i < 3; i++ {
			rest = strings.TrimSpace(rest)
			rest = strings.TrimSpace(rest[len(parts[i]):])
		}
		if rest != "" {
			if !json.Valid([]byte(rest)) {
				return c, fmt.Errorf("payload is not valid JSON")
			}
			c.payload = json.RawMessage(rest)
		}
		c.args = c.args[:2]
	case "cancel", "retry":
		if len(c.args) > 1 {
			return c, fmt.Errorf("usage: /%s [task id]", c.name)
		}
	case "restore", "dismiss":
		if len(c.args) != 1 {
			return c, fmt.Errorf("usage: /%s <id>", c.name)
		}
	case "merge":
		if len(c.args) < 1 || len(c.args) > 2 {
			return c, fmt.Errorf("usage: /merge <pair id> [keep node]")
		}
	case "pause", "resume", "retry-failed", "quit", "q":
	default:
		return c, fmt.Errorf("unknown command: %s", c.name)
	}
	return c, nil
}

// Execute runs a parsed command against the API. selectedID is used when
// cancel or retry names no task.
func Execute(api API, c command, selectedID string) tea.Cmd {
	if c.name == "quit" || c.name == "q" {
		return tea.Quit
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		taskID := selectedID
		if len(c.args) > 0 {
			taskID = c.args[0]
		}

		switch c.name {
		case "enqueue":
			t, err := api.Enqueue(ctx, c.args[1], models.TaskType(c.args[0]), c.payload)
			if err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: fmt.Sprintf("Enqueued %s task %s", t.Type, shortID(t.ID))}
		case "cancel":
			if taskID == "" {
				return actionMsg{message: "No task selected"}
			}
			if _, err := api.CancelTask(ctx, taskID); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Cancelled " + shortID(taskID)}
		case "retry":
			if taskID == "" {
				return actionMsg{message: "No task selected"}
			}
			if _, err := api.RetryTask(ctx, taskID); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Requeued " + shortID(taskID)}
		case "pause":
			if _, err := api.Pause(ctx); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Queue paused"}
		case "resume":
			if _, err := api.Resume(ctx); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Queue resumed"}
		case "retry-failed":
			n, err := api.RetryFailed(ctx)
			if err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: fmt.Sprintf("Requeued %d failed task(s)", n)}
		case "restore":
			r, err := api.RestoreSnapshot(ctx, c.args[0])
			if err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Restored " + r.Path}
		case "dismiss":
			if _, err := api.DismissDuplicate(ctx, c.args[0]); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Dismissed pair " + shortID(c.args[0])}
		case "merge":
			keep := ""
			if len(c.args) > 1 {
				keep = c.args[1]
			}
			t, err := api.MergeDuplicate(ctx, c.args[0], keep)
			if err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{message: "Merge queued as " + shortID(t.ID)}
		}
		return actionMsg{message: "Unknown command: " + c.name}
	}
}
