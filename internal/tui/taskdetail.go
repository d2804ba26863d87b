package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// TaskDetailModel shows one task in a scrollable viewport.
type TaskDetailModel struct {
	task     *models.Task
	viewport viewport.Model
}

// NewTaskDetailModel creates an empty detail view.
func NewTaskDetailModel() *TaskDetailModel {
	return &TaskDetailModel{viewport: viewport.New(80, 20)}
}

// SetSize sets the viewport dimensions.
func (m *TaskDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	if m.task != nil {
		m.viewport.SetContent(renderTask(m.task))
	}
}

// SetTask shows t.
func (m *TaskDetailModel) SetTask(t *models.Task) {
	m.task = t
	m.viewport.SetContent(renderTask(t))
	m.viewport.GotoTop()
}

// Task returns the shown task.
func (m *TaskDetailModel) Task() *models.Task { return m.task }

// View renders the viewport.
func (m *TaskDetailModel) View() string {
	if m.task == nil {
		return "\n  Loading...\n"
	}
	return m.viewport.View()
}

func renderTask(t *models.Task) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%s %s", t.Type, t.NodeID)) + "\n")

	field := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-12s", label)) + valueStyle.Render(value) + "\n")
	}
	field("ID", t.ID)
	if len(t.LinkedNodeIDs) > 0 {
		field("Also locks", strings.Join(t.LinkedNodeIDs, ", "))
	}
	field("State", formatState(t.State))
	field("Attempt", fmt.Sprintf("%d/%d", t.Attempt, t.MaxAttempts))
	field("Created", formatTime(&t.CreatedAt))
	field("Updated", formatTime(&t.UpdatedAt))
	if t.StartedAt != nil {
		field("Started", formatTime(t.StartedAt))
	}
	if t.CompletedAt != nil {
		field("Finished", formatTime(t.CompletedAt))
	}
	if t.NotBefore != nil {
		field("Not before", formatTime(t.NotBefore))
	}

	if len(t.Payload) > 0 {
		b.WriteString(sectionStyle.Render("Payload") + "\n")
		b.WriteString(indentJSON(t.Payload) + "\n")
	}
	if len(t.Errors) > 0 {
		b.WriteString(sectionStyle.Render("Errors") + "\n")
		for _, e := range t.Errors {
			style := statusFailed
			if e.Class == "transient" {
				style = statusPending
			}
			b.WriteString(fmt.Sprintf("  #%d %s %s %s\n", e.Attempt, formatTime(&e.At),
				style.Render(e.Class), e.Message))
		}
	}
	if len(t.Result) > 0 {
		b.WriteString(sectionStyle.Render("Result") + "\n")
		b.WriteString(indentJSON(t.Result) + "\n")
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		return "  " + string(raw)
	}
	return "  " + buf.String()
}
