package watch

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/slotd/internal/supervisor"
)

func newSessionTable() table.Model {
	t := table.New(
		table.WithColumns(sessionColumns(80)),
		table.WithFocused(true),
		table.WithHeight(6),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func sessionColumns(width int) []table.Column {
	agent := width - 8 - 10 - 9 - 9 - 10
	if agent < 10 {
		agent = 10
	}
	return []table.Column{
		{Title: "Run", Width: 8},
		{Title: "Agent", Width: agent},
		{Title: "State", Width: 10},
		{Title: "Age", Width: 9},
		{Title: "Idle", Width: 9},
	}
}

// sortSessions orders sessions by agent key then start time so the table
// rows stay stable between polls.
func sortSessions(sessions []supervisor.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].AgentKey != sessions[j].AgentKey {
			return sessions[i].AgentKey < sessions[j].AgentKey
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

func sessionRows(sessions []supervisor.Session, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, table.Row{
			shortID(s.RunID),
			s.AgentKey,
			string(s.State),
			formatDuration(now.Sub(s.StartedAt)),
			formatDuration(now.Sub(s.LastActivityAt)),
		})
	}
	return rows
}

func renderSessions(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	var body string
	if count == 0 {
		body = theme.Dim.Render("  No live sessions")
	} else {
		body = t.View()
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("SESSIONS"), body)
	return theme.Border.Width(innerWidth).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
