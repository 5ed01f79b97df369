package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/slotd/internal/supervisor"
)

const (
	pollInterval      = 2 * time.Second
	reconnectInterval = 2 * time.Second
)

// --- Message types ---

type tickMsg time.Time

type pollMsg struct{}

type snapshotMsg struct {
	health   Health
	sessions []supervisor.Session
	err      error
}

// streamMsg carries one frame of the followed run's stream. Frames from a
// run that is no longer selected are dropped.
type streamMsg struct {
	runID string
	item  StreamItem
}

type streamEndedMsg struct {
	runID string
	err   error
}

type reconnectMsg struct {
	runID string
}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health   HealthState
	sessions []supervisor.Session
	table    table.Model

	// The followed run. pinned is set when the run came from the command
	// line, which disables auto-follow.
	runID        string
	pinned       bool
	lastEventID  int64
	transcript   Transcript
	viewport     viewport.Model
	cancelStream context.CancelFunc
	frames       chan streamMsg

	ticker  Ticker
	spinner Spinner
	theme   Theme

	lastError string
}

// New creates a watch model. When runID is set the TUI follows that run
// only; otherwise it follows the first live session and lets the user pick
// another with enter.
func New(client *Client, runID string) Model {
	return Model{
		client:     client,
		table:      newSessionTable(),
		runID:      runID,
		pinned:     runID != "",
		transcript: NewTranscript(runID),
		viewport:   viewport.New(0, 0),
		frames:     make(chan streamMsg, 256),
		ticker:     NewTicker(),
		spinner:    NewSpinner(),
		theme:      NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.fetchSnapshot(),
		receiveFrame(m.frames),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	}
	if m.runID != "" {
		cmds = append(cmds, func() tea.Msg { return reconnectMsg{runID: m.runID} })
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancelStream != nil {
				m.cancelStream()
			}
			return m, tea.Quit
		case "enter":
			row := m.table.Cursor()
			if row >= 0 && row < len(m.sessions) {
				return m.follow(m.sessions[row].RunID, true)
			}
			return m, nil
		case "pgup", "pgdown", "home", "end":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(sessionColumns(m.width - 8))
		m.table.SetWidth(m.width - 8)
		m.viewport.Width = m.width - 8
		m.viewport.Height = max(m.height-20, 5)
		m.refreshTranscript()

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case pollMsg:
		return m, m.fetchSnapshot()

	case snapshotMsg:
		next := tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
		if msg.err != nil {
			m.health.Connected = false
			m.lastError = msg.err.Error()
			return m, next
		}
		m.health = HealthState{
			Status:         msg.health.Status,
			UptimeSeconds:  msg.health.UptimeSeconds,
			QueueDepth:     msg.health.QueueDepth,
			ActiveSessions: msg.health.ActiveSessions,
			Connected:      true,
			LastCheck:      time.Now(),
		}
		m.lastError = ""
		m.sessions = msg.sessions
		sortSessions(m.sessions)
		m.table.SetRows(sessionRows(m.sessions, time.Now()))

		if m.runID == "" && len(m.sessions) > 0 {
			followed, cmd := m.follow(m.sessions[0].RunID, false)
			return followed, tea.Batch(cmd, next)
		}
		return m, next

	case streamMsg:
		if msg.runID != m.runID {
			return m, receiveFrame(m.frames)
		}
		switch {
		case msg.item.Event != nil:
			m.transcript.Apply(*msg.item.Event)
			m.lastEventID = msg.item.Event.ID
			m.spinner.OnEvent()
		case msg.item.Control == "truncated":
			m.transcript.Note("earlier events were dropped from the replay buffer")
		case msg.item.Control == "lagged":
			m.transcript.Note("fell behind the stream, resuming")
		}
		m.refreshTranscript()
		return m, receiveFrame(m.frames)

	case streamEndedMsg:
		if msg.runID != m.runID || m.transcript.Closed() {
			return m, nil
		}
		if errors.Is(msg.err, ErrRunGone) {
			m.lastError = fmt.Sprintf("run %s is gone", shortID(msg.runID))
			if !m.pinned {
				m.runID = ""
			}
			return m, nil
		}
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg {
			return reconnectMsg{runID: msg.runID}
		})

	case reconnectMsg:
		if msg.runID != m.runID || m.transcript.Closed() {
			return m, nil
		}
		cmd := m.subscribe()
		return m, cmd
	}

	return m, nil
}

// follow switches the transcript to runID and opens its stream. The
// current run is kept as is when it is already followed.
func (m Model) follow(runID string, userChosen bool) (Model, tea.Cmd) {
	if runID == m.runID {
		return m, nil
	}
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	m.runID = runID
	m.pinned = m.pinned || userChosen
	m.lastEventID = 0
	m.transcript = NewTranscript(runID)
	m.refreshTranscript()
	cmd := m.subscribe()
	return m, cmd
}

func (m *Model) subscribe() tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelStream = cancel
	return followRun(ctx, m.client, m.runID, m.lastEventID, m.frames)
}

func (m *Model) refreshTranscript() {
	m.viewport.SetContent(m.transcript.Render(m.theme, m.viewport.Width))
	m.viewport.GotoBottom()
}

func (m Model) fetchSnapshot() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		sessions, err := client.Sessions(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{health: health, sessions: sessions}
	}
}

// followRun streams one run into frames until the stream ends or ctx is
// cancelled.
func followRun(ctx context.Context, client *Client, runID string, lastID int64, frames chan<- streamMsg) tea.Cmd {
	return func() tea.Msg {
		err := client.Stream(ctx, runID, lastID, func(item StreamItem) {
			select {
			case frames <- streamMsg{runID: runID, item: item}:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		return streamEndedMsg{runID: runID, err: err}
	}
}

func receiveFrame(frames <-chan streamMsg) tea.Cmd {
	return func() tea.Msg {
		return <-frames
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to slotd..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	sessions := renderSessions(m.table, len(m.sessions), m.theme, m.width)

	title := "TRANSCRIPT"
	if m.runID != "" {
		title = fmt.Sprintf("TRANSCRIPT %s", shortID(m.runID))
	}
	transcript := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), m.viewport.View()),
	)

	parts := []string{header, sessions, transcript}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select • [enter] Follow run • [pgup/pgdn] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
