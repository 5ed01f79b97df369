package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/slotd/internal/events"
)

type entryKind int

const (
	entryText entryKind = iota
	entryThinking
	entryTool
	entryError
	entryNote
	entryClose
)

type entry struct {
	kind entryKind
	text string
}

// Transcript folds a run's event stream into readable output. Consecutive
// token events are merged into one text block.
type Transcript struct {
	RunID   string
	entries []entry
	closed  bool
	status  string
}

func NewTranscript(runID string) Transcript {
	return Transcript{RunID: runID}
}

// Closed reports whether the close event has been seen.
func (t *Transcript) Closed() bool {
	return t.closed
}

// Apply adds one event to the transcript.
func (t *Transcript) Apply(ev events.Event) {
	var p map[string]any
	_ = json.Unmarshal(ev.Payload, &p)

	switch ev.Type {
	case events.TypeToken:
		text, _ := p["text"].(string)
		if n := len(t.entries); n > 0 && t.entries[n-1].kind == entryText {
			t.entries[n-1].text += text
			return
		}
		t.entries = append(t.entries, entry{kind: entryText, text: text})
	case events.TypeThinkingStart:
		t.entries = append(t.entries, entry{kind: entryThinking, text: "thinking..."})
	case events.TypeThinkingEnd:
		// The thinking marker already shows; nothing to add.
	case events.TypeToolStatus:
		msg, _ := p["message"].(string)
		t.entries = append(t.entries, entry{kind: entryTool, text: msg})
	case events.TypeError:
		msg, _ := p["error"].(string)
		t.entries = append(t.entries, entry{kind: entryError, text: msg})
	case events.TypeClose:
		var cp events.ClosePayload
		_ = json.Unmarshal(ev.Payload, &cp)
		t.closed = true
		t.status = cp.Status
		t.entries = append(t.entries, entry{kind: entryClose, text: describeClose(cp)})
	}
}

// Note adds a client-side annotation such as a replay gap.
func (t *Transcript) Note(text string) {
	t.entries = append(t.entries, entry{kind: entryNote, text: text})
}

func describeClose(cp events.ClosePayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s", cp.Status)
	if cp.Reason != "" {
		fmt.Fprintf(&b, " (%s)", cp.Reason)
	}
	if cp.ExitCode != nil {
		fmt.Fprintf(&b, " exit %d", *cp.ExitCode)
	}
	if cp.Error != "" {
		fmt.Fprintf(&b, ": %s", cp.Error)
	}
	return b.String()
}

// Render lays the transcript out for a viewport of the given width.
func (t Transcript) Render(theme Theme, width int) string {
	if len(t.entries) == 0 {
		return theme.Dim.Render("Waiting for events...")
	}
	wrap := lipgloss.NewStyle().Width(max(width, 10))

	lines := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		switch e.kind {
		case entryText:
			lines = append(lines, wrap.Render(strings.TrimRight(e.text, "\n")))
		case entryThinking:
			lines = append(lines, theme.Dim.Render("· "+e.text))
		case entryTool:
			lines = append(lines, theme.Tool.Render("⚙ "+e.text))
		case entryError:
			lines = append(lines, theme.StatusFailed.Render("✗ "+e.text))
		case entryNote:
			lines = append(lines, theme.Highlight.Render("… "+e.text))
		case entryClose:
			lines = append(lines, theme.stateStyle(t.status).Render("■ "+e.text))
		}
	}
	return strings.Join(lines, "\n")
}
