package protocol

import "fmt"

// Kind tags a parsed agent output record.
type Kind string

const (
	KindToken         Kind = "token"
	KindThinkingStart Kind = "thinking_start"
	KindThinkingEnd   Kind = "thinking_end"
	KindToolStatus    Kind = "tool_status"
	KindStatus        Kind = "status"
	KindError         Kind = "error"
)

// Status values carried by KindStatus records.
const (
	StatusInit = "init"
	// StatusIdle means the agent finished its turn and waits for input.
	StatusIdle    = "idle"
	StatusTimeout = "inactivity_timeout"
)

// Record is one meaningful item extracted from the agent's stdout stream.
// Only the fields relevant to Kind are set.
type Record struct {
	Kind      Kind
	Text      string
	Tool      string
	Status    string
	SessionID string
}

// Payload renders the record as an event payload.
func (r Record) Payload() map[string]any {
	switch r.Kind {
	case KindToken:
		return map[string]any{"text": r.Text}
	case KindToolStatus:
		p := map[string]any{"message": r.Text}
		if r.Tool != "" {
			p["tool"] = r.Tool
		}
		return p
	case KindStatus:
		p := map[string]any{"status": r.Status}
		if r.Text != "" {
			p["message"] = r.Text
		}
		if r.SessionID != "" {
			p["sessionId"] = r.SessionID
		}
		return p
	case KindError:
		return map[string]any{"error": r.Text}
	default:
		return map[string]any{}
	}
}

// ParseError reports a stdout line that could not be decoded. The reader
// logs it and moves on.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("malformed output line %q: %v", line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
