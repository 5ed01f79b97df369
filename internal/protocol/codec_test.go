package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEncodeUserMessage(t *testing.T) {
	data, err := EncodeUserMessage("fix the \"flaky\" test\nplease")
	if err != nil {
		t.Fatalf("EncodeUserMessage: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatal("expected trailing newline")
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Fatalf("expected a single line, got %q", data)
	}

	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != "user" || decoded.Message.Role != "user" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	if decoded.Message.Content != "fix the \"flaky\" test\nplease" {
		t.Fatalf("content = %q", decoded.Message.Content)
	}
}

func TestParserStreamedTurn(t *testing.T) {
	p := NewParser()
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"s-1"}`,
		`{"type":"stream_event","event":{"type":"message_start"}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
		`{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"text"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hel"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
		`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Hello"},{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"session_id":"s-1","result":"Hello"}`,
	}

	var got []Record
	for _, line := range lines {
		recs, err := p.ParseLine([]byte(line))
		if err != nil {
			t.Fatalf("ParseLine(%s): %v", line, err)
		}
		got = append(got, recs...)
	}

	want := []Record{
		{Kind: KindStatus, Status: StatusInit, SessionID: "s-1"},
		{Kind: KindThinkingStart},
		{Kind: KindThinkingEnd},
		{Kind: KindToken, Text: "Hel"},
		{Kind: KindToken, Text: "lo"},
		{Kind: KindToolStatus, Tool: "Bash", Text: "Running Bash: go test ./..."},
		{Kind: KindStatus, Status: StatusIdle, SessionID: "s-1"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records %+v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParserUnstreamedAssistant(t *testing.T) {
	p := NewParser()
	recs, err := p.ParseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"Done."},{"type":"tool_use","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %+v", recs)
	}
	if recs[0].Kind != KindToken || recs[0].Text != "Done." {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Kind != KindToolStatus || recs[1].Text != "Reading /tmp/a.go" {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestParserErrors(t *testing.T) {
	p := NewParser()

	recs, err := p.ParseLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != KindError || recs[0].Text != "agent reported error_max_turns" {
		t.Fatalf("unexpected result error records: %+v", recs)
	}

	recs, err = p.ParseLine([]byte(`{"type":"error","error":{"message":"overloaded"}}`))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(recs) != 1 || recs[0].Text != "overloaded" {
		t.Fatalf("unexpected error records: %+v", recs)
	}
}

func TestParserMalformedAndIgnoredLines(t *testing.T) {
	p := NewParser()

	_, err := p.ParseLine([]byte(`{"type":"assistant",`))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if !strings.Contains(perr.Error(), "malformed output line") {
		t.Fatalf("unexpected message: %v", perr)
	}

	for _, line := range []string{"", "   ", `{"type":"rate_limit"}`, `{"type":"system","subtype":"hook"}`} {
		recs, err := p.ParseLine([]byte(line))
		if err != nil || len(recs) != 0 {
			t.Fatalf("ParseLine(%q) = %+v, %v", line, recs, err)
		}
	}

	// The parser keeps working after a bad line.
	recs, err := p.ParseLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}}`))
	if err != nil || len(recs) != 1 || recs[0].Text != "ok" {
		t.Fatalf("after malformed line: %+v, %v", recs, err)
	}
}

func TestDescribeTool(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{name: "bash", tool: "Bash", input: map[string]any{"command": "ls   -la\n/tmp"}, want: "Running Bash: ls -la /tmp"},
		{name: "edit", tool: "Edit", input: map[string]any{"file_path": "main.go"}, want: "Editing main.go"},
		{name: "grep", tool: "Grep", input: map[string]any{"pattern": "TODO"}, want: "Searching TODO"},
		{name: "missing detail", tool: "Write", input: nil, want: "Using Write"},
		{name: "unknown tool", tool: "Task", input: map[string]any{"x": 1}, want: "Using Task"},
		{name: "long command", tool: "Bash", input: map[string]any{"command": strings.Repeat("a", 100)}, want: "Running Bash: " + strings.Repeat("a", 80) + "..."},
		{name: "long path cut before multibyte rune", tool: "Read", input: map[string]any{"file_path": strings.Repeat("a", 79) + "ééé"}, want: "Reading " + strings.Repeat("a", 79) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DescribeTool(tt.tool, tt.input); got != tt.want {
				t.Errorf("DescribeTool() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	in := strings.Repeat("日本", 30)
	for n := 1; n < len(in); n++ {
		got := truncate(in, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%d) = %q is not valid UTF-8", n, got)
		}
		if len(got) > n+len("...") {
			t.Fatalf("truncate(%d) = %d bytes, want at most %d", n, len(got), n+3)
		}
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
}

func TestRecordPayload(t *testing.T) {
	p := Record{Kind: KindToolStatus, Tool: "Bash", Text: "Running Bash: ls"}.Payload()
	if p["tool"] != "Bash" || p["message"] != "Running Bash: ls" {
		t.Fatalf("tool payload = %v", p)
	}
	p = Record{Kind: KindStatus, Status: StatusTimeout, Text: "no input for 30m0s"}.Payload()
	if p["status"] != StatusTimeout || p["message"] != "no input for 30m0s" {
		t.Fatalf("status payload = %v", p)
	}
}
