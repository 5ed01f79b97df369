package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxToolDetail = 80

// EncodeUserMessage builds one stream-json input line carrying text as a user
// turn. The returned slice ends with a newline.
func EncodeUserMessage(text string) ([]byte, error) {
	msg := userLine{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = text

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user message: %w", err)
	}
	return append(data, '\n'), nil
}

type userLine struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	Event     *streamEvent    `json:"event"`
	Message   *messageBody    `json:"message"`
	Error     json.RawMessage `json:"error"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *delta        `json:"delta"`
}

type delta struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Parser maps stream-json stdout lines to Records. It keeps a little state
// between lines (open content blocks, whether the current message was
// streamed as deltas), so one Parser serves exactly one run.
type Parser struct {
	blocks   map[int]string
	streamed bool
}

func NewParser() *Parser {
	return &Parser{blocks: make(map[int]string)}
}

// ParseLine decodes one stdout line. Blank lines and record types that carry
// nothing for observers yield no records. A line that is not JSON returns a
// *ParseError.
func (p *Parser) ParseLine(line []byte) ([]Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ParseError{Line: string(line), Err: err}
	}

	switch env.Type {
	case "stream_event":
		if env.Event == nil {
			return nil, nil
		}
		return p.parseStreamEvent(env.Event), nil
	case "assistant":
		if env.Message == nil {
			return nil, nil
		}
		return p.parseAssistant(env.Message), nil
	case "result":
		if env.IsError || strings.HasPrefix(env.Subtype, "error") {
			msg := env.Result
			if msg == "" {
				msg = "agent reported " + env.Subtype
			}
			return []Record{{Kind: KindError, Text: msg}}, nil
		}
		return []Record{{Kind: KindStatus, Status: StatusIdle, SessionID: env.SessionID}}, nil
	case "system":
		if env.Subtype == "init" {
			return []Record{{Kind: KindStatus, Status: StatusInit, SessionID: env.SessionID}}, nil
		}
		return nil, nil
	case "error":
		return []Record{{Kind: KindError, Text: rawErrorText(env.Error)}}, nil
	default:
		return nil, nil
	}
}

func (p *Parser) parseStreamEvent(ev *streamEvent) []Record {
	switch ev.Type {
	case "message_start":
		clear(p.blocks)
		p.streamed = false
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		p.blocks[ev.Index] = ev.ContentBlock.Type
		p.streamed = true
		if ev.ContentBlock.Type == "thinking" {
			return []Record{{Kind: KindThinkingStart}}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		p.streamed = true
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return []Record{{Kind: KindToken, Text: ev.Delta.Text}}
		}
	case "content_block_stop":
		kind := p.blocks[ev.Index]
		delete(p.blocks, ev.Index)
		if kind == "thinking" {
			return []Record{{Kind: KindThinkingEnd}}
		}
	}
	return nil
}

func (p *Parser) parseAssistant(msg *messageBody) []Record {
	streamed := p.streamed
	p.streamed = false

	var out []Record
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if !streamed && block.Text != "" {
				out = append(out, Record{Kind: KindToken, Text: block.Text})
			}
		case "thinking":
			if !streamed {
				out = append(out, Record{Kind: KindThinkingStart}, Record{Kind: KindThinkingEnd})
			}
		case "tool_use":
			out = append(out, Record{Kind: KindToolStatus, Tool: block.Name, Text: DescribeTool(block.Name, block.Input)})
		}
	}
	return out
}

// DescribeTool renders a tool invocation as a short human-readable line.
func DescribeTool(name string, input map[string]any) string {
	if name == "" {
		name = "tool"
	}
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}

	var detail, verb string
	switch name {
	case "Bash":
		verb, detail = "Running", str("command")
	case "Read":
		verb, detail = "Reading", str("file_path")
	case "Write":
		verb, detail = "Writing", str("file_path")
	case "Edit", "MultiEdit":
		verb, detail = "Editing", str("file_path")
	case "Grep", "Glob":
		verb, detail = "Searching", str("pattern")
	case "WebFetch":
		verb, detail = "Fetching", str("url")
	case "WebSearch":
		verb, detail = "Searching the web", str("query")
	default:
		return "Using " + name
	}

	detail = strings.Join(strings.Fields(detail), " ")
	if detail == "" {
		return "Using " + name
	}
	detail = truncate(detail, maxToolDetail)
	if name == "Bash" {
		return "Running Bash: " + detail
	}
	return verb + " " + detail
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func rawErrorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "agent reported an error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
