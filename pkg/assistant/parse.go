package assistant

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// ansiEscapeRegex matches ANSI CSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape codes from a string.
func StripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// Tool-use sentinels emitted by the CLI in plain-text (profile) mode.
const (
	sentinelRunning = "💻 Running command"
	sentinelReading = "📖 Reading"
	sentinelEdited  = "✏️ Edited"
)

// wireEvent is the JSON shape of one streamed CLI event.
type wireEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Message string          `json:"message,omitempty"`

	InputTokens         int64   `json:"input_tokens,omitempty"`
	OutputTokens        int64   `json:"output_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_input_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// maxNotePreview bounds how much of an unparseable line lands in a
// system note. The full line stays only in raw output buffers.
const maxNotePreview = 200

// Parser converts CLI output into Events. It is a line-oriented state
// machine: Feed accumulates raw chunks (PTY reads split lines at
// arbitrary byte boundaries) and emits one event per completed line;
// ParseLine classifies a single complete line.
//
// A Parser is not safe for concurrent use; each subprocess reader owns one.
type Parser struct {
	partial []byte
}

// Feed appends a raw output chunk and returns events for every line
// completed by it. The trailing partial line is retained for the next call.
func (p *Parser) Feed(chunk []byte) []Event {
	p.partial = append(p.partial, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.partial, '\n')
		if idx < 0 {
			return events
		}
		line := p.partial[:idx]
		p.partial = p.partial[idx+1:]
		if ev, ok := ParseLine(line); ok {
			events = append(events, ev)
		}
	}
}

// Flush drains any retained partial line as a final event. Call once
// after the subprocess closes its output.
func (p *Parser) Flush() (Event, bool) {
	if len(p.partial) == 0 {
		return Event{}, false
	}
	line := p.partial
	p.partial = nil
	return ParseLine(line)
}

// ParseLine classifies one complete output line. It returns false for
// lines that produce no event (blank lines, carriage-return artifacts).
// ANSI escapes are stripped first: under a PTY even JSON-mode lines
// arrive wrapped in terminal control sequences.
func ParseLine(line []byte) (Event, bool) {
	clean := strings.TrimSpace(StripANSI(strings.TrimRight(string(line), "\r")))
	if clean == "" {
		return Event{}, false
	}
	if clean[0] == '{' {
		return parseJSONLine(clean)
	}
	return parseTextLine(clean)
}

func parseJSONLine(line string) (Event, bool) {
	var we wireEvent
	if err := json.Unmarshal([]byte(line), &we); err != nil {
		return Event{Kind: KindSystemNote, Message: "unparseable event line: " + preview(line)}, true
	}

	switch Kind(we.Type) {
	case KindText:
		return Event{Kind: KindText, Text: we.Text}, true
	case KindToolCall:
		return Event{Kind: KindToolCall, ToolName: we.Name, Arguments: string(we.Input)}, true
	case KindToolResult:
		return Event{Kind: KindToolResult, ToolName: we.Name, Payload: we.Content, IsError: we.IsError}, true
	case KindUsage:
		return Event{Kind: KindUsage, Usage: &Usage{
			InputTokens:         we.InputTokens,
			OutputTokens:        we.OutputTokens,
			CacheCreationTokens: we.CacheCreationTokens,
			CacheReadTokens:     we.CacheReadTokens,
			CostUSD:             we.CostUSD,
		}}, true
	case KindError:
		msg := we.Message
		if msg == "" {
			msg = we.Text
		}
		return Event{Kind: KindError, Message: msg, IsError: true}, true
	case KindSystemNote:
		return Event{Kind: KindSystemNote, Message: we.Message}, true
	}

	return Event{Kind: KindSystemNote, Message: "unknown event type: " + we.Type}, true
}

// parseTextLine classifies a plain-text line by tool sentinel, falling
// back to an assistant text chunk. The trailing newline is restored on
// text chunks so concatenation reproduces the original output.
func parseTextLine(clean string) (Event, bool) {
	if rest, ok := strings.CutPrefix(clean, sentinelRunning); ok {
		return Event{Kind: KindToolCall, ToolName: "bash", Arguments: strings.TrimSpace(rest)}, true
	}
	if rest, ok := strings.CutPrefix(clean, sentinelReading); ok {
		return Event{Kind: KindToolCall, ToolName: "read", Arguments: strings.TrimSpace(rest)}, true
	}
	if rest, ok := strings.CutPrefix(clean, sentinelEdited); ok {
		return Event{Kind: KindToolResult, ToolName: "edit", Payload: strings.TrimSpace(rest)}, true
	}

	return Event{Kind: KindText, Text: clean + "\n"}, true
}

func preview(s string) string {
	if len(s) > maxNotePreview {
		return s[:maxNotePreview] + "…"
	}
	return s
}
