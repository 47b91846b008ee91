// Package assistant provides the event model and subprocess client for the
// external assistant CLI. The CLI streams output in one of two modes:
// line-delimited JSON events (API-key mode) or plain text with tool-use
// sentinels (profile mode). Both modes normalize into the same Event type.
package assistant

// Kind classifies a parsed CLI output event.
type Kind string

const (
	// KindText is an assistant text chunk.
	KindText Kind = "text"
	// KindToolCall is a tool invocation (name + arguments).
	KindToolCall Kind = "tool_use"
	// KindToolResult is a tool outcome (name + payload).
	KindToolResult Kind = "tool_result"
	// KindUsage carries token and cost deltas.
	KindUsage Kind = "usage"
	// KindError is a CLI-reported error.
	KindError Kind = "error"
	// KindSystemNote is a parser- or CLI-originated note that is not part
	// of the assistant's answer (malformed lines, session markers).
	KindSystemNote Kind = "system"
)

// Usage is the token/cost delta reported by a usage event.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_input_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// TotalTokens returns the sum of all token counters.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Event is one normalized CLI output event. Fields are populated
// according to Kind.
type Event struct {
	Kind Kind

	// Text is set for KindText chunks, in arrival order.
	Text string

	// ToolName and Arguments are set for KindToolCall; ToolName and
	// Payload for KindToolResult.
	ToolName  string
	Arguments string
	Payload   string
	IsError   bool

	// Usage is set for KindUsage.
	Usage *Usage

	// Message is set for KindError and KindSystemNote.
	Message string
}
