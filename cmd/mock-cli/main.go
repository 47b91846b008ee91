// Package main implements a mock assistant CLI for development and
// end-to-end testing. It speaks the same line protocol the control plane
// parses: stream-json events when invoked with --output-format
// stream-json, and a plain interactive prompt otherwise.
//
// Responses are canned. A prompt containing "tool" adds a simulated
// tool call, and a prompt containing "error" produces an error event
// with a non-zero exit.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const promptMarker = "❯"

type outEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Message string          `json:"message,omitempty"`

	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

type options struct {
	jsonMode     bool
	systemPrompt string
	model        string
	delay        time.Duration
}

func main() {
	opts := parseArgs(os.Args[1:])

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	if opts.jsonMode {
		runJSON(scanner, opts)
		return
	}
	runPlain(scanner, opts)
}

// parseArgs handles the argument subset the control plane passes. Unknown
// flags are ignored so base args like --print pass through harmlessly.
func parseArgs(args []string) options {
	opts := options{model: "mock-default"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output-format":
			if i+1 < len(args) && args[i+1] == "stream-json" {
				opts.jsonMode = true
				i++
			}
		case "--system-prompt":
			if i+1 < len(args) {
				opts.systemPrompt = args[i+1]
				i++
			}
		case "--model":
			if i+1 < len(args) {
				opts.model = args[i+1]
				i++
			}
		case "--delay":
			if i+1 < len(args) {
				if d, err := time.ParseDuration(args[i+1]); err == nil {
					opts.delay = d
				}
				i++
			}
		}
	}
	return opts
}

// runJSON emits stream-json events: a session marker up front, then one
// response per prompt line until stdin closes.
func runJSON(scanner *bufio.Scanner, opts options) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(outEvent{
		Type:    "system",
		Message: fmt.Sprintf("mock session started (model %s, pid %d)", opts.model, os.Getpid()),
	})

	failed := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}

		if strings.Contains(strings.ToLower(line), "error") {
			_ = enc.Encode(outEvent{Type: "error", Message: "mock failure: " + line})
			failed = true
			continue
		}

		if strings.Contains(strings.ToLower(line), "tool") {
			_ = enc.Encode(outEvent{Type: "tool_use", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)})
			_ = enc.Encode(outEvent{Type: "tool_result", Name: "bash", Content: "main.go\nREADME.md"})
		}

		_ = enc.Encode(outEvent{Type: "text", Text: respondTo(line, opts)})
		_ = enc.Encode(outEvent{
			Type:         "usage",
			InputTokens:  int64(len(line)),
			OutputTokens: 42,
			CostUSD:      0.0003,
		})
	}

	if failed {
		os.Exit(1)
	}
}

// runPlain simulates the interactive terminal surface: banner, prompt
// marker, plain text responses.
func runPlain(scanner *bufio.Scanner, opts options) {
	fmt.Printf("mock-cli %s interactive session\n", opts.model)
	fmt.Println(promptMarker)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Println(promptMarker)
			continue
		}
		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}

		if strings.Contains(strings.ToLower(line), "tool") {
			fmt.Println("💻 Running command: ls")
		}
		fmt.Println(respondTo(line, opts))
		fmt.Println(promptMarker)
	}
}

// respondTo produces a deterministic canned answer for a prompt line.
func respondTo(line string, opts options) string {
	if opts.systemPrompt != "" {
		return fmt.Sprintf("[%s] mock response to: %s", firstWords(opts.systemPrompt, 3), line)
	}
	return "mock response to: " + line
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
