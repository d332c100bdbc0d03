package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rekal-dev/remi/cmd/remi/cli/model"
)

// claudeLine is the top-level structure of a JSONL line from a Claude Code
// session.
type claudeLine struct {
	UUID      string          `json:"uuid"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	Slug      string          `json:"slug"`
	CWD       string          `json:"cwd"`
	GitBranch string          `json:"gitBranch"`

	// isSidechain lines are filtered out
	IsSidechain bool `json:"isSidechain"`
}

// claudeMessage is the message field within a JSONL line.
type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// toolInput holds common fields from tool_use input blocks.
type toolInput struct {
	FilePath string `json:"file_path"`
	Path     string `json:"path"`
	Command  string `json:"command"`
}

// normalizeClaude maps one Claude Code line. User lines keep their text and
// drop tool_result blocks. Assistant lines keep text blocks and turn
// tool_use blocks into events. Thinking blocks, file-history snapshots and
// sidechain lines are discarded.
func normalizeClaude(agent model.Agent, rec model.NativeRecord) (model.Batch, error) {
	var raw claudeLine
	if err := json.Unmarshal(rec.Payload, &raw); err != nil {
		return model.Batch{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if raw.IsSidechain || raw.Type == "file-history-snapshot" {
		return model.Batch{}, nil
	}
	if raw.Type != "user" && raw.Type != "assistant" {
		return model.Batch{}, nil
	}
	if len(raw.Message) == 0 {
		return model.Batch{}, nil
	}

	var msg claudeMessage
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		return model.Batch{}, fmt.Errorf("%w: message: %v", errMalformed, err)
	}
	if msg.Role == "" {
		msg.Role = raw.Type
	}
	if msg.Role != raw.Type {
		return model.Batch{}, nil
	}

	key := firstNonEmpty(raw.SessionID, sessionSeed(rec.SourcePath))
	b := newBuilder(agent, rec, key, raw.Slug)

	switch raw.Type {
	case "user":
		if text := extractText(msg.Content, false); text != "" {
			b.message("user", text)
		}
	case "assistant":
		text, calls, err := parseAssistantContent(msg.Content)
		if err != nil {
			return model.Batch{}, err
		}
		var mid string
		if text != "" {
			mid = b.message("assistant", text)
		}
		for i, tc := range calls {
			b.toolCall(mid, i, tc)
		}
	}
	return b.result(), nil
}

// parseAssistantContent extracts text and tool calls from an assistant
// message. Content can be a string or an array of blocks.
func parseAssistantContent(content json.RawMessage) (string, []ToolCall, error) {
	if len(content) == 0 {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", nil, fmt.Errorf("%w: content: %v", errMalformed, err)
	}
	var parts []string
	var calls []ToolCall
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			calls = append(calls, extractToolCall(b))
			// Discard: "thinking", "tool_result", etc.
		}
	}
	return strings.Join(parts, "\n"), calls, nil
}

// extractToolCall builds a ToolCall from a tool_use content block.
func extractToolCall(b contentBlock) ToolCall {
	tc := ToolCall{Tool: b.Name}
	if len(b.Input) == 0 {
		return tc
	}
	var inp toolInput
	if err := json.Unmarshal(b.Input, &inp); err != nil {
		return tc
	}

	// Prefer file_path, fall back to path.
	if inp.FilePath != "" {
		tc.Path = inp.FilePath
	} else if inp.Path != "" {
		tc.Path = inp.Path
	}

	// For Bash tool, capture first 100 chars of command.
	if inp.Command != "" {
		tc.CmdPrefix = truncate(inp.Command, 100)
	}
	return tc
}

// truncate keeps the first maxLen runes of s.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
