package parse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/agent-lens/backend/internal/state"
)

// Kind classifies a transcript line.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindToolCall
	KindCompact
	KindThinking
	KindProgress
	KindTurnEnd
	KindAgentActivity
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindMessage:       "message",
	KindToolCall:      "tool_call",
	KindCompact:       "compact",
	KindThinking:      "thinking",
	KindProgress:      "progress",
	KindTurnEnd:       "turn_end",
	KindAgentActivity: "agent_activity",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Msg is an inter-agent message extracted from a SendMessage tool-use
// block.
type Msg struct {
	ID      string
	From    string
	To      string
	Content string
	Summary string
}

// Line is the classified form of one transcript line.
type Line struct {
	Kind         Kind
	Label        string // human label for tool_call/thinking/progress/compact
	ToolName     string // raw tool name for tool_call
	IsUserPrompt bool   // tool_call expects user input (question/plan tools)
	Msg          *Msg   // populated for KindMessage
}

type transcriptEntry struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	Name      string          `json:"name"`
	AgentName string          `json:"agentName"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
	Message   json.RawMessage `json:"message"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	ID       string          `json:"id"`
	Input    json.RawMessage `json:"input"`
	Thinking string          `json:"thinking"`
	Text     string          `json:"text"`
}

type innerMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// userPromptTools expect input from the user while in flight.
var userPromptTools = map[string]bool{
	"AskUserQuestion": true,
	"EnterPlanMode":   true,
	"ExitPlanMode":    true,
}

// ParseTranscriptLine classifies one JSONL transcript line. Returns nil
// for blank, malformed, or non-object lines (arrays and null are
// rejected), and for SendMessage blocks missing a sender or recipient —
// those are left to the hook-side path.
func ParseTranscriptLine(raw []byte) *Line {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var entry transcriptEntry
	if err := json.Unmarshal(trimmed, &entry); err != nil {
		return nil
	}

	switch entry.Type {
	case "system":
		switch entry.Subtype {
		case "compact_boundary", "microcompact_boundary":
			return &Line{Kind: KindCompact, Label: "Compacting conversation..."}
		case "turn_duration":
			return &Line{Kind: KindTurnEnd}
		}
		return &Line{Kind: KindUnknown}

	case "progress":
		return &Line{Kind: KindProgress, Label: progressLabel(entry.Subtype)}

	case "tool_result", "tool_output":
		return &Line{Kind: KindAgentActivity}
	}

	blocks := collectBlocks(entry)

	// SendMessage blocks take precedence: they carry inter-agent traffic.
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		if b.Name == "SendMessage" || b.Name == "SendMessageTool" {
			return messageLine(entry, b)
		}
	}

	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name == "" {
			continue
		}
		input := decodeInput(b.Input)
		return &Line{
			Kind:         KindToolCall,
			Label:        DescribeToolAction(b.Name, input),
			ToolName:     b.Name,
			IsUserPrompt: userPromptTools[b.Name],
		}
	}

	if entry.Type == "assistant" && len(blocks) > 0 {
		switch blocks[0].Type {
		case "thinking":
			return &Line{Kind: KindThinking, Label: "Thinking..."}
		case "text":
			return &Line{Kind: KindThinking, Label: "Responding..."}
		}
	}

	// User entries carrying tool_result blocks are the agent's own
	// activity (a tool round-trip), not real user input.
	if entry.Type == "user" && len(blocks) > 0 && blocks[0].Type == "tool_result" {
		return &Line{Kind: KindAgentActivity}
	}

	return &Line{Kind: KindUnknown}
}

// messageLine builds a KindMessage line from a SendMessage tool-use
// block. Returns nil when the sender or recipient cannot be determined.
func messageLine(entry transcriptEntry, b contentBlock) *Line {
	input := decodeInput(b.Input)

	sender := entry.AgentName
	if sender == "" && entry.Type != "tool_use" {
		sender = entry.Name
	}
	if sender == "" {
		return nil
	}

	msgType := InputString(input, "type")
	recipient := InputString(input, "recipient")
	if msgType == "broadcast" && recipient == "" {
		recipient = "all"
	}
	if recipient == "" {
		return nil
	}

	return &Line{
		Kind: KindMessage,
		Msg: &Msg{
			ID:      b.ID,
			From:    sender,
			To:      recipient,
			Content: InputString(input, "content"),
			Summary: InputString(input, "summary"),
		},
	}
}

// collectBlocks discovers tool-use and content blocks in the three
// positional layouts transcripts use: top-level content[], the entry
// itself being a tool_use, or nested message.content[].
func collectBlocks(entry transcriptEntry) []contentBlock {
	if entry.Type == "tool_use" {
		return []contentBlock{{
			Type:  "tool_use",
			Name:  entry.Name,
			ID:    entry.ID,
			Input: entry.Input,
		}}
	}

	var blocks []contentBlock
	if len(entry.Content) > 0 {
		var top []contentBlock
		if err := json.Unmarshal(entry.Content, &top); err == nil {
			blocks = append(blocks, top...)
		}
	}

	if len(entry.Message) > 0 {
		var inner innerMessage
		if err := json.Unmarshal(entry.Message, &inner); err == nil && len(inner.Content) > 0 {
			var nested []contentBlock
			if err := json.Unmarshal(inner.Content, &nested); err == nil {
				blocks = append(blocks, nested...)
			}
		}
	}

	return blocks
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	return input
}

func progressLabel(subtype string) string {
	lower := strings.ToLower(subtype)
	switch {
	case strings.Contains(lower, "bash"), strings.Contains(lower, "command"):
		return "Running command..."
	case strings.Contains(lower, "agent"), strings.Contains(lower, "task"):
		return "Agent working..."
	default:
		return "Processing..."
	}
}

// WaitingTypeForTool maps a user-prompt tool name onto the waiting
// qualifier shown to clients: question tools wait on a question, plan
// tools wait on plan entry or approval.
func WaitingTypeForTool(toolName string) state.WaitingType {
	switch toolName {
	case "EnterPlanMode":
		return state.WaitPlan
	case "ExitPlanMode":
		return state.WaitPlanApproval
	default:
		return state.WaitQuestion
	}
}
