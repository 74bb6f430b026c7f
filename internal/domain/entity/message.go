package entity

import "time"

// Role is the speaker of a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// PartType discriminates ContentPart variants.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
	PartImage      PartType = "image"
)

// ContentPart is one of Text | ToolUse | ToolResult | Reasoning | Image.
// Only the fields relevant to Type are populated; this mirrors the
// closed, tagged-union shape the runner streams over (see StreamChunk).
type ContentPart struct {
	Type PartType `json:"type"`

	// Text / Reasoning
	Text string `json:"text,omitempty"`

	// ToolUse
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	InputJSON map[string]interface{} `json:"input,omitempty"`

	// ToolResult
	Output string `json:"output,omitempty"`

	// Image
	ImageURL string `json:"image_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is an ordered sequence of content parts carrying a Role.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []ContentPart `json:"parts"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewMessage builds a Message with a single text part — the common case
// for user input and plain assistant replies.
func NewMessage(id string, role Role, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		Parts:     []ContentPart{{Type: PartText, Text: text}},
		Timestamp: time.Now(),
	}
}

// ToolUses returns every ToolUse part in the message, in order.
func (m Message) ToolUses() []ContentPart {
	var out []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartToolUse {
			out = append(out, p)
		}
	}
	return out
}

// Text concatenates every Text part, ignoring tool/reasoning/image parts.
func (m Message) Text() string {
	var sb []byte
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb = append(sb, p.Text...)
		}
	}
	return string(sb)
}

// IsEmpty reports whether the message carries no content parts at all.
func (m Message) IsEmpty() bool {
	return len(m.Parts) == 0
}
