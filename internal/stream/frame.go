package stream

import (
	"encoding/json"
	"strings"
)

// doneSentinel is the literal payload signalling that no further frames
// will arrive on this stream.
const doneSentinel = "[DONE]"

// RecordKind classifies one logical record from the event stream.
type RecordKind int

const (
	// RecordSkip marks empty records and SSE comments.
	RecordSkip RecordKind = iota
	// RecordDone marks the end-of-stream sentinel.
	RecordDone
	// RecordData marks a record carrying a JSON frame payload.
	RecordData
)

// ClassifyRecord strips SSE framing from a record and reports what it
// carries. Records starting with ':' are comments. Records with a "data:"
// prefix have it removed; any other non-empty record is treated as a data
// record for backward compatibility with older endpoints.
func ClassifyRecord(record string) (payload string, kind RecordKind) {
	line := strings.TrimSpace(record)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", RecordSkip
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		line = strings.TrimSpace(rest)
	}
	if line == doneSentinel {
		return "", RecordDone
	}
	if line == "" {
		return "", RecordSkip
	}
	return line, RecordData
}

// ChatFrame is one decoded JSON record from a chat completion stream.
// Frames may carry any combination of per-choice deltas, a stream-global
// usage record, a top-level error, and protocol side-channel payloads that
// are not tied to any choice.
type ChatFrame struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Choices []ChoiceFrame `json:"choices"`
	Error   *FrameError   `json:"error"`
	Usage   *Usage        `json:"usage"`

	Confirmation json.RawMessage `json:"copilot_confirmation"`
	References   json.RawMessage `json:"copilot_references"`
	Errors       json.RawMessage `json:"copilot_errors"`
}

// HasSideChannel reports whether the frame carries any payload that must be
// forwarded even when no choices are present.
func (f *ChatFrame) HasSideChannel() bool {
	return len(f.Confirmation) > 0 || len(f.References) > 0 || len(f.Errors) > 0
}

// FrameError is a protocol-level error payload attached to a frame.
type FrameError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ChoiceFrame is the per-choice portion of a frame. Completion-style
// endpoints put incremental text in Text; chat-style endpoints use Delta.
type ChoiceFrame struct {
	Index        int             `json:"index"`
	Text         string          `json:"text"`
	Delta        *Delta          `json:"delta"`
	FinishReason string          `json:"finish_reason"`
	Logprobs     json.RawMessage `json:"logprobs"`
}

// Delta carries the incremental chat-style content of a choice frame.
type Delta struct {
	Role          string             `json:"role"`
	Content       *string            `json:"content"`
	ToolCalls     []ToolCallFragment `json:"tool_calls"`
	FunctionCall  *FunctionFragment  `json:"function_call"`
	Annotations   json.RawMessage    `json:"copilot_annotations"`
	ReasoningText string             `json:"reasoning_text"`
}

// ToolCallFragment is one non-atomic piece of a streamed tool call. The id
// may arrive after the first fragment; argument text accumulates across
// fragments.
type ToolCallFragment struct {
	Index    int               `json:"index"`
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function *FunctionFragment `json:"function"`
}

// FunctionFragment is a partial name/arguments pair shared by the tool-call
// and legacy function-call wire shapes.
type FunctionFragment struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token accounting record emitted once per stream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ParseFrame decodes a data record payload into a ChatFrame. Callers treat
// a returned error as a malformed frame: reported and skipped, never fatal
// to the rest of the stream.
func ParseFrame(payload string) (*ChatFrame, error) {
	var frame ChatFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// validateAnnotations checks that an annotations payload is an object whose
// categories each hold an array of annotation records. Anything else is
// rejected so a malformed payload is dropped rather than forwarded.
func validateAnnotations(raw json.RawMessage) bool {
	var categories map[string][]map[string]any
	return json.Unmarshal(raw, &categories) == nil
}
