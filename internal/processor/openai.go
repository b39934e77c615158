package processor

import (
	"encoding/json"
)

type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ReqMessage    `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	N           *int            `json:"n"`
	Stream      bool            `json:"stream"`
	Tools       []Tool          `json:"tools"`
	Functions   []FunctionDef   `json:"functions"`
	ToolChoice  json.RawMessage `json:"tool_choice"` // "auto" | "none" | {"type":"function",...}
	Stop        json.RawMessage `json:"stop"`        // string OR []string
	Logprobs    *bool           `json:"logprobs"`
	User        string          `json:"user"`
}

type ReqMessage struct {
	Role    string          `json:"role"`    // "system" | "user" | "assistant" | "tool" | "function"
	Content json.RawMessage `json:"content"` // string OR []ContentPart
	Name    string          `json:"name"`
}

type Tool struct {
	Type     string      `json:"type"` // "function"
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ParsedRequest struct {
	Model        string
	MaxTokens    int
	Temperature  *float64
	TopP         *float64
	MessageCount int
	ToolCount    int
	ChoiceCount  int
	Stream       bool
}

// ParseRequest extracts the request fields the analytics path cares about.
// Returns a zero-value ParsedRequest (ChoiceCount 1) on parse failure.
func ParseRequest(body []byte) ParsedRequest {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ParsedRequest{ChoiceCount: 1}
	}

	n := 1
	if req.N != nil && *req.N > 0 {
		n = *req.N
	}

	toolCount := len(req.Tools)
	if toolCount == 0 {
		toolCount = len(req.Functions)
	}

	return ParsedRequest{
		Model:        req.Model,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MessageCount: len(req.Messages),
		ToolCount:    toolCount,
		ChoiceCount:  n,
		Stream:       req.Stream,
	}
}
