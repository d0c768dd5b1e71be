// Package llm abstracts the completion provider behind a small request and
// response shape. Tool calls are returned to the caller rather than executed
// inside the provider, so the orchestrator keeps control of every invocation.
package llm

import "context"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a single tool invocation the model asked for.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult carries one executed (or refused) tool call back to the model.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one conversation entry. Assistant messages may carry tool
// calls; tool messages carry the matching results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes a tool offered to the model. InputSchema is a JSON
// Schema document; validation against it happens before execution.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Request is one completion call. Messages already include the latest user
// message and any tool results from earlier hops of the same turn.
type Request struct {
	System   string     `json:"system"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// Response is the provider's answer. A response with ToolCalls means the
// model wants tools run before it can produce a final reply.
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Provider is a completion backend. Implementations must honor context
// cancellation and must never execute tool calls themselves.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StaticProvider answers every request with a fixed line. It stands in when
// no API key is configured so the daemon still comes up.
type StaticProvider struct {
	Reply string
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	reply := s.Reply
	if reply == "" {
		reply = "I can answer with full reasoning once an API key is configured."
	}
	return &Response{Text: reply}, nil
}
