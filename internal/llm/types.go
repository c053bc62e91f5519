// Package llm normalizes LLM providers behind a single streaming event
// protocol. Each chat request runs as a task emitting events tagged by a
// unique ref; callers cancel by discarding the ref and ignoring its events.
package llm

import "context"

// EventType enumerates the normalized stream events.
type EventType string

const (
	EventStreamStarted     EventType = "stream_started"
	EventContentBlockStart EventType = "content_block_start"
	EventContentDelta      EventType = "content_delta"
	EventToolCall          EventType = "tool_call"
	EventContentBlockStop  EventType = "content_block_stop"
	EventStreamComplete    EventType = "stream_complete"
	EventStreamError       EventType = "stream_error"
)

// BlockType classifies a content block.
type BlockType string

const (
	BlockThinking BlockType = "thinking"
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
)

// Stop reasons carried by EventStreamComplete.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// StreamEvent is one normalized event. Indices are monotonic within a stream
// but not necessarily dense.
type StreamEvent struct {
	Ref   string
	Type  EventType
	Index int

	BlockType BlockType // content_block_start
	Delta     string    // content_delta

	ToolCallID string         // tool_call
	ToolName   string         // tool_call
	Arguments  map[string]any // tool_call

	StopReason   string // stream_complete
	InputTokens  int    // stream_complete
	OutputTokens int    // stream_complete
	CacheContext string // stream_complete; opaque, threaded into the next request

	ErrorReason string // stream_error
	Recoverable bool   // stream_error
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"context_window"`
}

// RequestToolCall is a prior tool call echoed back in conversation history.
type RequestToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult carries the outcome of a prior tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role        string // user or assistant
	Content     string
	Thinking    string
	ToolCalls   []RequestToolCall
	ToolResults []ToolResult
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a provider-neutral chat request.
type Request struct {
	Model        string
	System       string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	CacheContext string
}

// Provider streams chat completions and lists its models.
type Provider interface {
	Name() string
	ListModels() []ModelInfo

	// Chat starts a streaming request. Events tagged with the returned ref
	// are delivered to sink from a separate goroutine; the stream always
	// terminates with EventStreamComplete or EventStreamError.
	Chat(ctx context.Context, req Request, sink chan<- StreamEvent) (string, error)
}

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)
