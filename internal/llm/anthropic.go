package llm

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/logger"
)

// AnthropicMessages is the subset of the Anthropic SDK the provider uses.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type AnthropicMessages interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider adapts the Claude Messages API to the normalized event
// protocol.
type AnthropicProvider struct {
	msg       AnthropicMessages
	maxTokens int
	logger    *logger.Logger
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider builds a provider over the default SDK client.
func NewAnthropicProvider(apiKey string, maxTokens int, log *logger.Logger) *AnthropicProvider {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProviderWithClient(&client.Messages, maxTokens, log)
}

// NewAnthropicProviderWithClient builds a provider over an explicit Messages
// client.
func NewAnthropicProviderWithClient(msg AnthropicMessages, maxTokens int, log *logger.Logger) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &AnthropicProvider{msg: msg, maxTokens: maxTokens, logger: log}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// anthropicModels is the curated catalogue this provider advertises.
var anthropicModels = []ModelInfo{
	{Name: "claude-sonnet-4-5-20250929", Provider: "anthropic", ContextWindow: 200000},
	{Name: "claude-opus-4-1-20250805", Provider: "anthropic", ContextWindow: 200000},
	{Name: "claude-3-7-sonnet-20250219", Provider: "anthropic", ContextWindow: 200000},
	{Name: "claude-3-5-haiku-20241022", Provider: "anthropic", ContextWindow: 200000},
}

// ListModels returns the provider's model catalogue.
func (p *AnthropicProvider) ListModels() []ModelInfo {
	out := make([]ModelInfo, len(anthropicModels))
	copy(out, anthropicModels)
	return out
}

// Chat starts a streaming request. The stream task emits normalized events
// tagged by the returned ref until completion or error.
func (p *AnthropicProvider) Chat(ctx context.Context, req Request, sink chan<- StreamEvent) (string, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return "", err
	}

	ref := uuid.New().String()
	go p.runStream(ctx, ref, req.CacheContext, params, sink)
	return ref, nil
}

func (p *AnthropicProvider) encodeRequest(req Request) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, m := range req.Messages {
		var blocks []sdk.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}
		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case roleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		}
	}

	for _, tool := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: tool.InputSchema}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	return params, nil
}

// anthropicToolBuffer accumulates a tool_use block's JSON fragments until the
// block stops.
type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *anthropicToolBuffer) arguments() map[string]any {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func (p *AnthropicProvider) runStream(ctx context.Context, ref, cacheContext string, params sdk.MessageNewParams, sink chan<- StreamEvent) {
	stream := p.msg.NewStreaming(ctx, params)
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	emit := func(ev StreamEvent) bool {
		ev.Ref = ref
		select {
		case sink <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if err := stream.Err(); err != nil {
		emit(StreamEvent{Type: EventStreamError, ErrorReason: err.Error(), Recoverable: isTransient(err)})
		return
	}

	started := false
	toolBuffers := make(map[int]*anthropicToolBuffer)
	stopReason := ""
	inputTokens, outputTokens := 0, 0

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			started = true
			if !emit(StreamEvent{Type: EventStreamStarted}) {
				return
			}

		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			blockType := BlockText
			switch block := ev.ContentBlock.AsAny().(type) {
			case sdk.ThinkingBlock, sdk.RedactedThinkingBlock:
				blockType = BlockThinking
			case sdk.ToolUseBlock:
				blockType = BlockToolCall
				toolBuffers[idx] = &anthropicToolBuffer{id: block.ID, name: block.Name}
			}
			if !emit(StreamEvent{Type: EventContentBlockStart, Index: idx, BlockType: blockType}) {
				return
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(StreamEvent{Type: EventContentDelta, Index: idx, Delta: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !emit(StreamEvent{Type: EventContentDelta, Index: idx, Delta: delta.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if buf := toolBuffers[idx]; buf != nil {
					buf.fragments = append(buf.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if buf := toolBuffers[idx]; buf != nil {
				delete(toolBuffers, idx)
				if !emit(StreamEvent{
					Type:       EventToolCall,
					Index:      idx,
					ToolCallID: buf.id,
					ToolName:   buf.name,
					Arguments:  buf.arguments(),
				}) {
					return
				}
			}
			if !emit(StreamEvent{Type: EventContentBlockStop, Index: idx}) {
				return
			}

		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				stopReason = mapAnthropicStopReason(string(ev.Delta.StopReason))
			}
			inputTokens = int(ev.Usage.InputTokens)
			outputTokens = int(ev.Usage.OutputTokens)

		case sdk.MessageStopEvent:
			if stopReason == "" {
				stopReason = StopEndTurn
			}
			emit(StreamEvent{
				Type:         EventStreamComplete,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				CacheContext: cacheContext,
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		p.logger.Warn("anthropic stream failed", zap.String("ref", ref), zap.Error(err))
		emit(StreamEvent{Type: EventStreamError, ErrorReason: err.Error(), Recoverable: isTransient(err)})
		return
	}
	if !started {
		emit(StreamEvent{Type: EventStreamError, ErrorReason: "stream ended before message_start", Recoverable: true})
		return
	}
	// Stream ended without an explicit message_stop.
	if stopReason == "" {
		stopReason = StopEndTurn
	}
	emit(StreamEvent{
		Type:         EventStreamComplete,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CacheContext: cacheContext,
	})
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return StopEndTurn
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// isTransient classifies errors worth retrying: rate limits, overload, and
// network timeouts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "overloaded", "timeout", "temporarily", "503", "529"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
