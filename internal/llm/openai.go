package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/logger"
)

// OpenAIChat is the subset of the OpenAI SDK the provider uses. Satisfied by
// the SDK's chat completion service; tests substitute a fake.
type OpenAIChat interface {
	NewStreaming(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk]
}

// OpenAIProvider adapts the Chat Completions API to the normalized event
// protocol. OpenAI streams have no content-block structure, so the adapter
// synthesizes one: text occupies block 0 and tool calls follow.
type OpenAIProvider struct {
	chat      OpenAIChat
	maxTokens int
	logger    *logger.Logger
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a provider over the default SDK client.
func NewOpenAIProvider(apiKey string, maxTokens int, log *logger.Logger) *OpenAIProvider {
	client := oai.NewClient(option.WithAPIKey(apiKey))
	return NewOpenAIProviderWithClient(&client.Chat.Completions, maxTokens, log)
}

// NewOpenAIProviderWithClient builds a provider over an explicit chat client.
func NewOpenAIProviderWithClient(chat OpenAIChat, maxTokens int, log *logger.Logger) *OpenAIProvider {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &OpenAIProvider{chat: chat, maxTokens: maxTokens, logger: log}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

var openaiModels = []ModelInfo{
	{Name: "gpt-5", Provider: "openai", ContextWindow: 400000},
	{Name: "gpt-5-mini", Provider: "openai", ContextWindow: 400000},
	{Name: "gpt-4.1", Provider: "openai", ContextWindow: 1047576},
	{Name: "gpt-4o", Provider: "openai", ContextWindow: 128000},
}

// ListModels returns the provider's model catalogue.
func (p *OpenAIProvider) ListModels() []ModelInfo {
	out := make([]ModelInfo, len(openaiModels))
	copy(out, openaiModels)
	return out
}

// Chat starts a streaming request tagged by the returned ref.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request, sink chan<- StreamEvent) (string, error) {
	params := p.encodeRequest(req)
	ref := uuid.New().String()
	go p.runStream(ctx, ref, req.CacheContext, params, sink)
	return ref, nil
}

func (p *OpenAIProvider) encodeRequest(req Request) oai.ChatCompletionNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(req.Model),
		MaxCompletionTokens: oai.Int(int64(maxTokens)),
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: oai.Bool(true),
		},
	}

	if req.System != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case roleAssistant:
			assistant := oai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = oai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			params.Messages = append(params.Messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			for _, tr := range m.ToolResults {
				params.Messages = append(params.Messages, oai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		default:
			if m.Content != "" {
				params.Messages = append(params.Messages, oai.UserMessage(m.Content))
			}
			for _, tr := range m.ToolResults {
				params.Messages = append(params.Messages, oai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		}
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: oai.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.InputSchema),
			},
		})
	}

	return params
}

// openaiToolBuffer accumulates one streamed tool call.
type openaiToolBuffer struct {
	id        string
	name      string
	arguments strings.Builder
}

func (b *openaiToolBuffer) parsedArguments() map[string]any {
	raw := strings.TrimSpace(b.arguments.String())
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func (p *OpenAIProvider) runStream(ctx context.Context, ref, cacheContext string, params oai.ChatCompletionNewParams, sink chan<- StreamEvent) {
	stream := p.chat.NewStreaming(ctx, params)
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

	if !emit(StreamEvent{Type: EventStreamStarted}) {
		return
	}

	textOpen := false
	tools := make(map[int64]*openaiToolBuffer) // keyed by SDK tool index
	toolOrder := []int64{}
	finishReason := ""
	inputTokens, outputTokens := 0, 0

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			inputTokens = int(chunk.Usage.PromptTokens)
			outputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !textOpen {
				textOpen = true
				if !emit(StreamEvent{Type: EventContentBlockStart, Index: 0, BlockType: BlockText}) {
					return
				}
			}
			if !emit(StreamEvent{Type: EventContentDelta, Index: 0, Delta: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := tools[tc.Index]
			if !ok {
				buf = &openaiToolBuffer{}
				tools[tc.Index] = buf
				toolOrder = append(toolOrder, tc.Index)
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.arguments.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := stream.Err(); err != nil {
		p.logger.Warn("openai stream failed", zap.String("ref", ref), zap.Error(err))
		emit(StreamEvent{Type: EventStreamError, ErrorReason: err.Error(), Recoverable: isTransient(err)})
		return
	}

	// Close the synthesized blocks: text first, then tool calls in order of
	// first appearance. Tool blocks occupy indices after the text block.
	if textOpen {
		if !emit(StreamEvent{Type: EventContentBlockStop, Index: 0}) {
			return
		}
	}
	blockIndex := 1
	for _, sdkIndex := range toolOrder {
		buf := tools[sdkIndex]
		if !emit(StreamEvent{Type: EventContentBlockStart, Index: blockIndex, BlockType: BlockToolCall}) {
			return
		}
		if !emit(StreamEvent{
			Type:       EventToolCall,
			Index:      blockIndex,
			ToolCallID: buf.id,
			ToolName:   buf.name,
			Arguments:  buf.parsedArguments(),
		}) {
			return
		}
		if !emit(StreamEvent{Type: EventContentBlockStop, Index: blockIndex}) {
			return
		}
		blockIndex++
	}

	emit(StreamEvent{
		Type:         EventStreamComplete,
		StopReason:   mapOpenAIFinishReason(finishReason),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CacheContext: cacheContext,
	})
}

func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
