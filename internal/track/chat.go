package track

import (
	"fmt"

	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/track/store"
)

// systemPrompt frames the assistant's role. Tool behavior is described in
// the tool definitions themselves.
const systemPrompt = `You are a security research assistant operating a Metasploit Framework console inside an isolated lab container. You help the operator enumerate targets, select and configure modules, run exploits, and interpret results.

Work methodically: inspect before you act, run one Metasploit command at a time, and summarize what the output means before proposing the next step. Use bash for auxiliary work such as scanning, file inspection, and scripting. All activity is confined to the authorized lab environment.`

// buildMessages converts the track's chat history to provider-neutral form.
// Thinking entries are not replayed; streaming entries are skipped since
// their content is not final. Tool invocations become an assistant tool call
// followed by a user tool result.
func buildMessages(entries []store.ChatEntry) []llm.Message {
	var out []llm.Message
	for _, entry := range entries {
		switch entry.EntryType {
		case store.EntryMessage:
			msg := entry.Message
			if msg == nil || msg.Streaming || msg.MessageType == store.MessageThinking {
				continue
			}
			if msg.Content == "" {
				continue
			}
			role := store.RoleUser
			if msg.Role == store.RoleAssistant {
				role = store.RoleAssistant
			}
			out = append(out, llm.Message{Role: role, Content: msg.Content})

		case store.EntryToolInvocation:
			tool := entry.Tool
			if tool == nil {
				continue
			}
			out = append(out, llm.Message{
				Role: store.RoleAssistant,
				ToolCalls: []llm.RequestToolCall{{
					ID:        tool.ToolCallID,
					Name:      tool.ToolName,
					Arguments: tool.Arguments,
				}},
			})
			result, isError := toolResultContent(tool)
			out = append(out, llm.Message{
				Role: store.RoleUser,
				ToolResults: []llm.ToolResult{{
					ToolCallID: tool.ToolCallID,
					Content:    result,
					IsError:    isError,
				}},
			})

		case store.EntryConsoleContext:
			if entry.ConsoleContext == "" {
				continue
			}
			out = append(out, llm.Message{
				Role:    store.RoleUser,
				Content: "Console activity since the last turn:\n" + entry.ConsoleContext,
			})
		}
	}
	return out
}

// toolResultContent renders a tool's outcome for the model. Every terminal
// status produces a result so the model always sees what happened.
func toolResultContent(tool *store.ToolInvocation) (string, bool) {
	switch tool.Status {
	case store.ToolSuccess:
		return tool.ResultContent, false
	case store.ToolDenied:
		reason := tool.DeniedReason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Sprintf("Tool call denied by the operator: %s", reason), true
	case store.ToolTimeout:
		return "Tool execution timed out.", true
	case store.ToolCancelled:
		return "Tool execution was cancelled.", true
	case store.ToolError:
		msg := tool.ErrorMessage
		if msg == "" {
			msg = "tool execution failed"
		}
		if tool.ResultContent != "" {
			return fmt.Sprintf("%s\n%s", msg, tool.ResultContent), true
		}
		return msg, true
	default:
		// Non-terminal states should not be replayed, but keep the pair
		// well-formed if one slips through.
		return "Tool execution did not complete.", true
	}
}
