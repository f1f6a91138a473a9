package convstate

import (
	"time"

	"github.com/haasonsaas/convcore/pkg/models"
)

// newUserMessage builds the persisted record for an incoming UserMessage
// event. SequenceID is left zero: storage assigns it at insert time.
func newUserMessage(ctx Context, ev UserMessageEvent) models.Message {
	return models.Message{
		ID:             ctx.Ids.NewID(),
		ConversationID: ctx.ConversationID,
		Kind:           models.MessageKindUser,
		User: &models.UserContent{
			Text:   ev.Text,
			Images: ev.Images,
		},
		CreatedAt: ctx.Clock.Now(),
	}
}

// newAgentTextMessage builds an Agent-kind message with a single text
// block, used both for ordinary text responses and for the text
// description of a fatal/persistence error.
func newAgentTextMessage(ctx Context, text string, usage models.Usage) models.Message {
	return models.Message{
		ID:             ctx.Ids.NewID(),
		ConversationID: ctx.ConversationID,
		Kind:           models.MessageKindAgent,
		Agent: &models.AgentContent{
			Blocks: []models.ContentBlock{{Kind: models.ContentBlockText, Text: text}},
		},
		Usage:     &usage,
		CreatedAt: ctx.Clock.Now(),
	}
}

// newAgentToolUseMessage builds an Agent-kind message combining an
// optional leading text block with one tool-use block per call, in the
// order the calls appear.
func newAgentToolUseMessage(ctx Context, text string, calls []models.ToolCall, usage models.Usage) models.Message {
	blocks := make([]models.ContentBlock, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Kind: models.ContentBlockText, Text: text})
	}
	for _, c := range calls {
		c := c
		blocks = append(blocks, models.ContentBlock{
			Kind:    models.ContentBlockToolUse,
			ToolUse: &models.ToolUseBlock{ID: c.ID, Name: c.Name, Input: c.Input},
		})
	}
	return models.Message{
		ID:             ctx.Ids.NewID(),
		ConversationID: ctx.ConversationID,
		Kind:           models.MessageKindAgent,
		Agent:          &models.AgentContent{Blocks: blocks},
		Usage:          &usage,
		CreatedAt:      ctx.Clock.Now(),
	}
}

// newToolResultMessage builds the Tool-kind message answering one
// tool-use id.
func newToolResultMessage(ctx Context, result models.ToolResult) models.Message {
	return models.Message{
		ID:             ctx.Ids.NewID(),
		ConversationID: ctx.ConversationID,
		Kind:           models.MessageKindTool,
		Tool: &models.ToolContent{
			ToolUseID: result.ToolUseID,
			IsError:   result.IsError,
			Payload:   result.Payload,
			Display:   result.Display,
		},
		CreatedAt: ctx.Clock.Now(),
	}
}

// supersededResult synthesizes the "superseded by spawn" outcome for a
// tool call that lost the spawn-wins tie-break.
func supersededResult(call models.ToolCall) models.ToolResult {
	return models.ToolResult{
		ToolUseID: call.ID,
		IsError:   true,
		Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: "superseded by spawn_sub_agents"},
	}
}

// subAgentToolResult turns a completed child's outcome into the tool
// result that answers the spawn block which created it.
func subAgentToolResult(r models.SubAgentResult) models.ToolResult {
	if r.Outcome.Success {
		return models.ToolResult{
			ToolUseID: r.ToolUseID,
			IsError:   false,
			Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: r.Outcome.Summary},
		}
	}
	return models.ToolResult{
		ToolUseID: r.ToolUseID,
		IsError:   true,
		Payload:   models.ResultPayload{Kind: models.ResultKindText, Text: r.Outcome.Error},
	}
}

func notifyMessage(msg models.Message) Effect {
	return Effect{Kind: EffectNotifyClient, NotifyClient: &NotifyClientEffect{Kind: NotifyClientMessage, Message: &msg}}
}

func notifyState(state models.ConvState) Effect {
	return Effect{Kind: EffectNotifyClient, NotifyClient: &NotifyClientEffect{Kind: NotifyClientStateChange, State: &state}}
}

func notifyAgentDone() Effect {
	return Effect{Kind: EffectNotifyClient, NotifyClient: &NotifyClientEffect{Kind: NotifyClientAgentDone}}
}

func persistMessage(msg models.Message) Effect {
	return Effect{Kind: EffectPersistMessage, PersistMessage: &PersistMessageEffect{Message: msg}}
}

func persistState(state models.ConvState) Effect {
	return Effect{Kind: EffectPersistState, PersistState: &PersistStateEffect{State: state}}
}

func persistToolResults(messages []models.Message) Effect {
	return Effect{Kind: EffectPersistToolResults, PersistToolResults: &PersistToolResultsEffect{Messages: messages}}
}

func requestLlm(attempt int) Effect {
	return Effect{Kind: EffectRequestLlm, RequestLlm: &RequestLlmEffect{Attempt: attempt}}
}

func executeTool(call models.ToolCall) Effect {
	return Effect{Kind: EffectExecuteTool, ExecuteTool: &ExecuteToolEffect{Call: call}}
}

func spawnSubAgent(handle models.SubAgentHandle) Effect {
	return Effect{Kind: EffectSpawnSubAgent, SpawnSubAgent: &SpawnSubAgentEffect{Handle: handle}}
}

func scheduleRetry(delay time.Duration, attempt int) Effect {
	return Effect{Kind: EffectScheduleRetry, ScheduleRetry: &ScheduleRetryEffect{Delay: delay, Attempt: attempt}}
}
