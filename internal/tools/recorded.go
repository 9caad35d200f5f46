package tools

import (
	"context"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
)

// recordedTool logs every invocation through the bridge and never returns an
// error to the agent, so a failing tool cannot end the run.
type recordedTool struct {
	bridge *Bridge
	inner  tool.InvokableTool
	scope  Scope
}

func (r *recordedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return r.inner.Info(ctx)
}

func (r *recordedTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	ctx = WithScope(ctx, r.scope)
	result, err := r.bridge.Execute(ctx, r.scope.MessageID, r.inner, argumentsInJSON)
	if err != nil {
		log.Error().Err(err).Str("message_id", r.scope.MessageID).Msg("tool call not recorded")
		if result == nil {
			return string(FailureResult(toolName(ctx, r.inner), err)), nil
		}
	}
	return ForModel(result), nil
}

// Set is the collection of tools offered to the model.
type Set struct {
	bridge *Bridge
	tools  []tool.InvokableTool
}

func NewSet(bridge *Bridge, ts ...tool.InvokableTool) *Set {
	s := &Set{bridge: bridge}
	for _, t := range ts {
		if t != nil {
			s.tools = append(s.tools, t)
		}
	}
	return s
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

func (s *Set) Bridge() *Bridge { return s.bridge }

// For binds every tool to one room and target message.
func (s *Set) For(roomID, messageID string) []tool.BaseTool {
	if s.Len() == 0 {
		return nil
	}
	out := make([]tool.BaseTool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, &recordedTool{bridge: s.bridge, inner: t, scope: Scope{RoomID: roomID, MessageID: messageID}})
	}
	return out
}
