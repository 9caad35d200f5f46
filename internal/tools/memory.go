package tools

import (
	"context"
	"strings"

	"flowchat/internal/models"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
)

const MemoryToolName = "save_memory"

// MemoryWriter is satisfied by memory.Engine.
type MemoryWriter interface {
	Upsert(ctx context.Context, content string, scope models.MemoryScope, roomID string, tags []string) (*models.Memory, error)
}

type memoryParams struct {
	Content string   `json:"content"`
	Scope   string   `json:"scope,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

type memoryResult struct {
	Message  string   `json:"message"`
	MemoryID string   `json:"memory_id"`
	Tags     []string `json:"tags"`
}

// NewMemoryTool builds save_memory; room-scoped facts attach to the room of
// the run that called it.
func NewMemoryTool(w MemoryWriter) tool.InvokableTool {
	if w == nil {
		return nil
	}
	info := &schema.ToolInfo{
		Name: MemoryToolName,
		Desc: "Remember a long-term fact about the user or this conversation. " +
			"Use scope \"global\" for facts that matter everywhere and \"room\" for facts about this conversation only.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"content": {
				Desc:     "The fact to remember, as one short sentence",
				Type:     schema.String,
				Required: true,
			},
			"scope": {
				Desc: "global or room, default global",
				Type: schema.String,
				Enum: []string{string(models.ScopeGlobal), string(models.ScopeRoom)},
			},
			"tags": {
				Desc:     "Short keywords describing the fact",
				Type:     schema.Array,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *memoryParams) (*memoryResult, error) {
		if params == nil {
			return nil, errors.New("missing memory parameters")
		}
		scope := models.MemoryScope(strings.ToLower(strings.TrimSpace(params.Scope)))
		roomID := ""
		if s, ok := ScopeFromContext(ctx); ok {
			roomID = s.RoomID
		}
		mem, err := w.Upsert(ctx, params.Content, scope, roomID, params.Tags)
		if err != nil {
			return nil, err
		}
		return &memoryResult{Message: "Memory saved", MemoryID: mem.ID, Tags: mem.Tags}, nil
	})
}
