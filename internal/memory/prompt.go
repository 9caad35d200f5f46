package memory

import (
	"context"
	"strings"

	"flowchat/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely."

// SystemPrompt is the assembled prompt and the memories it cites.
type SystemPrompt struct {
	Prompt    string
	MemoryIDs []string
}

// BuildSystemPrompt starts from the room template (or the default prompt) and
// appends the recalled memories.
func (e *Engine) BuildSystemPrompt(ctx context.Context, roomID string) (SystemPrompt, error) {
	base := DefaultSystemPrompt
	room, err := e.db.GetRoom(ctx, roomID)
	switch {
	case err == nil && room.TemplateID != "":
		tpl, err := e.db.GetTemplate(ctx, room.TemplateID)
		if err == nil && strings.TrimSpace(tpl.SystemPrompt) != "" {
			base = tpl.SystemPrompt
		} else if err != nil && !isNoRows(err) {
			return SystemPrompt{}, errors.Wrap(err, "load template")
		}
	case err != nil && !isNoRows(err):
		return SystemPrompt{}, errors.Wrap(err, "load room")
	}

	mems, err := e.Recall(ctx, roomID)
	if err != nil {
		return SystemPrompt{}, err
	}
	out := SystemPrompt{Prompt: base}
	if len(mems) == 0 {
		return out, nil
	}
	out.Prompt = base + "\n\n" + FormatMemories(mems)
	for _, m := range mems {
		out.MemoryIDs = append(out.MemoryIDs, m.ID)
	}
	log.Debug().Str("room_id", roomID).Int("memories", len(mems)).Msg("system prompt assembled")
	return out, nil
}

// FormatMemories renders memories as a bulleted prompt fragment.
func FormatMemories(mems []*models.Memory) string {
	var b strings.Builder
	b.WriteString("Things you remember about the user and this conversation:")
	for _, m := range mems {
		b.WriteString("\n- ")
		b.WriteString(m.Content)
		if len(m.Tags) > 0 {
			b.WriteString(" [")
			b.WriteString(strings.Join(m.Tags, ", "))
			b.WriteString("]")
		}
	}
	return b.String()
}
