package models

import (
	"encoding/json"
	"time"
)

type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeRoom   MemoryScope = "room"
)

// Memory is a long-term fact. RoomID is set only for room-scoped entries.
type Memory struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Scope     MemoryScope `json:"scope"`
	RoomID    *string     `json:"room_id,omitempty"`
	Tags      []string    `json:"tags"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ToolCall records one tool invocation made while producing a message.
// Result stays nil until the tool completes.
type ToolCall struct {
	ID         string          `json:"id"`
	MessageID  string          `json:"message_id"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result,omitempty"`
	Position   *float64        `json:"position,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Completed reports whether the call has a result.
func (t *ToolCall) Completed() bool {
	return t != nil && len(t.Result) > 0 && string(t.Result) != "null"
}
