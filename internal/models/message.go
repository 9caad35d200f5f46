package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one node of a room's message tree. ParentID is empty for a root.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	Summary     *string   `json:"summary,omitempty"`
	ShowSummary bool      `json:"show_summary"`
	Memory      []string  `json:"memory,omitempty"`
	Embedding   []float64 `json:"-"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Summary != nil {
		s := *m.Summary
		out.Summary = &s
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	out.Memory = append([]string(nil), m.Memory...)
	out.Embedding = append([]float64(nil), m.Embedding...)
	return &out
}

// ScoredMessage pairs a message with its cosine similarity to a query vector.
type ScoredMessage struct {
	Message    *Message `json:"message"`
	Similarity float64  `json:"similarity"`
}
