package models

import "time"

// Room groups a message tree.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TemplateID   string    `json:"template_id,omitempty"`
	DefaultModel string    `json:"default_model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Template carries the system prompt a room starts from.
type Template struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
}
