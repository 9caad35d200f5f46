package ai

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	SummaryPrompt = "Summarize the following text in a few short sentences. " +
		"Keep the key facts, decisions and any code identifiers. Output only the summary."
	TopicTitlePrompt = "Generate a concise title (at most six words) for the conversation below. " +
		"Output only the title, without quotes or trailing punctuation."

	maxTitleLength = 80
)

// SummaryMessages is the context used to summarize content.
func SummaryMessages(content string) []*schema.Message {
	return []*schema.Message{schema.UserMessage(SummaryPrompt + "\n\n" + content)}
}

// TopicTitle asks the model for a short room title from the first exchange.
func (s *Service) TopicTitle(ctx context.Context, provider, modelName, userText, assistantText string) (string, error) {
	text := "User:\n" + userText + "\n\nAssistant:\n" + assistantText
	title, err := s.Complete(ctx, provider, modelName, []*schema.Message{
		schema.UserMessage(TopicTitlePrompt + "\n\n" + text),
	})
	if err != nil {
		return "", err
	}
	return CleanTitle(title), nil
}

// CleanTitle trims quotes, markdown and whitespace from a generated title.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, "\"'`*# ")
	title = strings.TrimSpace(strings.TrimSuffix(title, "."))
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}
