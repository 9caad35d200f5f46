package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"flowchat/internal/models"
)

const ImageToolName = "generate_image"

// Result is the common shape of tool payloads. Tools may add fields.
type Result struct {
	Message     string `json:"message"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	Error       bool   `json:"error,omitempty"`
}

func decodeResult(raw json.RawMessage) (Result, bool) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, false
	}
	return r, true
}

// FormatSplice renders a completed call as text to append to the message.
// Generated images become inline markdown, failures a quoted notice, and
// anything else is consumed without output.
func FormatSplice(tc *models.ToolCall) string {
	if !tc.Completed() {
		return ""
	}
	r, ok := decodeResult(tc.Result)
	if !ok {
		return ""
	}
	switch {
	case r.ImageBase64 != "":
		return fmt.Sprintf("\n\n![generated image](data:image/png;base64,%s)\n\n", r.ImageBase64)
	case r.Error:
		msg := strings.ReplaceAll(strings.TrimSpace(r.Message), "\n", " ")
		return fmt.Sprintf("\n\n> %s\n\n", msg)
	}
	return ""
}

// ForModel is what the model sees of a tool result: images are replaced by a
// note so the base64 payload never enters the context window.
func ForModel(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	if _, ok := fields["imageBase64"]; !ok {
		return string(raw)
	}
	delete(fields, "imageBase64")
	fields["image"] = "shown to the user inline"
	out, err := json.Marshal(fields)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
