// Package tools records tool invocations made during generation and exposes
// their completed results so they can be spliced into message content.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"flowchat/internal/metrics"
	"flowchat/internal/models"

	"github.com/cloudwego/eino/components/tool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Persistence is the subset of the storage gateway used by the bridge.
type Persistence interface {
	CreateToolCall(ctx context.Context, tc *models.ToolCall) error
	SetToolCallResult(ctx context.Context, id string, result json.RawMessage) error
	ListToolCalls(ctx context.Context, messageID string) ([]*models.ToolCall, error)
}

type Bridge struct {
	db Persistence
}

func NewBridge(db Persistence) *Bridge {
	return &Bridge{db: db}
}

// RecordPending stores a call with no result yet and returns its id.
func (b *Bridge) RecordPending(ctx context.Context, messageID, toolName string, params json.RawMessage) (string, error) {
	if len(params) == 0 || !json.Valid(params) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(params)})
		if err != nil {
			return "", errors.Wrap(err, "encode tool parameters")
		}
		params = wrapped
	}
	tc := &models.ToolCall{MessageID: messageID, ToolName: toolName, Parameters: params}
	if err := b.db.CreateToolCall(ctx, tc); err != nil {
		return "", err
	}
	return tc.ID, nil
}

// RecordResult sets the call's terminal result. It can succeed only once.
func (b *Bridge) RecordResult(ctx context.Context, toolCallID string, result json.RawMessage) error {
	return b.db.SetToolCallResult(ctx, toolCallID, result)
}

// PollCompleted returns completed calls of messageID not in seen, in creation order.
func (b *Bridge) PollCompleted(ctx context.Context, messageID string, seen map[string]struct{}) ([]*models.ToolCall, error) {
	calls, err := b.db.ListToolCalls(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var out []*models.ToolCall
	for _, tc := range calls {
		if !tc.Completed() {
			continue
		}
		if _, ok := seen[tc.ID]; ok {
			continue
		}
		out = append(out, tc)
	}
	return out, nil
}

// Execute records the call, runs it and records the outcome. Tool failures
// come back as a structured result; the error return is for persistence only.
func (b *Bridge) Execute(ctx context.Context, messageID string, t tool.InvokableTool, argumentsInJSON string) (json.RawMessage, error) {
	name := toolName(ctx, t)
	id, err := b.RecordPending(ctx, messageID, name, json.RawMessage(argumentsInJSON))
	if err != nil {
		return nil, errors.Wrapf(err, "record pending %s", name)
	}

	result := runSafely(ctx, t, argumentsInJSON, name)
	if err := b.RecordResult(ctx, id, result); err != nil {
		return result, errors.Wrapf(err, "record result %s", name)
	}
	return result, nil
}

func runSafely(ctx context.Context, t tool.InvokableTool, args, name string) (result json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", name).Msg("tool panicked")
			metrics.ToolCalls.WithLabelValues(name, "failed").Inc()
			result = FailureResult(name, errors.Errorf("%v", r))
		}
	}()

	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("tool call failed")
		metrics.ToolCalls.WithLabelValues(name, "failed").Inc()
		return FailureResult(name, err)
	}
	metrics.ToolCalls.WithLabelValues(name, "succeeded").Inc()
	if json.Valid([]byte(out)) {
		return json.RawMessage(out)
	}
	encoded, _ := json.Marshal(map[string]string{"message": out})
	return encoded
}

// FailureResult is the payload recorded for a failed tool call.
func FailureResult(name string, err error) json.RawMessage {
	encoded, _ := json.Marshal(Result{Message: fmt.Sprintf("Error running %s: %v", name, err), Error: true})
	return encoded
}

func toolName(ctx context.Context, t tool.BaseTool) string {
	info, err := t.Info(ctx)
	if err != nil || info == nil {
		return "unknown"
	}
	return info.Name
}
