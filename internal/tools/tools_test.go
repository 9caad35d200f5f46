package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"flowchat/internal/models"
	"flowchat/internal/storage"
	"flowchat/internal/storage/storagetest"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubImages struct {
	b64 string
	err error
}

func (s stubImages) GenerateImage(context.Context, string) (string, error) {
	return s.b64, s.err
}

type recordingWriter struct {
	roomID string
	scope  models.MemoryScope
}

func (w *recordingWriter) Upsert(_ context.Context, content string, scope models.MemoryScope, roomID string, tags []string) (*models.Memory, error) {
	w.roomID = roomID
	w.scope = scope
	return &models.Memory{ID: "mem-1", Content: content, Scope: scope, Tags: tags}, nil
}

func failingTool(name string) tool.InvokableTool {
	info := &schema.ToolInfo{Name: name, Desc: "always fails"}
	return utils.NewTool(info, func(context.Context, *struct{}) (string, error) {
		return "", errors.New("backend down")
	})
}

func newMessage(t *testing.T) (*storage.Gateway, *models.Message) {
	t.Helper()
	gw := storagetest.NewGateway(t)
	room := storagetest.NewRoom(t, gw, "r")
	msg := &models.Message{RoomID: room.ID, Role: models.RoleAssistant}
	require.NoError(t, gw.CreateMessage(context.Background(), msg))
	return gw, msg
}

func TestPollCompletedSkipsPendingAndSeen(t *testing.T) {
	gw, msg := newMessage(t)
	bridge := NewBridge(gw)
	ctx := context.Background()

	first, err := bridge.RecordPending(ctx, msg.ID, "a", json.RawMessage(`{}`))
	require.NoError(t, err)
	second, err := bridge.RecordPending(ctx, msg.ID, "b", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = bridge.RecordPending(ctx, msg.ID, "c", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, bridge.RecordResult(ctx, second, json.RawMessage(`{"message":"b"}`)))
	require.NoError(t, bridge.RecordResult(ctx, first, json.RawMessage(`{"message":"a"}`)))

	done, err := bridge.PollCompleted(ctx, msg.ID, nil)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, first, done[0].ID)
	assert.Equal(t, second, done[1].ID)

	again, err := bridge.PollCompleted(ctx, msg.ID, map[string]struct{}{first: {}})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, second, again[0].ID)

	assert.ErrorIs(t, bridge.RecordResult(ctx, first, json.RawMessage(`{}`)), storage.ErrResultAlreadySet)
}

func TestRecordedToolCapturesFailure(t *testing.T) {
	gw, msg := newMessage(t)
	set := NewSet(NewBridge(gw), failingTool("flaky"))
	ctx := context.Background()

	bound := set.For(msg.RoomID, msg.ID)
	require.Len(t, bound, 1)
	out, err := bound[0].(tool.InvokableTool).InvokableRun(ctx, `{}`)
	require.NoError(t, err)
	assert.Contains(t, out, "backend down")

	calls, err := gw.ListToolCalls(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "flaky", calls[0].ToolName)
	require.True(t, calls[0].Completed())
	splice := FormatSplice(calls[0])
	assert.Contains(t, splice, "> Error running flaky")
}

func TestImageToolSplicesInlineImage(t *testing.T) {
	gw, msg := newMessage(t)
	set := NewSet(NewBridge(gw), NewImageTool(stubImages{b64: "QUJD"}))
	ctx := context.Background()

	out, err := set.For(msg.RoomID, msg.ID)[0].(tool.InvokableTool).InvokableRun(ctx, `{"prompt":"a cat"}`)
	require.NoError(t, err)
	assert.NotContains(t, out, "QUJD")
	assert.Contains(t, out, "Image generated successfully")

	calls, err := gw.ListToolCalls(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"prompt":"a cat"}`, string(calls[0].Parameters))
	assert.Equal(t, "\n\n![generated image](data:image/png;base64,QUJD)\n\n", FormatSplice(calls[0]))
}

func TestImageToolErrorBecomesResult(t *testing.T) {
	img := NewImageTool(stubImages{err: errors.New("quota exceeded")})
	out, err := img.InvokableRun(context.Background(), `{"prompt":"x"}`)
	require.NoError(t, err)

	var r Result
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.True(t, r.Error)
	assert.Equal(t, "Error generating image: quota exceeded", r.Message)
}

func TestMemoryToolUsesRunRoom(t *testing.T) {
	w := &recordingWriter{}
	mt := NewMemoryTool(w)
	ctx := WithScope(context.Background(), Scope{RoomID: "room-9", MessageID: "m"})

	out, err := mt.InvokableRun(ctx, `{"content":"likes tea","scope":"Room","tags":["drink"]}`)
	require.NoError(t, err)
	assert.Equal(t, "room-9", w.roomID)
	assert.Equal(t, models.ScopeRoom, w.scope)
	assert.True(t, strings.Contains(out, "mem-1"))
}

func TestFormatSpliceIgnoresPlainResults(t *testing.T) {
	tc := &models.ToolCall{ToolName: MemoryToolName, Result: json.RawMessage(`{"message":"Memory saved"}`)}
	assert.Empty(t, FormatSplice(tc))
	assert.Empty(t, FormatSplice(&models.ToolCall{ToolName: "x"}))
}

func TestRateLimiterWindow(t *testing.T) {
	l := newRateLimiter(2, time.Minute)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	assert.True(t, l.Allow("other"))
}
