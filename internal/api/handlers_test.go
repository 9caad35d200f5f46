package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flowchat/internal/config"
	"flowchat/internal/events"
	"flowchat/internal/generation"
	"flowchat/internal/memory"
	"flowchat/internal/messages"
	"flowchat/internal/models"
	"flowchat/internal/service/ai"
	"flowchat/internal/storage"
	"flowchat/internal/storage/storagetest"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mu       sync.Mutex
	checkErr error
	streams  []*schema.StreamReader[*schema.Message]
}

func (m *mockProvider) Check(string, string) error { return m.checkErr }

func (m *mockProvider) DefaultModel(string) string { return "mock-model" }

func (m *mockProvider) Stream(context.Context, ai.StreamRequest) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil, errors.New("no stream queued")
	}
	sr := m.streams[0]
	m.streams = m.streams[1:]
	return sr, nil
}

func (m *mockProvider) TopicTitle(context.Context, string, string, string, string) (string, error) {
	return "Mock Title", nil
}

func (m *mockProvider) queue(parts ...string) {
	msgs := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		msgs = append(msgs, schema.AssistantMessage(p, nil))
	}
	m.queueReader(schema.StreamReaderFromArray(msgs))
}

func (m *mockProvider) queueReader(sr *schema.StreamReader[*schema.Message]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, sr)
}

type testServer struct {
	router   *gin.Engine
	gw       *storage.Gateway
	store    *messages.Store
	orch     *generation.Orchestrator
	provider *mockProvider
}

func newTestServer(t *testing.T, apiToken string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gw := storagetest.NewGateway(t)
	hub := events.NewHub(256)
	store := messages.NewStore(gw, hub)
	mem := memory.NewEngine(gw)
	provider := &mockProvider{}
	orch := generation.New(generation.Deps{
		Store:     store,
		Provider:  provider,
		Prompts:   mem,
		Rooms:     gw,
		Publisher: hub,
		Config:    config.GenerationConfig{DefaultProvider: "mock"},
	})
	handler := NewHandler(Deps{
		Rooms:        gw,
		Store:        store,
		Orchestrator: orch,
		Memory:       mem,
		Hub:          hub,
		APIToken:     apiToken,
	})
	return &testServer{router: NewRouter(handler), gw: gw, store: store, orch: orch, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createRoom(t *testing.T, name string) *models.Room {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/rooms", map[string]string{"name": name})
	assertStatus(t, rec, http.StatusCreated)
	var room models.Room
	decodeJSON(t, rec.Body.Bytes(), &room)
	require.NotEmpty(t, room.ID)
	return &room
}

type sseEvent struct {
	Event string
	Data  string
}

func parseSSE(body string) []sseEvent {
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Event != "" || ev.Data != "" {
			out = append(out, ev)
		}
	}
	return out
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v), "decode json: %s", data)
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	require.Equal(t, want, rec.Code, "body: %s", rec.Body.String())
}

func TestRoomLifecycle(t *testing.T) {
	srv := newTestServer(t, "")

	room := srv.createRoom(t, "")
	assert.Equal(t, defaultRoomName, room.Name)

	rec := srv.do(t, http.MethodGet, "/api/rooms", nil)
	assertStatus(t, rec, http.StatusOK)
	var list struct {
		Rooms []models.Room `json:"rooms"`
	}
	decodeJSON(t, rec.Body.Bytes(), &list)
	require.Len(t, list.Rooms, 1)

	rec = srv.do(t, http.MethodPatch, "/api/rooms/"+room.ID, map[string]string{"name": "Renamed", "default_model": "m2"})
	assertStatus(t, rec, http.StatusOK)
	var updated models.Room
	decodeJSON(t, rec.Body.Bytes(), &updated)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "m2", updated.DefaultModel)

	assertStatus(t, srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID, nil), http.StatusNoContent)
	assertStatus(t, srv.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", nil), http.StatusNotFound)
	assertStatus(t, srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID, nil), http.StatusNotFound)
}

func TestRoomWithTemplate(t *testing.T) {
	srv := newTestServer(t, "")
	rec := srv.do(t, http.MethodPost, "/api/templates", map[string]string{"name": "Pirate", "system_prompt": "Talk like a pirate."})
	assertStatus(t, rec, http.StatusCreated)
	var tpl models.Template
	decodeJSON(t, rec.Body.Bytes(), &tpl)

	rec = srv.do(t, http.MethodPost, "/api/rooms", map[string]string{"name": "Ship", "template_id": tpl.ID})
	assertStatus(t, rec, http.StatusCreated)
	rec = srv.do(t, http.MethodPost, "/api/rooms", map[string]string{"name": "Ship", "template_id": "missing"})
	assertStatus(t, rec, http.StatusNotFound)

	rec = srv.do(t, http.MethodGet, "/api/templates", nil)
	assertStatus(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "Talk like a pirate.")
}

func TestSendMessageStreamsEvents(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")
	srv.provider.queue("Hel", "lo")

	rec := srv.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", map[string]string{"content": "hi"})
	assertStatus(t, rec, http.StatusOK)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := parseSSE(rec.Body.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, "ack", evs[0].Event)
	assert.Equal(t, "done", evs[len(evs)-1].Event)

	var streamed strings.Builder
	for _, ev := range evs {
		if ev.Event != "stream" {
			continue
		}
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(ev.Data), &chunk)
		streamed.WriteString(chunk.Content)
	}
	assert.Equal(t, "Hello", streamed.String())

	var done struct {
		Outcome string         `json:"outcome"`
		Message models.Message `json:"message"`
	}
	decodeJSON(t, []byte(evs[len(evs)-1].Data), &done)
	assert.Equal(t, generation.OutcomeCompleted, done.Outcome)
	assert.Equal(t, "Hello", done.Message.Content)

	rec = srv.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", nil)
	assertStatus(t, rec, http.StatusOK)
	var listed struct {
		Messages   []models.Message `json:"messages"`
		Generating []string         `json:"generating"`
	}
	decodeJSON(t, rec.Body.Bytes(), &listed)
	require.Len(t, listed.Messages, 2)
	assert.Empty(t, listed.Generating)
}

func TestSendMessageFailureBecomesErrorEvent(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")

	rec := srv.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", map[string]string{"content": "hi"})
	assertStatus(t, rec, http.StatusOK)
	evs := parseSSE(rec.Body.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, "error", evs[len(evs)-1].Event)
	assert.Contains(t, evs[len(evs)-1].Data, "no stream queued")
}

func TestSendMessageValidation(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")

	assertStatus(t, srv.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", map[string]string{"content": "  "}), http.StatusNoContent)
	assertStatus(t, srv.do(t, http.MethodPost, "/api/rooms/missing/messages", map[string]string{"content": "hi"}), http.StatusNotFound)

	srv.provider.checkErr = ai.ErrUnknownProvider
	rec := srv.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", map[string]string{"content": "hi"})
	assertStatus(t, rec, http.StatusBadRequest)
	assert.Empty(t, srv.store.Messages(room.ID))
}

func TestBusyCommandsReturnNotice(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")
	ctx := context.Background()
	sr, sw := schema.Pipe[*schema.Message](4)
	srv.provider.queueReader(sr)

	res, err := srv.orch.SendMessage(ctx, generation.SendRequest{RoomID: room.ID, Text: "first"})
	require.NoError(t, err)
	user, err := srv.store.Create(ctx, &models.Message{RoomID: room.ID, ParentID: res.Run.MessageID, Role: models.RoleUser, Content: "next"})
	require.NoError(t, err)
	child, err := srv.store.Create(ctx, &models.Message{RoomID: room.ID, ParentID: user.ID, Role: models.RoleAssistant, Content: "answer"})
	require.NoError(t, err)

	for _, action := range []string{"regenerate", "summarize"} {
		rec := srv.do(t, http.MethodPost, fmt.Sprintf("/api/messages/%s/%s", child.ID, action), nil)
		assertStatus(t, rec, http.StatusConflict)
		assert.Contains(t, rec.Body.String(), "notice")
	}

	assertStatus(t, srv.do(t, http.MethodPost, "/api/messages/"+res.Run.MessageID+"/abort", nil), http.StatusNoContent)
	assert.False(t, srv.store.IsGenerating(res.Run.MessageID))
	sw.Close()
	select {
	case <-res.Run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestMessageCommands(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")
	ctx := context.Background()
	srv.provider.queue("a long answer")

	res, err := srv.orch.SendMessage(ctx, generation.SendRequest{RoomID: room.ID, Text: "question"})
	require.NoError(t, err)
	<-res.Run.Done()
	replyID := res.Run.MessageID

	rec := srv.do(t, http.MethodGet, "/api/messages/"+replyID+"/branch", nil)
	assertStatus(t, rec, http.StatusOK)
	var branch struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &branch)
	require.Len(t, branch.Messages, 2)
	assert.Equal(t, res.UserMessage.ID, branch.Messages[0].ID)

	rec = srv.do(t, http.MethodPatch, "/api/messages/"+replyID, map[string]bool{"show_summary": true})
	assertStatus(t, rec, http.StatusOK)
	assertStatus(t, srv.do(t, http.MethodPatch, "/api/messages/"+replyID, map[string]string{}), http.StatusBadRequest)

	srv.provider.queue("short")
	rec = srv.do(t, http.MethodPost, "/api/messages/"+replyID+"/regenerate", nil)
	assertStatus(t, rec, http.StatusAccepted)
	var run struct {
		Kind string `json:"kind"`
	}
	decodeJSON(t, rec.Body.Bytes(), &run)
	assert.Equal(t, generation.KindSummarize, run.Kind)
	require.Eventually(t, func() bool {
		msg, ok := srv.store.Get(replyID)
		return ok && msg.Summary != nil && *msg.Summary == "short" && !srv.store.IsGenerating(replyID)
	}, 2*time.Second, 5*time.Millisecond)

	srv.provider.queue("another")
	rec = srv.do(t, http.MethodPost, "/api/messages/"+res.UserMessage.ID+"/fork", nil)
	assertStatus(t, rec, http.StatusAccepted)
	var forked struct {
		MessageID string `json:"message_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &forked)
	assert.Len(t, srv.store.Children(res.UserMessage.ID), 2)
	require.Eventually(t, func() bool {
		msg, ok := srv.store.Get(forked.MessageID)
		return ok && msg.Content == "another" && !srv.store.IsGenerating(forked.MessageID)
	}, 2*time.Second, 5*time.Millisecond)

	rec = srv.do(t, http.MethodDelete, "/api/messages/"+res.UserMessage.ID, nil)
	assertStatus(t, rec, http.StatusOK)
	var deleted struct {
		Deleted []string `json:"deleted"`
	}
	decodeJSON(t, rec.Body.Bytes(), &deleted)
	assert.Len(t, deleted.Deleted, 3)

	assertStatus(t, srv.do(t, http.MethodPost, "/api/messages/"+replyID+"/abort", nil), http.StatusNotFound)
	assertStatus(t, srv.do(t, http.MethodDelete, "/api/messages/"+replyID, nil), http.StatusNotFound)
}

func TestMemoryEndpoints(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")

	rec := srv.do(t, http.MethodPost, "/api/memories", map[string]any{"content": "likes tea", "scope": "global", "tags": []string{"a"}})
	assertStatus(t, rec, http.StatusCreated)
	var first models.Memory
	decodeJSON(t, rec.Body.Bytes(), &first)

	rec = srv.do(t, http.MethodPost, "/api/memories", map[string]any{"content": "likes tea", "scope": "global", "tags": []string{"b"}})
	assertStatus(t, rec, http.StatusCreated)
	var second models.Memory
	decodeJSON(t, rec.Body.Bytes(), &second)
	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{"a", "b"}, second.Tags)

	assertStatus(t, srv.do(t, http.MethodPost, "/api/memories", map[string]any{"content": "x", "scope": "room"}), http.StatusBadRequest)
	assertStatus(t, srv.do(t, http.MethodPost, "/api/memories", map[string]any{"content": " "}), http.StatusBadRequest)

	rec = srv.do(t, http.MethodPost, "/api/memories", map[string]any{"content": "uses vim", "scope": "room", "room_id": room.ID})
	assertStatus(t, rec, http.StatusCreated)

	rec = srv.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/memories", nil)
	assertStatus(t, rec, http.StatusOK)
	var recalled struct {
		Memories []models.Memory `json:"memories"`
	}
	decodeJSON(t, rec.Body.Bytes(), &recalled)
	require.Len(t, recalled.Memories, 2)
	assert.Equal(t, "likes tea", recalled.Memories[0].Content)

	assertStatus(t, srv.do(t, http.MethodDelete, "/api/memories/"+first.ID, nil), http.StatusNoContent)
	assertStatus(t, srv.do(t, http.MethodDelete, "/api/memories/"+first.ID, nil), http.StatusNotFound)

	rec = srv.do(t, http.MethodGet, "/api/memories", nil)
	assertStatus(t, rec, http.StatusOK)
	var all struct {
		Memories []models.Memory `json:"memories"`
	}
	decodeJSON(t, rec.Body.Bytes(), &all)
	assert.Len(t, all.Memories, 1)
}

func TestSearch(t *testing.T) {
	srv := newTestServer(t, "")
	room := srv.createRoom(t, "Project")
	srv.provider.queue("General Kenobi")
	res, err := srv.orch.SendMessage(context.Background(), generation.SendRequest{RoomID: room.ID, Text: "Hello there"})
	require.NoError(t, err)
	<-res.Run.Done()

	rec := srv.do(t, http.MethodPost, "/api/search", map[string]string{"keyword": "HELLO", "room_id": room.ID})
	assertStatus(t, rec, http.StatusOK)
	var found struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &found)
	require.Len(t, found.Messages, 1)
	assert.Equal(t, "Hello there", found.Messages[0].Content)

	assertStatus(t, srv.do(t, http.MethodPost, "/api/search", map[string]string{"query": "greeting"}), http.StatusNotImplemented)
	assertStatus(t, srv.do(t, http.MethodPost, "/api/search", map[string]string{}), http.StatusBadRequest)
}

func TestTokenRequired(t *testing.T) {
	srv := newTestServer(t, "secret")
	assertStatus(t, srv.do(t, http.MethodGet, "/api/rooms", nil), http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	assertStatus(t, srv.do(t, http.MethodGet, "/api/rooms", nil), http.StatusOK)

	rec := srv.do(t, http.MethodGet, "/metrics", nil)
	assertStatus(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "flowchat_http_requests_total")
}
