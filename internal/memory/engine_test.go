package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"flowchat/internal/models"
	"flowchat/internal/storage/storagetest"
	"flowchat/internal/worker"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float64
	calls   int
	onEmbed func()
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onEmbed != nil {
		f.onEmbed()
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
			continue
		}
		out[i] = []float64{float64(len(text)), 1}
	}
	return out, nil
}

func TestUpsertMergesTagsForSameFact(t *testing.T) {
	gw := storagetest.NewGateway(t)
	engine := NewEngine(gw)
	ctx := context.Background()

	first, err := engine.Upsert(ctx, "fact", models.ScopeGlobal, "", []string{"a"})
	require.NoError(t, err)
	second, err := engine.Upsert(ctx, "  fact ", models.ScopeGlobal, "ignored-room", []string{"b", " a ", ""})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := engine.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, all[0].Tags)
	assert.Nil(t, all[0].RoomID)
}

func TestUpsertValidatesInput(t *testing.T) {
	engine := NewEngine(storagetest.NewGateway(t))
	ctx := context.Background()

	_, err := engine.Upsert(ctx, "   ", models.ScopeGlobal, "", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = engine.Upsert(ctx, "x", models.ScopeRoom, "", nil)
	assert.ErrorIs(t, err, ErrRoomRequired)
	_, err = engine.Upsert(ctx, "x", "team", "", nil)
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestUpsertKeepsRoomFactsApart(t *testing.T) {
	gw := storagetest.NewGateway(t)
	engine := NewEngine(gw)
	ctx := context.Background()
	a := storagetest.NewRoom(t, gw, "a")
	b := storagetest.NewRoom(t, gw, "b")

	_, err := engine.Upsert(ctx, "likes tea", models.ScopeRoom, a.ID, nil)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, "likes tea", models.ScopeRoom, b.ID, nil)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, "likes tea", models.ScopeGlobal, "", nil)
	require.NoError(t, err)

	all, err := engine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecallReturnsGlobalAndRoomInOrder(t *testing.T) {
	gw := storagetest.NewGateway(t)
	engine := NewEngine(gw)
	ctx := context.Background()
	room := storagetest.NewRoom(t, gw, "r")
	other := storagetest.NewRoom(t, gw, "o")

	_, err := engine.Upsert(ctx, "g1", models.ScopeGlobal, "", nil)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, "r1", models.ScopeRoom, room.ID, nil)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, "o1", models.ScopeRoom, other.ID, nil)
	require.NoError(t, err)
	_, err = engine.Upsert(ctx, "g2", models.ScopeGlobal, "", nil)
	require.NoError(t, err)

	mems, err := engine.Recall(ctx, room.ID)
	require.NoError(t, err)
	var contents []string
	for _, m := range mems {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"g1", "r1", "g2"}, contents)
}

func TestBuildSystemPromptUsesTemplateAndMemories(t *testing.T) {
	gw := storagetest.NewGateway(t)
	engine := NewEngine(gw)
	ctx := context.Background()

	tpl, err := gw.CreateTemplate(ctx, "pirate", "You talk like a pirate.")
	require.NoError(t, err)
	room, err := gw.CreateRoom(ctx, "r", tpl.ID, "")
	require.NoError(t, err)

	empty, err := engine.BuildSystemPrompt(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "You talk like a pirate.", empty.Prompt)
	assert.Empty(t, empty.MemoryIDs)

	mem, err := engine.Upsert(ctx, "name is Sam", models.ScopeGlobal, "", []string{"profile"})
	require.NoError(t, err)
	sp, err := engine.BuildSystemPrompt(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sp.Prompt, "You talk like a pirate."))
	assert.Contains(t, sp.Prompt, "- name is Sam [profile]")
	assert.Equal(t, []string{mem.ID}, sp.MemoryIDs)

	plain := storagetest.NewRoom(t, gw, "plain")
	sp, err = engine.BuildSystemPrompt(ctx, plain.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sp.Prompt, DefaultSystemPrompt))
}

func TestSearchTextRanksByEmbedding(t *testing.T) {
	gw := storagetest.NewGateway(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"cats":     {1, 0},
		"kittens":  {0.9, 0.2},
		"tax form": {0, 1},
	}}
	engine := NewEngine(gw, WithEmbedder(emb))
	ctx := context.Background()
	room := storagetest.NewRoom(t, gw, "r")

	near := &models.Message{RoomID: room.ID, Role: models.RoleUser, Content: "kittens"}
	far := &models.Message{RoomID: room.ID, Role: models.RoleUser, Content: "tax form"}
	require.NoError(t, gw.CreateMessage(ctx, far))
	require.NoError(t, gw.CreateMessage(ctx, near))

	n, err := NewBackfiller(gw, emb, 1, 2).BackfillOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := engine.SearchText(ctx, "cats", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].Message.ID)
	assert.Equal(t, far.ID, got[1].Message.ID)

	n, err = NewBackfiller(gw, emb, 1, 2).BackfillOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillRunsOnDispatcher(t *testing.T) {
	gw := storagetest.NewGateway(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{"hello": {1, 0}, "world": {0, 1}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	room := storagetest.NewRoom(t, gw, "r")
	for _, text := range []string{"hello", "world"} {
		require.NoError(t, gw.CreateMessage(ctx, &models.Message{RoomID: room.ID, Role: models.RoleUser, Content: text}))
	}

	d := worker.NewDispatcher(1, 4)
	defer d.Stop(context.Background())
	NewBackfiller(gw, emb, 8, 1).Start(ctx, 10*time.Millisecond, d)

	require.Eventually(t, func() bool {
		pending, err := gw.MessagesWithoutEmbedding(context.Background(), 10)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackfillFollowsContentChanges(t *testing.T) {
	gw := storagetest.NewGateway(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"cat":          {1, 0},
		"cat tax form": {0, 1},
	}}
	engine := NewEngine(gw, WithEmbedder(emb))
	backfiller := NewBackfiller(gw, emb, 4, 1)
	ctx := context.Background()
	room := storagetest.NewRoom(t, gw, "r")

	msg := &models.Message{RoomID: room.ID, Role: models.RoleAssistant}
	require.NoError(t, gw.CreateMessage(ctx, msg))
	require.NoError(t, gw.AppendContent(ctx, msg.ID, "cat"))
	n, err := backfiller.BackfillOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, gw.AppendContent(ctx, msg.ID, " tax form"))
	n, err = backfiller.BackfillOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := gw.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, got.Embedding)

	require.NoError(t, gw.SetContent(ctx, msg.ID, ""))
	hits, err := engine.SearchText(ctx, "cat", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBackfillSkipsContentChangedMidEmbedding(t *testing.T) {
	gw := storagetest.NewGateway(t)
	ctx := context.Background()
	room := storagetest.NewRoom(t, gw, "r")
	msg := &models.Message{RoomID: room.ID, Role: models.RoleAssistant, Content: "Hel"}
	require.NoError(t, gw.CreateMessage(ctx, msg))

	emb := &fakeEmbedder{}
	emb.onEmbed = func() {
		emb.onEmbed = nil
		require.NoError(t, gw.AppendContent(ctx, msg.ID, "lo"))
	}
	n, err := NewBackfiller(gw, emb, 4, 1).BackfillOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := gw.MessagesWithoutEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Hello", pending[0].Content)
}

func TestSearchTextWithoutEmbedder(t *testing.T) {
	engine := NewEngine(storagetest.NewGateway(t))
	_, err := engine.SearchText(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestNormalizeAndMergeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "B", "b"}, NormalizeTags([]string{" a", "B", "b", "a", " "}))
	assert.Equal(t, []string{"x", "y"}, MergeTags([]string{"x"}, []string{"y", "x"}))
}
