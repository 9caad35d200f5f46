// Package memory selects the long-term facts injected into system prompts
// and ranks past messages by embedding similarity.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"flowchat/internal/metrics"
	"flowchat/internal/models"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyContent = errors.New("memory content is empty")
	ErrRoomRequired = errors.New("room scope requires a room id")
	ErrInvalidScope = errors.New("memory scope must be global or room")
	ErrNoEmbedder   = errors.New("no embedder configured")
)

// Persistence is the subset of the storage gateway used by the engine.
type Persistence interface {
	FindMemory(ctx context.Context, scope models.MemoryScope, content string, roomID *string) (*models.Memory, error)
	InsertMemory(ctx context.Context, m *models.Memory) error
	UpdateMemoryTags(ctx context.Context, id string, tags []string, at time.Time) error
	ListMemories(ctx context.Context, roomID string) ([]*models.Memory, error)
	ListAllMemories(ctx context.Context) ([]*models.Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, query []float64, limit int) ([]models.ScoredMessage, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

type Engine struct {
	db       Persistence
	cache    RecallCache
	embedder embedding.Embedder

	// serializes upserts so the (scope, content, room) lookup and write are atomic
	mu sync.Mutex
}

type Option func(*Engine)

func WithCache(c RecallCache) Option {
	return func(e *Engine) {
		if c != nil {
			e.cache = c
		}
	}
}

func WithEmbedder(emb embedding.Embedder) Option {
	return func(e *Engine) { e.embedder = emb }
}

func NewEngine(db Persistence, opts ...Option) *Engine {
	e := &Engine{db: db, cache: NopCache{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert stores a fact once per (scope, content, room). A repeated fact gets
// its tags merged into the existing row.
func (e *Engine) Upsert(ctx context.Context, content string, scope models.MemoryScope, roomID string, tags []string) (*models.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	var room *string
	switch scope {
	case "", models.ScopeGlobal:
		scope = models.ScopeGlobal
	case models.ScopeRoom:
		roomID = strings.TrimSpace(roomID)
		if roomID == "" {
			return nil, ErrRoomRequired
		}
		room = &roomID
	default:
		return nil, errors.Wrapf(ErrInvalidScope, "got %q", scope)
	}
	tags = NormalizeTags(tags)

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.db.FindMemory(ctx, scope, content, room)
	switch {
	case err == nil:
		merged := MergeTags(existing.Tags, tags)
		at := time.Now().UTC()
		if err := e.db.UpdateMemoryTags(ctx, existing.ID, merged, at); err != nil {
			return nil, errors.Wrap(err, "merge memory tags")
		}
		existing.Tags = merged
		existing.UpdatedAt = at
		metrics.MemoryUpserts.WithLabelValues("merged").Inc()
		e.cache.Invalidate(ctx)
		return existing, nil
	case isNoRows(err):
	default:
		return nil, errors.Wrap(err, "find memory")
	}

	m := &models.Memory{Content: content, Scope: scope, RoomID: room, Tags: tags}
	if err := e.db.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	metrics.MemoryUpserts.WithLabelValues("inserted").Inc()
	e.cache.Invalidate(ctx)
	log.Debug().Str("memory_id", m.ID).Str("scope", string(scope)).Msg("memory stored")
	return m, nil
}

// Recall returns global memories plus the room's own, in creation order.
func (e *Engine) Recall(ctx context.Context, roomID string) ([]*models.Memory, error) {
	if cached, ok := e.cache.Load(ctx, roomID); ok {
		return cached, nil
	}
	mems, err := e.db.ListMemories(ctx, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "recall memories")
	}
	e.cache.Store(ctx, roomID, mems)
	return mems, nil
}

// SimilaritySearch ranks past messages by cosine similarity, highest first.
func (e *Engine) SimilaritySearch(ctx context.Context, query []float64, limit int) ([]models.ScoredMessage, error) {
	return e.db.SimilaritySearch(ctx, query, limit)
}

// SearchText embeds query and runs SimilaritySearch with it.
func (e *Engine) SearchText(ctx context.Context, query string, limit int) ([]models.ScoredMessage, error) {
	if e.embedder == nil {
		return nil, ErrNoEmbedder
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vectors, err := e.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vector")
	}
	return e.SimilaritySearch(ctx, vectors[0], limit)
}

func (e *Engine) List(ctx context.Context) ([]*models.Memory, error) {
	return e.db.ListAllMemories(ctx)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.db.DeleteMemory(ctx, id); err != nil {
		return err
	}
	e.cache.Invalidate(ctx)
	return nil
}

// NormalizeTags trims tags and drops blanks and duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// MergeTags returns the union of a and b.
func MergeTags(a, b []string) []string {
	return NormalizeTags(append(append([]string(nil), a...), b...))
}
