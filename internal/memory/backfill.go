package memory

import (
	"context"
	"sync/atomic"
	"time"

	"flowchat/internal/metrics"
	"flowchat/internal/models"
	"flowchat/internal/worker"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBackfillInterval = 5 * time.Minute
	defaultBatchSize        = 16
	backfillJobKey          = "embedding-backfill"
)

// EmbeddingStore lists messages lacking an embedding and stores new ones.
type EmbeddingStore interface {
	MessagesWithoutEmbedding(ctx context.Context, limit int) ([]*models.Message, error)
	UpdateEmbedding(ctx context.Context, id, content string, embedding []float64) (bool, error)
}

// Backfiller embeds messages out of band so they become searchable.
type Backfiller struct {
	db          EmbeddingStore
	embedder    embedding.Embedder
	batchSize   int
	concurrency int
}

func NewBackfiller(db EmbeddingStore, embedder embedding.Embedder, batchSize, concurrency int) *Backfiller {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Backfiller{db: db, embedder: embedder, batchSize: batchSize, concurrency: concurrency}
}

// Jobs queues work on the shared dispatcher. *worker.Dispatcher implements it.
type Jobs interface {
	Submit(job worker.Job) error
}

// Start schedules BackfillOnce every interval until ctx is done. Passes go
// through jobs when set, so a slow pass never overlaps the next one.
func (b *Backfiller) Start(ctx context.Context, interval time.Duration, jobs Jobs) {
	if interval <= 0 {
		interval = DefaultBackfillInterval
	}
	go b.loop(ctx, interval, jobs)
}

func (b *Backfiller) loop(ctx context.Context, interval time.Duration, jobs Jobs) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if jobs == nil {
				b.runPass(ctx)
				continue
			}
			err := jobs.Submit(worker.Job{Key: backfillJobKey, Name: "embedding-backfill", Run: b.runPass})
			if err != nil {
				log.Warn().Err(err).Msg("embedding backfill not scheduled")
			}
		}
	}
}

func (b *Backfiller) runPass(ctx context.Context) {
	n, err := b.BackfillOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("embedding backfill failed")
		return
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("embedding backfill finished")
	}
}

// BackfillOnce embeds every message currently lacking an embedding and
// returns how many were written. A message whose content changed while it
// was being embedded is left for a later pass.
func (b *Backfiller) BackfillOnce(ctx context.Context) (int, error) {
	if b.embedder == nil {
		return 0, ErrNoEmbedder
	}
	var total int64
	window := b.batchSize * b.concurrency
	for {
		pending, err := b.db.MessagesWithoutEmbedding(ctx, window)
		if err != nil {
			return int(total), errors.Wrap(err, "list messages without embedding")
		}
		if len(pending) == 0 {
			return int(total), nil
		}

		var written int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.concurrency)
		for start := 0; start < len(pending); start += b.batchSize {
			end := min(start+b.batchSize, len(pending))
			batch := pending[start:end]
			g.Go(func() error {
				n, err := b.embedBatch(gctx, batch)
				atomic.AddInt64(&written, int64(n))
				return err
			})
		}
		err = g.Wait()
		total += written
		if err != nil {
			return int(total), err
		}
		// a window of only stale rows means the content is still streaming
		if len(pending) < window || written == 0 {
			return int(total), nil
		}
	}
}

func (b *Backfiller) embedBatch(ctx context.Context, batch []*models.Message) (int, error) {
	texts := make([]string, len(batch))
	for i, msg := range batch {
		texts[i] = msg.Content
	}
	vectors, err := b.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return 0, errors.Wrap(err, "embed batch")
	}
	if len(vectors) != len(batch) {
		return 0, errors.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	written := 0
	for i, msg := range batch {
		if len(vectors[i]) == 0 {
			return written, errors.Errorf("empty embedding for %s", msg.ID)
		}
		ok, err := b.db.UpdateEmbedding(ctx, msg.ID, msg.Content, vectors[i])
		if err != nil {
			return written, errors.Wrapf(err, "store embedding for %s", msg.ID)
		}
		if !ok {
			log.Debug().Str("message_id", msg.ID).Msg("content changed during embedding, skipped")
			continue
		}
		written++
		metrics.EmbeddingsBackfilled.Inc()
	}
	return written, nil
}
