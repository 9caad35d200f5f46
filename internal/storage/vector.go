package storage

import (
	"math"
	"sort"

	"flowchat/internal/models"
)

// CosineSimilarity returns 1 - cosine distance between a and b. ok is false
// when the vectors differ in length or either has zero magnitude.
func CosineSimilarity(a, b []float64) (similarity float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

func rankBySimilarity(query []float64, msgs []*models.Message, limit int) []models.ScoredMessage {
	scored := make([]models.ScoredMessage, 0, len(msgs))
	for _, msg := range msgs {
		sim, ok := CosineSimilarity(query, msg.Embedding)
		if !ok {
			continue
		}
		scored = append(scored, models.ScoredMessage{Message: msg, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
