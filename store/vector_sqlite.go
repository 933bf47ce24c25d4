package store

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"github.com/shawkridge/athena/errs"
)

// vectorSearchSQLite scans every embedded row for the project and keeps
// the k nearest by cosine distance. sqlite carries no ANN index, so
// this trades throughput for the zero-dependency single-file
// deployment sqlite exists to offer; see DESIGN.md.
func (s *Store) vectorSearchSQLite(ctx context.Context, table string, query Vector, k int, projectScope string) ([]VectorHit, error) {
	type row struct {
		ID        int64
		Embedding Vector
	}
	var rows []row

	sqlStr := fmt.Sprintf(`SELECT id, embedding FROM %s WHERE project_scope = ? AND embedding IS NOT NULL`, table)
	if err := s.Pool.DB().WithContext(ctx).Raw(sqlStr, projectScope).Scan(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "vector search scan")
	}

	h := &vectorMaxHeap{}
	heap.Init(h)

	for _, r := range rows {
		d := cosineDistance(query, r.Embedding)
		if h.Len() < k {
			heap.Push(h, VectorHit{ID: r.ID, Distance: d})
			continue
		}
		if h.Len() > 0 && d < (*h)[0].Distance {
			heap.Pop(h)
			heap.Push(h, VectorHit{ID: r.ID, Distance: d})
		}
	}

	out := make([]VectorHit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(VectorHit)
	}
	return out, nil
}

// cosineDistance returns 1 - cosine_similarity(a, b); zero for
// identical unit vectors, up to 2 for opposite vectors.
func cosineDistance(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// vectorMaxHeap keeps the k smallest-distance hits by evicting the
// current worst (largest distance) when a better candidate arrives.
type vectorMaxHeap []VectorHit

func (h vectorMaxHeap) Len() int            { return len(h) }
func (h vectorMaxHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h vectorMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *vectorMaxHeap) Push(x any)         { *h = append(*h, x.(VectorHit)) }
func (h *vectorMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
