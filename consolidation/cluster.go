package consolidation

import (
	"math"
	"sort"
	"strings"

	"github.com/shawkridge/athena/types"
)

// Cluster is one density-connected group of candidate events.
type Cluster struct {
	Events      []types.Event
	Uncertainty float64
}

// clusterEvents groups events by density-connectivity, per spec
// §4.10's System 1 pipeline. No HDBSCAN (or any density-clustering)
// library exists anywhere in the example corpus, so this is a
// justified hand-rolled fallback: pairwise similarity (cosine over
// embeddings when every event in the window has one, else Jaccard over
// tag/keyword shingles) thresholded into a graph, whose connected
// components stand in for HDBSCAN's density-reachable clusters — a
// minPts=1, fixed-eps approximation appropriate to the small per-run
// windows (≤ a few thousand events) this layer expects.
func clusterEvents(events []types.Event, minClusterSize int, threshold float64) []Cluster {
	n := len(events)
	if n == 0 {
		return nil
	}

	vectorized := true
	for _, e := range events {
		if len(e.Embedding) == 0 {
			vectorized = false
			break
		}
	}

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var s float64
			if vectorized {
				s = cosineSimilarity(events[i].Embedding, events[j].Embedding)
			} else {
				s = jaccardSimilarity(shingles(events[i]), shingles(events[j]))
			}
			sim[i][j] = s
			sim[j][i] = s
		}
	}

	visited := make([]bool, n)
	var clusters []Cluster
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		members := connectedComponent(i, sim, threshold, visited)
		if len(members) < minClusterSize {
			continue
		}
		memberEvents := make([]types.Event, len(members))
		for k, idx := range members {
			memberEvents[k] = events[idx]
		}
		clusters = append(clusters, Cluster{
			Events:      memberEvents,
			Uncertainty: uncertainty(members, sim, vectorized),
		})
	}
	return clusters
}

func connectedComponent(start int, sim [][]float64, threshold float64, visited []bool) []int {
	n := len(sim)
	stack := []int{start}
	visited[start] = true
	var members []int
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		members = append(members, cur)
		for j := 0; j < n; j++ {
			if !visited[j] && sim[cur][j] >= threshold {
				visited[j] = true
				stack = append(stack, j)
			}
		}
	}
	sort.Ints(members)
	return members
}

// uncertainty estimates cluster coherence: 1 minus the mean pairwise
// similarity among members when vectorized, or 1 minus mean tag Jaccard
// similarity otherwise (spec §4.10's "tag entropy in lexical mode" —
// approximated here by the same Jaccard measure driving the
// connectivity graph, since both describe the same lexical spread).
func uncertainty(members []int, sim [][]float64, _ bool) float64 {
	if len(members) < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += sim[members[i]][members[j]]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	mean := sum / float64(count)
	u := 1 - mean
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	return u
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos < 0 {
		return 0
	}
	return cos
}

func shingles(e types.Event) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range e.Tags {
		out[strings.ToLower(t)] = struct{}{}
	}
	for _, w := range strings.Fields(strings.ToLower(e.Content)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 4 {
			out[w] = struct{}{}
		}
	}
	return out
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
