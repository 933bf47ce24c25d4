package consolidation

import (
	"sort"
	"strings"
	"time"

	"github.com/shawkridge/athena/types"
)

// workflowVerbs are common imperative-verb prefixes used by the
// ordered-workflow heuristic (spec §4.10's "monotone timestamps +
// verb-prefix heuristic").
var workflowVerbs = []string{
	"build", "create", "run", "deploy", "push", "pull", "install",
	"configure", "start", "stop", "fetch", "compile", "test", "verify",
	"upload", "download", "open", "close", "write", "read", "generate",
}

// looksLikeWorkflow reports whether a cluster's events read as an
// ordered procedure: timestamps strictly increase in the order the
// events are given and a majority of contents begin with a recognized
// imperative verb.
func looksLikeWorkflow(events []types.Event) bool {
	if len(events) < 2 {
		return false
	}
	for i := 1; i < len(events); i++ {
		if !events[i].CreatedAt.After(events[i-1].CreatedAt) {
			return false
		}
	}

	verbLike := 0
	for _, e := range events {
		words := strings.Fields(e.Content)
		if len(words) == 0 {
			continue
		}
		first := strings.ToLower(words[0])
		for _, v := range workflowVerbs {
			if strings.HasPrefix(first, v) {
				verbLike++
				break
			}
		}
	}
	return float64(verbLike)/float64(len(events)) >= 0.5
}

// exemplar picks the cluster's canonical summary: its longest event
// content, a cheap stand-in for a centroid-nearest exemplar when no
// validator is in play.
func exemplar(events []types.Event) types.Event {
	best := events[0]
	for _, e := range events[1:] {
		if len(e.Content) > len(best.Content) {
			best = e
		}
	}
	return best
}

// workflowSteps converts a time-ordered cluster into procedure steps.
func workflowSteps(events []types.Event) []types.ProcedureStep {
	sorted := make([]types.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	steps := make([]types.ProcedureStep, len(sorted))
	for i, e := range sorted {
		steps[i] = types.ProcedureStep{Order: i + 1, Description: e.Content}
	}
	return steps
}

// coOccurringTagPairs returns every pair of distinct tags that appear
// together on at least one event in the cluster, with a co-occurrence
// strength in [0,1] — the basis for the cluster's synthesized graph
// relations (spec §4.10 emission bullet (c)).
func coOccurringTagPairs(events []types.Event) map[[2]string]float64 {
	counts := make(map[[2]string]int)
	for _, e := range events {
		tags := uniqueSorted(e.Tags)
		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				counts[[2]string{tags[i], tags[j]}]++
			}
		}
	}
	out := make(map[[2]string]float64, len(counts))
	for pair, c := range counts {
		out[pair] = float64(c) / float64(len(events))
	}
	return out
}

func uniqueSorted(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func minEventTime(events []types.Event) time.Time {
	min := events[0].CreatedAt
	for _, e := range events[1:] {
		if e.CreatedAt.Before(min) {
			min = e.CreatedAt
		}
	}
	return min
}
