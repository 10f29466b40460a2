// Package reconcile lines channels up across reporting backends that
// disagree on naming. Exact normalized-key equality wins; otherwise the
// best fuzzy candidate is accepted when it clears the threshold.
package reconcile

import (
	"sort"

	"github.com/tagwatch/tagwatch/pkg/namematch"
)

// DefaultThreshold is the minimum similarity (inclusive) at which a fuzzy
// candidate is accepted as the same channel.
const DefaultThreshold = 0.8

// BestMatch scans candidates for the one most similar to key. Candidates
// are visited in sorted order so equal-maximum ties always resolve to the
// lexicographically first one. Returns "" when candidates is empty.
func BestMatch(key string, candidates []string) (best string, score float64) {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	for _, c := range sorted {
		if s := namematch.Similarity(key, c); s > score {
			best, score = c, s
		}
	}
	return best, score
}

// MatchKeys builds a best-effort mapping from each primary key to a
// secondary key. Primaries with no exact partner fall back to fuzzy
// matching; those whose best score is below threshold stay unmatched and
// are simply absent from the result.
func MatchKeys(primary, secondary []string, threshold float64) map[string]string {
	secondarySet := make(map[string]struct{}, len(secondary))
	for _, k := range secondary {
		secondarySet[k] = struct{}{}
	}

	matched := make(map[string]string, len(primary))
	for _, p := range primary {
		if _, ok := secondarySet[p]; ok {
			matched[p] = p
			continue
		}
		if best, score := BestMatch(p, secondary); best != "" && score >= threshold {
			matched[p] = best
		}
	}
	return matched
}
