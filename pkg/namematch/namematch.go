// Package namematch canonicalizes channel names and scores how alike two
// of them are. The three reporting backends each spell channel names their
// own way, so everything downstream joins on the normalized form and falls
// back to fuzzy similarity when the spellings still disagree.
package namematch

import "strings"

// Normalizer maps raw channel names to their canonical comparable form.
// The alias table handles known spelling variants between backends and is
// injected so deployments can extend it without code changes.
type Normalizer struct {
	aliases map[string]string
}

// NewNormalizer builds a Normalizer with the given alias table. Keys must
// already be in trimmed/lowercased form; values are the canonical names.
func NewNormalizer(aliases map[string]string) *Normalizer {
	n := &Normalizer{aliases: make(map[string]string, len(aliases))}
	for k, v := range aliases {
		n.aliases[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return n
}

// Normalize trims, lowercases and alias-resolves a raw channel name.
// Empty input normalizes to "" and is treated as unmatchable by callers.
func (n *Normalizer) Normalize(raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ""
	}
	if alias, ok := n.aliases[normalized]; ok {
		return alias
	}
	return normalized
}

// Similarity returns a ratio in [0,1] of how alike two strings are:
// twice the total length of all matching blocks divided by the combined
// length. Symmetric, 1.0 for identical strings, 0.0 for disjoint ones.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	denom := len(ra) + len(rb)
	if denom == 0 {
		return 1.0
	}
	matched := matchingLen(ra, rb)
	return 2.0 * float64(matched) / float64(denom)
}

// matchingLen sums the lengths of the matching blocks found by repeatedly
// taking the longest common substring and recursing on both sides of it.
func matchingLen(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingLen(a[:ai], b[:bi])
	total += matchingLen(a[ai+size:], b[bi+size:])
	return total
}

// longestMatch finds the leftmost longest common substring of a and b.
func longestMatch(a, b []rune) (bestA, bestB, bestSize int) {
	// positions of each rune in b
	bIndex := make(map[rune][]int, len(b))
	for i, r := range b {
		bIndex[r] = append(bIndex[r], i)
	}

	// lengths of matches ending at the previous a-position
	prev := make(map[int]int)
	for i, r := range a {
		cur := make(map[int]int)
		for _, j := range bIndex[r] {
			k := prev[j-1] + 1
			cur[j] = k
			if k > bestSize {
				bestA, bestB, bestSize = i-k+1, j-k+1, k
			}
		}
		prev = cur
	}
	return bestA, bestB, bestSize
}
