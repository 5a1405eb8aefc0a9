package recon

import (
	"strings"

	"redforge/internal/campaign"
)

// diceSimilarity computes the Sørensen–Dice coefficient over character
// bigrams, case-insensitive. Strings shorter than two runes only match
// exactly.
func diceSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}

	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	overlap := 0
	for bg, n := range ba {
		if m, ok := bb[bg]; ok {
			if m < n {
				overlap += m
			} else {
				overlap += n
			}
		}
	}

	totalA := 0
	for _, n := range ba {
		totalA += n
	}
	totalB := 0
	for _, n := range bb {
		totalB += n
	}
	return 2 * float64(overlap) / float64(totalA+totalB)
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// notebook accumulates observations per category, rejecting duplicates.
// An observation is a duplicate when it is empty, string-equal to a
// prior observation in the same category, or above the similarity
// threshold against any same-category prior.
type notebook struct {
	threshold float64
	obs       map[campaign.ObservationCategory][]string
	dropped   map[campaign.ObservationCategory]int
}

func newNotebook(threshold float64) *notebook {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &notebook{
		threshold: threshold,
		obs:       make(map[campaign.ObservationCategory][]string),
		dropped:   make(map[campaign.ObservationCategory]int),
	}
}

// add stores the observation unless it duplicates a prior one.
// Duplicates are counted, not stored.
func (n *notebook) add(cat campaign.ObservationCategory, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, prior := range n.obs[cat] {
		if prior == text || diceSimilarity(prior, text) >= n.threshold {
			n.dropped[cat]++
			return false
		}
	}
	n.obs[cat] = append(n.obs[cat], text)
	return true
}

func (n *notebook) count(cat campaign.ObservationCategory) int {
	return len(n.obs[cat])
}

func (n *notebook) total() int {
	sum := 0
	for _, list := range n.obs {
		sum += len(list)
	}
	return sum
}
