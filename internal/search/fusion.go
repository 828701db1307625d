package search

import (
	"sort"

	"github.com/quarry-search/quarry/internal/store"
)

// fused is an intermediate fusion entry before hydration.
type fused struct {
	ChunkID      int64
	Score        float64
	VectorScore  float64
	LexicalScore float64
	inVector     bool
}

// fuseRRF merges the two rankings with Reciprocal Rank Fusion: each
// chunk scores the sum over the lists it appears in of 1/(k + rank),
// rank counted from 1. The output is sorted by fused score descending,
// ties broken by the higher of the two raw scores, then by chunk id.
func fuseRRF(vector, lexical []store.SearchResult, k int) []fused {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[int64]*fused, len(vector)+len(lexical))

	for i, r := range vector {
		byID[r.ChunkID] = &fused{
			ChunkID:     r.ChunkID,
			Score:       1.0 / float64(k+i+1),
			VectorScore: r.Score,
			inVector:    true,
		}
	}
	for i, r := range lexical {
		entry, ok := byID[r.ChunkID]
		if !ok {
			entry = &fused{ChunkID: r.ChunkID}
			byID[r.ChunkID] = entry
		}
		entry.Score += 1.0 / float64(k+i+1)
		entry.LexicalScore = r.Score
	}

	results := make([]fused, 0, len(byID))
	for _, entry := range byID {
		results = append(results, *entry)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		iBest := maxFloat(results[i].VectorScore, results[i].LexicalScore)
		jBest := maxFloat(results[j].VectorScore, results[j].LexicalScore)
		if iBest != jBest {
			return iBest > jBest
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

// applyThreshold drops every result whose raw vector similarity is
// below the cutoff. A chunk that only matched lexically has no vector
// similarity at all, which counts as below the cutoff: lexical rank can
// reorder results, it cannot vouch for relevance on its own.
func applyThreshold(results []fused, threshold float64) []fused {
	kept := results[:0]
	for _, r := range results {
		if r.inVector && r.VectorScore >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

// NormalizeScores rescales fused scores to [0, 1] for display. Raw RRF
// scores are tiny fractions that mean nothing to a reader.
func NormalizeScores(results []*Result) {
	if len(results) == 0 {
		return
	}
	minScore, maxScore := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < minScore {
			minScore = r.Score
		}
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	span := maxScore - minScore
	for _, r := range results {
		if span == 0 {
			r.Score = 1.0
		} else {
			r.Score = (r.Score - minScore) / span
		}
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
