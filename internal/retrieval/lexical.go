package retrieval

import (
	"strings"

	"github.com/bidflow/bidflow/internal/store"
)

// stopwords excluded from lexical scoring. Short function words dominate
// term frequency without carrying meaning.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// queryTerms extracts the scoring terms of a query: lowercased, stopwords
// and single-character tokens removed, deduplicated.
func queryTerms(query string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) < 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	return terms
}

// lexicalScores computes a term-frequency score per chunk for the query.
// Each chunk's score is the summed frequency of the query terms within it,
// normalized by the chunk's token count.
func lexicalScores(query string, chunks []*store.Chunk) map[string]float64 {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(chunks))
	for _, c := range chunks {
		tokens := strings.Fields(strings.ToLower(c.Text))
		if len(tokens) == 0 {
			continue
		}
		counts := make(map[string]int)
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,;:!?\"'()[]")
			counts[tok]++
		}
		var score float64
		for _, term := range terms {
			score += float64(counts[term]) / float64(len(tokens))
		}
		if score > 0 {
			scores[c.ID] = score
		}
	}
	return scores
}

// normalizeScores scales a score map so the best entry is 1.0.
func normalizeScores(scores map[string]float64) {
	var max float64
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max <= 0 {
		return
	}
	for id, s := range scores {
		scores[id] = s / max
	}
}
