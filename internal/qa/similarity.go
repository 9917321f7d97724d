package qa

import (
	"math"
	"sort"
)

// Match is one similarity hit against the curated pool.
type Match struct {
	ID         string  `json:"qa_id"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Similarity float64 `json:"similarity"`
}

// rankMatches orders by similarity descending; ties prefer the higher
// confidence, then the lexicographically smaller pair id.
func rankMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Similarity != ms[j].Similarity {
			return ms[i].Similarity > ms[j].Similarity
		}
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		return ms[i].ID < ms[j].ID
	})
}

// searchCategory scans one category matrix and returns up to limit matches
// with similarity >= floor, ranked. The second return is the best raw
// similarity seen before the floor was applied, so callers can report how
// close the nearest miss was.
func searchCategory(c *category, query []float32, limit int, floor float64) ([]Match, float64) {
	best := 0.0
	matches := make([]Match, 0, limit)
	for i, id := range c.ids {
		sim := clampSim(cosine(query, c.rows[i]))
		if sim > best {
			best = sim
		}
		if sim < floor {
			continue
		}
		p := c.pairs[id]
		matches = append(matches, Match{
			ID:         p.ID,
			Question:   p.Question,
			Answer:     p.Answer,
			Category:   p.Category,
			Confidence: p.Confidence,
			Similarity: sim,
		})
	}
	rankMatches(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, best
}

// nearestPair returns the closest existing pair in the category and its
// similarity, used for duplicate detection on create and import.
func nearestPair(c *category, query []float32) (*Pair, float64) {
	bestSim := -1.0
	var bestID string
	for i, id := range c.ids {
		sim := clampSim(cosine(query, c.rows[i]))
		if sim > bestSim || (sim == bestSim && id < bestID) {
			bestSim, bestID = sim, id
		}
	}
	if bestID == "" {
		return nil, 0
	}
	return c.pairs[bestID], bestSim
}

// clampSim pins float drift back into [0,1].
func clampSim(sim float64) float64 {
	return math.Max(0, math.Min(1, sim))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
