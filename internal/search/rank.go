package search

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

type candidate struct {
	id     string
	vector float64
	text   float64
	score  float64

	updatedAt time.Time
}

// strongest is the better of the two single signals.
func (c candidate) strongest() float64 {
	return math.Max(c.vector, c.text)
}

func combine(c candidate, r resolved) float64 {
	switch r.strategy {
	case StrategyVector:
		return c.vector
	case StrategyText:
		return c.text
	}
	return r.vectorWeight*c.vector + r.textWeight*c.text
}

// normalize scales text ranks into [0,1] by the best rank in the set.
func normalize(hits []model.ScoredID) []model.ScoredID {
	var top float64
	for _, h := range hits {
		if h.Score > top {
			top = h.Score
		}
	}
	out := make([]model.ScoredID, len(hits))
	for i, h := range hits {
		out[i] = h
		if top > 0 {
			out[i].Score = h.Score / top
		} else {
			// Matched without a usable rank; count it as a full match.
			out[i].Score = 1
		}
	}
	return out
}

// cosine returns the cosine similarity of a and b, 0 when either is zero.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func candidateIDs(cands []candidate) []string {
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// rank drops candidates the lookup cannot resolve (filtered out or deleted
// since scoring) and orders the rest: score, then the stronger single
// signal, then most recently updated, then ID.
func rank(cands []candidate, lookup func(id string) (time.Time, bool), r resolved) []candidate {
	kept := cands[:0]
	for _, c := range cands {
		at, ok := lookup(c.id)
		if !ok {
			continue
		}
		c.updatedAt = at
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if sa, sb := a.strongest(), b.strongest(); sa != sb {
			return sa > sb
		}
		if !a.updatedAt.Equal(b.updatedAt) {
			return a.updatedAt.After(b.updatedAt)
		}
		return a.id < b.id
	})
	if len(kept) > r.limit {
		kept = kept[:r.limit]
	}
	return kept
}
