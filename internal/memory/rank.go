package memory

import (
	"sort"
	"time"
)

// Score component weights. Each component is normalized to [0, 1]
// before weighting, so the final score is also in [0, 1].
const (
	weightBase      = 0.4
	weightRecency   = 0.3
	weightProximity = 0.2
	weightKind      = 0.1

	// recencyWindow is the age at which the recency component bottoms out.
	recencyWindow = 30 * 24 * time.Hour
)

// Scored pairs an entry with its computed relevance for one query.
type Scored struct {
	Entry Entry
	Score float64
}

// Score computes the weighted relevance of an entry relative to the
// query's current bead and epic at the given instant. Deterministic
// for a fixed now.
func Score(e *Entry, beadID, epicID string, now time.Time) float64 {
	base := e.RelevanceScore
	if base < 0 {
		base = 0
	}
	if base > 1 {
		base = 1
	}

	// Linear decay from 1.0 at creation to 0.0 at the window edge.
	age := now.Sub(e.CreatedAt)
	recency := 1.0 - float64(age)/float64(recencyWindow)
	if recency < 0 {
		recency = 0
	}
	if recency > 1 {
		recency = 1
	}

	// Exact bead match beats epic match beats project-level default.
	proximity := 0.3
	switch {
	case beadID != "" && e.BeadID == beadID:
		proximity = 1.0
	case epicID != "" && e.EpicID == epicID:
		proximity = 0.7
	}

	var boost float64
	switch e.Kind {
	case KindConstraint:
		boost = 0.3
	case KindDecision:
		boost = 0.2
	case KindCheckpoint:
		boost = 0.1
	}

	return base*weightBase + recency*weightRecency + proximity*weightProximity + boost*weightKind
}

// Rank scores a candidate set against the query scope and orders it
// highest score first. Ties break toward newer entries, then toward
// the candidates' original order.
func Rank(entries []Entry, beadID, epicID string, now time.Time) []Scored {
	scored := make([]Scored, len(entries))
	for i, e := range entries {
		scored[i] = Scored{Entry: e, Score: Score(&e, beadID, epicID, now)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.CreatedAt.After(scored[j].Entry.CreatedAt)
	})

	return scored
}
