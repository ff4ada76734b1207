// Package memory implements the append-only scoped memory log and the
// retrieval, ranking, and brief assembly used to inject durable context
// into agent prompts.
package memory

import "time"

// Kind classifies a memory entry and drives its default retention.
type Kind string

const (
	KindConstraint   Kind = "constraint"    // hard rule, never expires
	KindDecision     Kind = "decision"      // technical decision
	KindCheckpoint   Kind = "checkpoint"    // session close snapshot
	KindNextStep     Kind = "next_step"     // planned follow-up
	KindActionReport Kind = "action_report" // what an agent did
	KindCINote       Kind = "ci_note"       // CI/build observation
)

// ValidKinds are the allowed entry kinds.
var ValidKinds = map[Kind]bool{
	KindConstraint:   true,
	KindDecision:     true,
	KindCheckpoint:   true,
	KindNextStep:     true,
	KindActionReport: true,
	KindCINote:       true,
}

// retentionDays maps each kind to its default expiry window.
// Zero means the kind never expires.
var retentionDays = map[Kind]int{
	KindConstraint:   0,
	KindDecision:     90,
	KindCheckpoint:   30,
	KindNextStep:     14,
	KindActionReport: 7,
	KindCINote:       7,
}

// DefaultExpiry returns the default expiry for a kind created at the
// given time, or nil for kinds that never expire.
func DefaultExpiry(kind Kind, createdAt time.Time) *time.Time {
	days := retentionDays[kind]
	if days == 0 {
		return nil
	}
	t := createdAt.Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

// Entry is one append-only memory record. Content, kind, title, and
// scope are immutable once created; only the relevance score, the
// soft-delete marker, and audit metadata in Data may change.
type Entry struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	BeadID         string     `json:"bead_id,omitempty"`
	EpicID         string     `json:"epic_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ChatID         string     `json:"chat_id,omitempty"`
	Kind           Kind       `json:"kind"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	Data           string     `json:"data,omitempty"` // opaque structured payload (JSON)
	RelevanceScore float64    `json:"relevance_score"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Active reports whether the entry should be visible at the given time:
// not soft-deleted and not expired. Constraints without an expiry are
// always active regardless of age.
func (e *Entry) Active(now time.Time) bool {
	if e.DeletedAt != nil {
		return false
	}
	if e.ExpiresAt == nil {
		return true
	}
	return e.ExpiresAt.After(now)
}

// Query selects entries for brief generation. BeadID and EpicID scope
// the hierarchical buckets; Kind optionally narrows all of them.
type Query struct {
	ProjectID string
	BeadID    string
	EpicID    string
	Kind      Kind // optional filter
	Limit     int  // per-bucket limit
}

// QueryResult holds the four retrieval buckets, each independently
// limited. Callers combine and truncate as needed.
type QueryResult struct {
	BeadScoped         []Entry // bead_id matches the query bead
	EpicScoped         []Entry // epic_id matches and no bead_id set
	ProjectConstraints []Entry // constraints with neither bead nor epic scope
	ActiveConstraints  []Entry // every live constraint, any scope
}

// Combined returns all buckets merged into one candidate set with
// duplicates (an unscoped constraint appears in two buckets) removed,
// preserving first-seen order.
func (r *QueryResult) Combined() []Entry {
	seen := make(map[string]bool)
	var out []Entry
	for _, bucket := range [][]Entry{r.BeadScoped, r.EpicScoped, r.ProjectConstraints, r.ActiveConstraints} {
		for _, e := range bucket {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}
