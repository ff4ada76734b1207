package memory

import (
	"fmt"
	"strings"
)

// DefaultTokenBudget is the brief budget when the caller passes zero.
const DefaultTokenBudget = 2000

// tokensPerChar is the estimation ratio for rendered markdown.
const tokensPerChar = 0.25

// Brief is a token-budgeted rendering of ranked memory entries,
// ready for injection into an agent prompt.
type Brief struct {
	Text            string `json:"text"`
	EstimatedTokens int    `json:"estimated_tokens"`
	IncludedCount   int    `json:"included_count"`
	TruncatedCount  int    `json:"truncated_count"`
}

// Empty reports whether the brief carries no entries.
func (b *Brief) Empty() bool {
	return b.IncludedCount == 0
}

// kindOrder fixes the group ordering in the rendered document.
var kindOrder = []Kind{KindConstraint, KindDecision, KindCheckpoint, KindNextStep, KindActionReport, KindCINote}

var kindHeadings = map[Kind]string{
	KindConstraint:   "Constraints",
	KindDecision:     "Decisions",
	KindCheckpoint:   "Checkpoints",
	KindNextStep:     "Next Steps",
	KindActionReport: "Action Reports",
	KindCINote:       "CI Notes",
}

// EstimateTokens estimates the token count of rendered text.
func EstimateTokens(text string) int {
	est := float64(len(text)) * tokensPerChar
	tokens := int(est)
	if est > float64(tokens) {
		tokens++
	}
	return tokens
}

// BuildBrief renders ranked entries into a markdown document grouped
// by kind, consuming entries highest score first until the next entry
// would exceed the budget. Entries that do not fit are counted as
// truncated, never partially rendered. Deterministic for identical
// input: no randomness, no wall-clock reads.
func BuildBrief(ranked []Scored, budget int) *Brief {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	const header = "## Memory Brief\n"
	used := EstimateTokens(header)

	included := make(map[Kind][]Scored)
	includedCount := 0
	truncated := 0

	for i, sc := range ranked {
		cost := EstimateTokens(renderEntry(&sc.Entry))
		if len(included[sc.Entry.Kind]) == 0 {
			cost += EstimateTokens(renderHeading(sc.Entry.Kind))
		}
		if used+cost > budget {
			// Inclusion is strictly by rank: once an entry does not
			// fit, everything below it is dropped too.
			truncated = len(ranked) - i
			break
		}
		used += cost
		included[sc.Entry.Kind] = append(included[sc.Entry.Kind], sc)
		includedCount++
	}

	if includedCount == 0 {
		return &Brief{TruncatedCount: truncated}
	}

	var sb strings.Builder
	sb.WriteString(header)
	for _, kind := range kindOrder {
		group := included[kind]
		if len(group) == 0 {
			continue
		}
		sb.WriteString(renderHeading(kind))
		for _, sc := range group {
			sb.WriteString(renderEntry(&sc.Entry))
		}
	}

	text := sb.String()
	return &Brief{
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
		IncludedCount:   includedCount,
		TruncatedCount:  truncated,
	}
}

// Brief runs retrieval, ranking, and assembly in one step for the
// given query scope. Absence of memories is not an error: an empty
// store yields an empty but valid brief.
func (s *Store) Brief(q Query, budget int) (*Brief, error) {
	res, err := s.Retrieve(q)
	if err != nil {
		return nil, err
	}
	ranked := Rank(res.Combined(), q.BeadID, q.EpicID, s.now())
	return BuildBrief(ranked, budget), nil
}

func renderHeading(kind Kind) string {
	return "\n### " + kindHeadings[kind] + "\n"
}

func renderEntry(e *Entry) string {
	content := strings.TrimSpace(e.Content)
	if content == "" {
		return fmt.Sprintf("- **%s**\n", e.Title)
	}
	return fmt.Sprintf("- **%s**: %s\n", e.Title, content)
}
