package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoredFixture(n int, contentLen int) []Scored {
	ranked := make([]Scored, n)
	for i := range ranked {
		ranked[i] = Scored{
			Entry: Entry{
				ID:        fmt.Sprintf("id-%02d", i),
				Kind:      KindDecision,
				Title:     "entry",
				Content:   fmt.Sprintf("marker-%02d ", i) + strings.Repeat("x", contentLen),
				CreatedAt: rankNow.Add(-time.Duration(i) * time.Hour),
			},
			Score: 1.0 - float64(i)*0.1,
		}
	}
	return ranked
}

func TestBuildBrief_NeverExceedsBudget(t *testing.T) {
	for _, budget := range []int{10, 50, 100, 500, 2000} {
		brief := BuildBrief(scoredFixture(20, 200), budget)
		assert.LessOrEqual(t, brief.EstimatedTokens, budget, "budget %d", budget)
	}
}

func TestBuildBrief_CountsAddUp(t *testing.T) {
	ranked := scoredFixture(12, 300)
	brief := BuildBrief(ranked, 500)
	assert.Equal(t, len(ranked), brief.IncludedCount+brief.TruncatedCount,
		"every candidate is either included or truncated")
	assert.Positive(t, brief.TruncatedCount, "fixture should overflow a 500 token budget")
}

func TestBuildBrief_InclusionFollowsRank(t *testing.T) {
	ranked := scoredFixture(10, 300)
	brief := BuildBrief(ranked, 400)
	require.Positive(t, brief.IncludedCount)
	require.Positive(t, brief.TruncatedCount)

	// The included prefix is exactly the highest-ranked entries:
	// everything above the cut appears, nothing below it does.
	for i := range ranked {
		marker := fmt.Sprintf("marker-%02d", i)
		if i < brief.IncludedCount {
			assert.Contains(t, brief.Text, marker)
		} else {
			assert.NotContains(t, brief.Text, marker)
		}
	}
}

func TestBuildBrief_GroupsByKind(t *testing.T) {
	ranked := []Scored{
		{Entry: Entry{ID: "1", Kind: KindDecision, Title: "d1", Content: "decision one"}, Score: 0.9},
		{Entry: Entry{ID: "2", Kind: KindConstraint, Title: "c1", Content: "rule one"}, Score: 0.8},
		{Entry: Entry{ID: "3", Kind: KindDecision, Title: "d2", Content: "decision two"}, Score: 0.7},
	}
	brief := BuildBrief(ranked, 2000)

	// Constraints section renders before decisions regardless of rank.
	ci := strings.Index(brief.Text, "### Constraints")
	di := strings.Index(brief.Text, "### Decisions")
	require.GreaterOrEqual(t, ci, 0)
	require.GreaterOrEqual(t, di, 0)
	assert.Less(t, ci, di)

	assert.Equal(t, 1, strings.Count(brief.Text, "### Decisions"), "one heading per kind")
}

func TestBuildBrief_Empty(t *testing.T) {
	brief := BuildBrief(nil, 2000)
	assert.True(t, brief.Empty())
	assert.Empty(t, brief.Text)
	assert.Zero(t, brief.EstimatedTokens)
	assert.Zero(t, brief.TruncatedCount)
}

func TestBuildBrief_Deterministic(t *testing.T) {
	ranked := scoredFixture(8, 120)
	a := BuildBrief(ranked, 300)
	b := BuildBrief(ranked, 300)
	assert.Equal(t, a, b)
}

func TestBuildBrief_ZeroBudgetUsesDefault(t *testing.T) {
	brief := BuildBrief(scoredFixture(3, 50), 0)
	assert.Equal(t, 3, brief.IncludedCount)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"), "rounds up")
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
}

func TestStoreBrief_EmptyStoreIsValid(t *testing.T) {
	s := testStore(t)
	brief, err := s.Brief(Query{ProjectID: "p1", BeadID: "b1"}, 0)
	require.NoError(t, err, "absence of memories is not an error")
	assert.True(t, brief.Empty())
}

func TestStoreBrief_EndToEnd(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.Append(&Entry{ProjectID: "p1", Kind: KindConstraint, Title: "use Postgres", Content: "managed instance only"}))
	require.NoError(t, s.Append(&Entry{ProjectID: "p1", BeadID: "B1", Kind: KindDecision, Title: "auth", Content: "JWT with 15m expiry"}))

	brief, err := s.Brief(Query{ProjectID: "p1", BeadID: "B1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, brief.IncludedCount)
	assert.Contains(t, brief.Text, "use Postgres")
	assert.Contains(t, brief.Text, "JWT with 15m expiry")
}
