package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLmaxBoundsAfterGroup(t *testing.T) {
	r := NewRegulator()
	g := &Group{MaxBytes: 8192}
	g.OnChunk(1024, 0, 100_000)
	g.OnChunk(4096, 0, 300_000)
	g.OnChunk(3072, 0, 500_000)
	r.OnGroupComplete(g, true, true)

	assert.GreaterOrEqual(t, r.Lmax, int64(3*g.MaxChunk), "Lmax must span at least 3 chunks")
	assert.GreaterOrEqual(t, r.Lmax, int64(LmaxMinBytes))
}

func TestCanIssueRegularRequestRules(t *testing.T) {
	r := NewRegulator()
	r.Lmax = 10_000

	assert.True(t, r.CanIssueRegularRequest(0, true), "stateless with no outstanding bytes may always issue")
	assert.False(t, r.CanIssueRegularRequest(10_000, false), "non-stateless with full outstanding bytes may not issue")
	assert.True(t, r.CanIssueRegularRequest(4_000, false), "50%% overlap rule permits issue below Lmax/2")

	r.lastWasUnlimited = true
	assert.True(t, r.CanIssueRegularRequest(999_999, false), "an unlimited last request always permits issue")
}

func TestTruncatedGroupDroppedWhenRhoBelowQuarter(t *testing.T) {
	r := NewRegulator()
	before := r.cumBytes
	g := &Group{MaxBytes: 100_000}
	g.OnChunk(100, 0, 1_000)
	r.OnGroupComplete(g, true, false)
	assert.Equal(t, before, r.cumBytes, "a mostly-truncated group (rho<0.25) should not bias the rate estimate")
}
