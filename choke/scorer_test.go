package choke

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEWMASeedsOnFirstSample(t *testing.T) {
	s := NewScorer()
	score := s.Score("p", 100)
	// With one sample, variance penalty is 1.0 (history<2) and trust bonus
	// is 1.0 (no wins yet), ewma==r, so score == 0.7r+0.3r == r.
	assert.InDelta(t, 100, score, 1e-9)
}

func TestEWMASmoothsSubsequentSamples(t *testing.T) {
	s := NewScorer()
	s.Score("p", 100)
	// Second sample: ewma = 0.2*200 + 0.8*100 = 120.
	// base = 0.7*200 + 0.3*120 = 140+36 = 176. History has two entries now
	// so variance penalty kicks in and multiplies that base down.
	score := s.Score("p", 200)
	assert.Less(t, score, 176.0)
	assert.Greater(t, score, 0.0)
}

func TestTrustBonusClampsAtTwo(t *testing.T) {
	assert.InDelta(t, 2.0, trustBonus(1000), 1e-9)
	assert.InDelta(t, 1.5, trustBonus(50), 1e-9)
	assert.InDelta(t, 1.0, trustBonus(0), 1e-9)
}

func TestRecordWinIncreasesTrustBonusOverRounds(t *testing.T) {
	s := NewScorer()
	s.Score("p", 100)
	before := s.state("p").topTierCount
	s.RecordWin("p")
	after := s.state("p").topTierCount
	assert.Equal(t, before+1, after)
}

func TestVariancePenaltyIsOneWithFewerThanTwoSamples(t *testing.T) {
	assert.Equal(t, 1.0, variancePenalty(nil))
	assert.Equal(t, 1.0, variancePenalty([]float64{5}))
}

func TestVariancePenaltyPenalizesHighVariance(t *testing.T) {
	steady := variancePenalty([]float64{100, 100, 100, 100})
	bursty := variancePenalty([]float64{0, 200, 0, 200})
	assert.InDelta(t, 1.0, steady, 1e-9)
	assert.Less(t, bursty, steady)
}

func TestHistoryEvictsOldestBeyondTen(t *testing.T) {
	s := NewScorer()
	for i := 0; i < 15; i++ {
		s.Score("p", float64(i))
	}
	st := s.state("p")
	assert.Len(t, st.history, historyLen)
	assert.Equal(t, float64(5), st.history[0], "oldest five samples evicted")
	assert.Equal(t, float64(14), st.history[len(st.history)-1])
}

func TestForgetRemovesPeerState(t *testing.T) {
	s := NewScorer()
	s.Score("p", 10)
	s.Forget("p")
	// After Forget, a fresh Score call reseeds ewma from scratch: with one
	// sample the score again equals the raw rate.
	score := s.Score("p", 50)
	assert.InDelta(t, 50, score, 1e-9)
}
