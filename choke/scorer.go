package choke

import (
	"math"
	"sync"
)

const historyLen = 10

// peerState is the per-peer bookkeeping the scorer keeps across rounds
// (spec §4.6): an EWMA of download rate, a short rate history for variance
// penalty, and a running count of top-tier wins for the trust bonus.
type peerState struct {
	ewmaSeeded   bool
	ewmaRate     float64
	history      []float64 // ring of at most historyLen samples, oldest first
	topTierCount int
}

// Scorer holds the reputation state for every peer the choke manager has
// ever scored. It is safe for concurrent use, though in practice only the
// choke manager's own goroutine touches it.
type Scorer struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

// NewScorer returns an empty Scorer.
func NewScorer() *Scorer {
	return &Scorer{peers: make(map[string]*peerState)}
}

func (s *Scorer) state(key string) *peerState {
	st, ok := s.peers[key]
	if !ok {
		st = &peerState{}
		s.peers[key] = st
	}
	return st
}

// addSample folds r into the peer's EWMA (seeding on first nonzero sample,
// per spec) and pushes it into the rate history, evicting the oldest entry
// past historyLen.
func (st *peerState) addSample(r float64) {
	if !st.ewmaSeeded {
		st.ewmaRate = r
		st.ewmaSeeded = r != 0
	} else {
		st.ewmaRate = 0.2*r + 0.8*st.ewmaRate
	}
	st.history = append(st.history, r)
	if len(st.history) > historyLen {
		st.history = st.history[len(st.history)-historyLen:]
	}
}

// variancePenalty implements spec §4.6: 1.0 with fewer than two samples or a
// zero mean, else 1/(1+cv) where cv is the coefficient of variation over the
// retained history.
func variancePenalty(history []float64) float64 {
	if len(history) < 2 {
		return 1.0
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))
	if mean == 0 {
		return 1.0
	}
	var variance float64
	for _, v := range history {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(history))
	stddev := math.Sqrt(variance)
	cv := stddev / mean
	return 1 / (1 + cv)
}

// trustBonus implements spec §4.6: min(2.0, 1 + 0.01*top_tier_count).
func trustBonus(topTierCount int) float64 {
	bonus := 1 + 0.01*float64(topTierCount)
	if bonus > 2.0 {
		return 2.0
	}
	return bonus
}

// Score folds r into key's history via addSample and returns
// (0.7*r + 0.3*ewma) * variancePenalty * trustBonus, per spec §4.6.
func (s *Scorer) Score(key string, r float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.addSample(r)
	base := 0.7*r + 0.3*st.ewmaRate
	return base * variancePenalty(st.history) * trustBonus(st.topTierCount)
}

// RecordWin increments key's top-tier win count, called once per round for
// every peer placed in the unchoke set.
func (s *Scorer) RecordWin(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(key).topTierCount++
}

// Forget drops a peer's state, for use when a connection is permanently
// removed from the session (it is not spec-required, but keeps the scorer
// from growing unbounded over a long-running download with high churn).
func (s *Scorer) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, key)
}
