package choke

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoymaji275/bittorrent-client/wire"
)

type fakePeer struct {
	key         string
	interested  bool
	closed      bool
	weChoking   bool
	down        int64
	dur         time.Duration
	sent        []wire.MessageID
}

func (p *fakePeer) Key() string              { return p.key }
func (p *fakePeer) PeerInterested() bool     { return p.interested }
func (p *fakePeer) IsClosed() bool           { return p.closed }
func (p *fakePeer) WeChoking() bool          { return p.weChoking }
func (p *fakePeer) ResetStats() (int64, int64, time.Duration) {
	return p.down, 0, p.dur
}
func (p *fakePeer) Send(id wire.MessageID, payload []byte) error {
	p.sent = append(p.sent, id)
	switch id {
	case wire.MsgUnchoke:
		p.weChoking = false
	case wire.MsgChoke:
		p.weChoking = true
	}
	return nil
}

type fixedLister struct{ peers []Peer }

func (l fixedLister) Snapshot() []Peer { return l.peers }

func mkPeer(key string, downBytesPerSec float64) *fakePeer {
	return &fakePeer{
		key:        key,
		interested: true,
		weChoking:  true,
		down:       int64(downBytesPerSec),
		dur:        time.Second,
	}
}

// Scenario C: six peers at [1000,800,600,400,200,100] B/s; global down =
// 3100/1 = 3.1KB/s -> slots = floor((3100+51200)/20480) = 2.
func TestScenarioC_TwoSlots(t *testing.T) {
	rates := []float64{1000, 800, 600, 400, 200, 100}
	keys := []string{"a", "b", "c", "d", "e", "f"}
	peers := make([]Peer, len(rates))
	raw := make([]*fakePeer, len(rates))
	for i, r := range rates {
		p := mkPeer(keys[i], r)
		raw[i] = p
		peers[i] = p
	}

	cfg := DefaultConfig()
	cfg.OptimisticEvery = 0 // isolate the base slot selection from the optimistic pick
	m := New(fixedLister{peers: peers}, NewScorer(), cfg, nil)

	slots := m.RunRound()
	assert.Equal(t, 2, slots)

	unchoked := 0
	for _, p := range raw {
		if !p.weChoking {
			unchoked++
		}
	}
	assert.Equal(t, 2, unchoked)
	assert.False(t, raw[0].weChoking, "top-rate peer must be unchoked")
	assert.False(t, raw[1].weChoking, "second-rate peer must be unchoked")
}

// Scenario D: seven peers each at 13.5KB/s (13824 B/s) -> global down =
// 7*13824/1 = 96768 B/s, slots = floor((96768+51200)/20480) = 7, so every
// peer ends up unchoked.
func TestScenarioD_AllUnchokedWhenSlotsExceedPeers(t *testing.T) {
	peers := make([]Peer, 7)
	raw := make([]*fakePeer, 7)
	for i := 0; i < 7; i++ {
		p := mkPeer(string(rune('a'+i)), 13824)
		raw[i] = p
		peers[i] = p
	}

	cfg := DefaultConfig()
	cfg.OptimisticEvery = 0
	cfg.MaxSlots = 10
	m := New(fixedLister{peers: peers}, NewScorer(), cfg, nil)

	slots := m.RunRound()
	unchoked := 0
	for _, p := range raw {
		if !p.weChoking {
			unchoked++
		}
	}
	require.Equal(t, 7, slots)
	assert.Equal(t, 7, unchoked)
}

// Property 7: slots always lands in [2,10] regardless of input.
func TestSlotClamp(t *testing.T) {
	cases := []float64{-1000, 0, 1, 1e9}
	for _, rate := range cases {
		peers := []Peer{mkPeer("p", rate)}
		cfg := DefaultConfig()
		cfg.OptimisticEvery = 0
		m := New(fixedLister{peers: peers}, NewScorer(), cfg, nil)
		slots := m.RunRound()
		assert.GreaterOrEqual(t, slots, 2)
		assert.LessOrEqual(t, slots, 10)
	}
}

// Property 8: exactly |unchoke_set| peers end the round with we_choking=false.
func TestChokeCountMatchesSlotCount(t *testing.T) {
	peers := make([]Peer, 5)
	raw := make([]*fakePeer, 5)
	for i := 0; i < 5; i++ {
		p := mkPeer(string(rune('a'+i)), float64(1000*(5-i)))
		raw[i] = p
		peers[i] = p
	}
	cfg := DefaultConfig()
	cfg.OptimisticEvery = 0
	cfg.MinSlots, cfg.MaxSlots = 2, 3
	cfg.SlotFloor, cfg.SlotDivisor = 0, 1 // force a high slot count clamped down to MaxSlots
	m := New(fixedLister{peers: peers}, NewScorer(), cfg, nil)

	slots := m.RunRound()
	require.Equal(t, 3, slots)

	unchoked := 0
	for _, p := range raw {
		if !p.weChoking {
			unchoked++
		}
	}
	assert.Equal(t, slots, unchoked)
}

// Property 9: optimistic unchokes sample a new peer every OptimisticEvery
// rounds and the choice persists across the rounds in between.
func TestOptimisticCadencePersistsAndRotates(t *testing.T) {
	peers := make([]Peer, 5)
	raw := make([]*fakePeer, 5)
	for i := 0; i < 5; i++ {
		// All equally slow, so the single slot goes to "a" by the key
		// tiebreak; only the optimistic pick can unchoke anyone beyond it.
		p := mkPeer(string(rune('a'+i)), 0)
		raw[i] = p
		peers[i] = p
	}
	cfg := DefaultConfig()
	cfg.MinSlots, cfg.MaxSlots = 1, 1
	cfg.OptimisticEvery = 3
	m := New(fixedLister{peers: peers}, NewScorer(), cfg, nil)

	seen := make(map[string]bool)
	var callIdx int
	m.randIntn = func(n int) int {
		defer func() { callIdx++ }()
		return callIdx % n
	}

	var prev map[string]bool
	for round := 1; round <= 9; round++ {
		m.RunRound()
		cur := make(map[string]bool)
		for _, p := range raw {
			if !p.weChoking {
				seen[p.key] = true
				cur[p.key] = true
			}
		}
		if round%cfg.OptimisticEvery != 0 && prev != nil {
			assert.Equal(t, prev, cur, "unchoke set must persist between optimistic picks (round %d)", round)
		}
		prev = cur
	}
	assert.GreaterOrEqual(t, len(seen), 3, "optimistic unchoke should have sampled multiple distinct peers over 9 rounds")
}
