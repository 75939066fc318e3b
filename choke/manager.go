// Package choke implements the periodic choke/unchoke decision task (spec
// §4.5) and the peer reputation scorer it drives (§4.6).
package choke

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tanmoymaji275/bittorrent-client/wire"
)

// Peer is the slice of a peer connection the choke manager needs.
// peerconn.Conn satisfies this structurally.
type Peer interface {
	Key() string
	PeerInterested() bool
	IsClosed() bool
	WeChoking() bool
	ResetStats() (down, up int64, dur time.Duration)
	Send(id wire.MessageID, payload []byte) error
}

// PeerLister gives the manager a snapshot of every peer the session
// currently holds.
type PeerLister interface {
	Snapshot() []Peer
}

// Config mirrors the §6 options relevant to the choke manager.
type Config struct {
	Period         time.Duration
	OptimisticEvery int
	MinSlots       int
	MaxSlots       int
	// SlotFloor/SlotDivisor parameterize the slot formula:
	// clamp(floor((global_down+SlotFloor)/SlotDivisor), MinSlots, MaxSlots).
	SlotFloor   float64
	SlotDivisor float64
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		Period:          10 * time.Second,
		OptimisticEvery: 3,
		MinSlots:        2,
		MaxSlots:        10,
		SlotFloor:       50 * 1024,
		SlotDivisor:     20 * 1024,
	}
}

// Manager runs the periodic choke round described in spec §4.5.
type Manager struct {
	peers  PeerLister
	scorer *Scorer
	cfg    Config
	log    *zap.SugaredLogger

	round         int
	optimisticKey string

	// randIntn is overridable in tests for deterministic optimistic-unchoke
	// selection; defaults to the global math/rand source.
	randIntn func(n int) int
}

// New creates a Manager. scorer may be shared across restarts of the
// manager to retain trust-bonus history; pass NewScorer() for a fresh one.
func New(peers PeerLister, scorer *Scorer, cfg Config, log *zap.SugaredLogger) *Manager {
	return &Manager{
		peers:    peers,
		scorer:   scorer,
		cfg:      cfg,
		log:      log,
		randIntn: rand.Intn,
	}
}

// Run executes RunRound every cfg.Period until ctx is cancelled, per spec
// §5 ("the choke task is cancelled on session shutdown").
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunRound()
		}
	}
}

type candidate struct {
	peer Peer
	rate float64
}

// RunRound executes exactly one choke round and returns the slot count it
// computed, for observability and testing.
func (m *Manager) RunRound() int {
	m.round++

	snapshot := m.peers.Snapshot()
	type sample struct {
		peer Peer
		down int64
		dur  time.Duration
	}
	samples := make([]sample, 0, len(snapshot))

	var sumDown int64
	var sumDur time.Duration
	for _, p := range snapshot {
		down, _, dur := p.ResetStats()
		samples = append(samples, sample{peer: p, down: down, dur: dur})
		sumDown += down
		sumDur += dur
	}

	var globalDownRate float64
	if len(samples) > 0 && sumDur > 0 {
		avgDur := sumDur / time.Duration(len(samples))
		globalDownRate = float64(sumDown) / avgDur.Seconds()
	}

	slots := clamp(int(floorDiv(globalDownRate+m.cfg.SlotFloor, m.cfg.SlotDivisor)), m.cfg.MinSlots, m.cfg.MaxSlots)

	var candidates []candidate
	for _, s := range samples {
		if !s.peer.PeerInterested() || s.peer.IsClosed() {
			continue
		}
		rate := 0.0
		if s.dur > 0 {
			rate = float64(s.down) / s.dur.Seconds()
		}
		score := m.scorer.Score(s.peer.Key(), rate)
		candidates = append(candidates, candidate{peer: s.peer, rate: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rate != candidates[j].rate {
			return candidates[i].rate > candidates[j].rate
		}
		return candidates[i].peer.Key() < candidates[j].peer.Key()
	})

	n := slots
	if n > len(candidates) {
		n = len(candidates)
	}
	unchokeSet := make(map[string]Peer, n+1)
	for i := 0; i < n; i++ {
		unchokeSet[candidates[i].peer.Key()] = candidates[i].peer
		m.scorer.RecordWin(candidates[i].peer.Key())
	}

	m.applyOptimisticUnchoke(candidates, unchokeSet)

	for _, s := range samples {
		p := s.peer
		_, inSet := unchokeSet[p.Key()]
		if inSet && p.WeChoking() {
			if err := p.Send(wire.MsgUnchoke, nil); err != nil && m.log != nil {
				m.log.Debugw("choke: sending unchoke failed", "peer", p.Key(), "err", err)
			}
		} else if !inSet && !p.WeChoking() {
			if err := p.Send(wire.MsgChoke, nil); err != nil && m.log != nil {
				m.log.Debugw("choke: sending choke failed", "peer", p.Key(), "err", err)
			}
		}
	}

	return slots
}

// applyOptimisticUnchoke implements spec §4.5 step 6: every OptimisticEvery
// rounds, pick a fresh interested peer outside the unchoke set uniformly at
// random; the pick persists (is re-added to the set) across the
// intervening rounds until the next pick overwrites it.
func (m *Manager) applyOptimisticUnchoke(candidates []candidate, unchokeSet map[string]Peer) {
	if m.cfg.OptimisticEvery <= 0 {
		return
	}

	if m.round%m.cfg.OptimisticEvery == 0 {
		var pool []Peer
		for _, c := range candidates {
			if _, already := unchokeSet[c.peer.Key()]; !already {
				pool = append(pool, c.peer)
			}
		}
		if len(pool) == 0 {
			m.optimisticKey = ""
			return
		}
		chosen := pool[m.randIntn(len(pool))]
		m.optimisticKey = chosen.Key()
		unchokeSet[chosen.Key()] = chosen
		return
	}

	if m.optimisticKey == "" {
		return
	}
	for _, c := range candidates {
		if c.peer.Key() == m.optimisticKey {
			unchokeSet[m.optimisticKey] = c.peer
			return
		}
	}
}

func floorDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	v := a / b
	if v < 0 {
		return 0
	}
	return float64(int64(v))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
