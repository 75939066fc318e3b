// Package session is the composition root: given a parsed torrent
// descriptor, it announces to the tracker, dials peers, and runs a request pipeline per
// peer alongside the choke manager until the download completes or every
// peer has died (spec §2 "Session").
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tanmoymaji275/bittorrent-client/choke"
	"github.com/tanmoymaji275/bittorrent-client/peerconn"
	"github.com/tanmoymaji275/bittorrent-client/piecestore"
	"github.com/tanmoymaji275/bittorrent-client/pipeline"
	"github.com/tanmoymaji275/bittorrent-client/torrentfile"
	"github.com/tanmoymaji275/bittorrent-client/tracker"
)

// ErrNoPeersConnected is a session-fatal error (spec §7): the tracker
// returned peers but not one of them completed a handshake.
var ErrNoPeersConnected = errors.New("session: no peer ever connected")

// ErrIncomplete is a session-fatal error: every connection died before the
// download finished.
var ErrIncomplete = errors.New("session: every peer disconnected with the download incomplete")

// Session owns the live peer set for one download.
type Session struct {
	desc        *torrentfile.Descriptor
	store       *piecestore.Store
	cfg         Config
	log         *zap.SugaredLogger
	localPeerID [20]byte

	mu    sync.Mutex
	conns map[string]*peerconn.Conn
}

// New creates a Session for desc, backed by store, with the given config
// and optional logger.
func New(desc *torrentfile.Descriptor, store *piecestore.Store, cfg Config, log *zap.SugaredLogger) *Session {
	return &Session{
		desc:        desc,
		store:       store,
		cfg:         cfg,
		log:         log,
		localPeerID: NewPeerID(),
		conns:       make(map[string]*peerconn.Conn),
	}
}

// Snapshot satisfies pipeline.PeerLister and piecestore availability
// queries: every currently live peer connection.
func (s *Session) Snapshot() []piecestore.PeerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]piecestore.PeerView, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// chokeLister adapts Session to choke.PeerLister; choke.Peer is a
// different (wider) interface than piecestore.PeerView so it needs its own
// Snapshot signature, but *peerconn.Conn satisfies both structurally.
type chokeLister struct{ s *Session }

func (l chokeLister) Snapshot() []choke.Peer {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	out := make([]choke.Peer, 0, len(l.s.conns))
	for _, c := range l.s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Session) addConn(c *peerconn.Conn) {
	s.mu.Lock()
	s.conns[c.Key()] = c
	s.mu.Unlock()
}

func (s *Session) removeConn(c *peerconn.Conn) {
	s.mu.Lock()
	delete(s.conns, c.Key())
	s.mu.Unlock()
}

func (s *Session) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run announces to announceURL, connects to every peer it returns, and
// drives the download to completion. It returns nil once
// store.AllPiecesDone(), or a session-fatal error per spec §7.
func (s *Session) Run(ctx context.Context, announceURL string) error {
	if err := s.desc.Validate(); err != nil {
		return fmt.Errorf("session: invalid torrent: %w", err)
	}

	if err := s.store.VerifyExistingData(); err != nil {
		return fmt.Errorf("session: verifying existing data: %w", err)
	}
	if s.store.AllPiecesDone() {
		s.logInfo("download already complete, nothing to do")
		return nil
	}

	endpoints, err := tracker.Announce(announceURL, s.desc.InfoHash, s.localPeerID, 6881, s.desc.TotalLength)
	if err != nil {
		return fmt.Errorf("session: announce: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scorer := choke.NewScorer()
	chokeCfg := choke.Config{
		Period:          s.cfg.ChokePeriod(),
		OptimisticEvery: s.cfg.OptimisticEvery,
		MinSlots:        2,
		MaxSlots:        10,
		SlotFloor:       50 * 1024,
		SlotDivisor:     20 * 1024,
	}
	manager := choke.New(chokeLister{s: s}, scorer, chokeCfg, s.log)
	go manager.Run(runCtx)

	var wg sync.WaitGroup
	var everConnected bool
	var everConnectedMu sync.Mutex

	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep peerconn.Endpoint) {
			defer wg.Done()
			s.runPeer(runCtx, ep, &everConnected, &everConnectedMu)
		}(ep)
	}

	// Poll for completion; once all pieces are done, cancel runCtx so every
	// pipeline's blocking read is interrupted and it releases/closes per
	// spec §5 cancellation semantics.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if s.store.AllPiecesDone() {
					return
				}
			}
		}
	}()

	waitAll := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitAll)
	}()

	select {
	case <-done:
		cancel()
		<-waitAll
	case <-waitAll:
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	if s.store.AllPiecesDone() {
		return nil
	}

	everConnectedMu.Lock()
	connected := everConnected
	everConnectedMu.Unlock()
	if !connected {
		return ErrNoPeersConnected
	}
	return ErrIncomplete
}

func (s *Session) runPeer(ctx context.Context, ep peerconn.Endpoint, everConnected *bool, mu *sync.Mutex) {
	conn, err := peerconn.Dial(ep, s.desc.InfoHash, s.localPeerID, s.desc.NumPieces(), s.cfg.ConnectTimeout())
	if err != nil {
		s.logDebug("dial failed", "peer", ep.String(), "err", err)
		return
	}
	defer conn.Close()

	mu.Lock()
	*everConnected = true
	mu.Unlock()

	s.addConn(conn)
	defer s.removeConn(conn)

	pcfg := pipeline.Config{PipelineDepth: s.cfg.PipelineDepth, BlockTimeout: s.cfg.BlockTimeout()}
	p := pipeline.New(conn, s.store, s, pcfg, s.log)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Open Question decision (spec §9): send a local keep-alive every 2
	// minutes so the remote doesn't time us out during a slow or
	// all-choked stretch where the pipeline has nothing else to write.
	keepAliveStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-keepAliveStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SendKeepAlive()
			}
		}
	}()
	defer close(keepAliveStop)

	if err := p.Run(); err != nil {
		s.logDebug("pipeline ended", "peer", ep.String(), "err", err)
	}
}

func (s *Session) logInfo(msg string, kv ...interface{}) {
	if s.log != nil {
		s.log.Infow(msg, kv...)
	}
}

func (s *Session) logDebug(msg string, kv ...interface{}) {
	if s.log != nil {
		s.log.Debugw(msg, kv...)
	}
}
