// Package pipeline drives one connected peer through the request
// lifecycle (spec §4.4): interested -> await unchoke -> reserve piece ->
// pipelined block requests -> ingest -> repeat. It also serves incoming
// block requests (the upload path) while doing so.
package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tanmoymaji275/bittorrent-client/piecestore"
	"github.com/tanmoymaji275/bittorrent-client/wire"
)

// Conn is the subset of peerconn.Conn the pipeline needs.
type Conn interface {
	piecestore.PeerView
	Send(id wire.MessageID, payload []byte) error
	ReadMessage() (wire.Message, error)
	SetDeadline(t time.Time) error
	PeerChoking() bool
	WeChoking() bool
	Close() error
}

// PeerLister gives the pipeline a snapshot of every currently connected
// peer, used only for rarest-first availability counting.
type PeerLister interface {
	Snapshot() []piecestore.PeerView
}

// Config mirrors the §6 options relevant to the pipeline.
type Config struct {
	PipelineDepth  int
	BlockTimeout   time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{PipelineDepth: 50, BlockTimeout: 10 * time.Second}
}

// ErrNoMoreWork is returned by Run when the piece store has nothing left
// this peer can offer (not an error condition - a normal exit).
var ErrNoMoreWork = errors.New("pipeline: no reservable piece for this peer")

type readResult struct {
	msg wire.Message
	err error
}

// Pipeline runs the lifecycle for one peer connection.
type Pipeline struct {
	conn    Conn
	store   *piecestore.Store
	peers   PeerLister
	cfg     Config
	log     *zap.SugaredLogger

	deadlineNanos int64 // atomic; 0 = no deadline
	msgCh         chan readResult
	stopCh        chan struct{}
}

// New creates a Pipeline for an already-handshaken connection.
func New(conn Conn, store *piecestore.Store, peers PeerLister, cfg Config, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		conn:   conn,
		store:  store,
		peers:  peers,
		cfg:    cfg,
		log:    log,
		msgCh:  make(chan readResult),
		stopCh: make(chan struct{}),
	}
}

// Run executes the full pipeline lifecycle until the peer has nothing left
// to offer, the store is fully downloaded, or a peer-fatal error occurs.
func (p *Pipeline) Run() error {
	go p.readLoop()
	defer close(p.stopCh)

	if err := p.conn.Send(wire.MsgInterested, nil); err != nil {
		return fmt.Errorf("pipeline: sending interested: %w", err)
	}

	if err := p.awaitUnchoke(); err != nil {
		return err
	}

	for {
		if p.store.AllPiecesDone() {
			return nil
		}

		idx, ok := p.store.ReservePieceForPeer(p.conn, p.peers.Snapshot())
		if !ok {
			return ErrNoMoreWork
		}

		if err := p.downloadPiece(idx); err != nil {
			p.store.ReleasePiece(idx, p.conn)
			return err
		}
	}
}

// readLoop continuously reads frames off the connection and forwards them
// (or the terminal error) to msgCh: this is the "multiplex socket-reader
// into a channel" pattern from spec §9. Before each read it applies whatever
// deadline the main goroutine has most recently requested via setDeadline;
// a read already in progress keeps the deadline it started with, so
// downloadPiece also runs its own idle timer for the block-idle timeout.
func (p *Pipeline) readLoop() {
	defer close(p.msgCh)
	for {
		d := atomic.LoadInt64(&p.deadlineNanos)
		if d > 0 {
			_ = p.conn.SetDeadline(time.Now().Add(time.Duration(d)))
		} else {
			_ = p.conn.SetDeadline(time.Time{})
		}

		msg, err := p.conn.ReadMessage()
		select {
		case p.msgCh <- readResult{msg: msg, err: err}:
		case <-p.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) setDeadline(d time.Duration) {
	atomic.StoreInt64(&p.deadlineNanos, int64(d))
}

// awaitUnchoke reads messages, serving any incoming REQUEST, until the
// peer unchokes us.
func (p *Pipeline) awaitUnchoke() error {
	p.setDeadline(0)
	for p.conn.PeerChoking() {
		res, ok := <-p.msgCh
		if !ok || res.err != nil {
			return fmt.Errorf("pipeline: waiting for unchoke: %w", errOrClosed(res.err))
		}
		if res.msg.ID == wire.MsgRequest {
			p.handleRequest(res.msg.Payload)
		}
	}
	return nil
}

func errOrClosed(err error) error {
	if err != nil {
		return err
	}
	return errors.New("connection closed")
}

// downloadPiece implements spec §4.4 download_piece: a sliding window of
// outstanding block requests, refilled as PIECE messages arrive, until the
// piece completes (by us or, in endgame, by another peer) or something
// goes wrong.
func (p *Pipeline) downloadPiece(index int) error {
	pieceLen := p.store.GetPieceLength(index)
	pending := make(map[int64]struct{})
	var nextOffset int64

	fill := func() error {
		for int64(len(pending)) < int64(p.cfg.PipelineDepth) && nextOffset < pieceLen {
			length := wire.BlockLen
			if remaining := pieceLen - nextOffset; remaining < int64(length) {
				length = int(remaining)
			}
			if err := p.conn.Send(wire.MsgRequest, wire.RequestPayload(uint32(index), uint32(nextOffset), uint32(length))); err != nil {
				return fmt.Errorf("pipeline: requesting piece %d offset %d: %w", index, nextOffset, err)
			}
			pending[nextOffset] = struct{}{}
			nextOffset += int64(length)
		}
		return nil
	}

	if err := fill(); err != nil {
		return err
	}

	doneCh := p.store.GetPieceEvent(index)
	p.setDeadline(p.cfg.BlockTimeout)
	defer p.setDeadline(0)

	for !p.store.PieceComplete(index) {
		if p.store.AllPiecesDone() {
			return nil
		}

		idle := time.NewTimer(p.cfg.BlockTimeout)
		select {
		case <-doneCh:
			idle.Stop()
			return nil
		case <-idle.C:
			return fmt.Errorf("pipeline: block idle timeout on piece %d", index)
		case res, ok := <-p.msgCh:
			idle.Stop()
			if !ok {
				return fmt.Errorf("pipeline: connection closed mid-piece %d", index)
			}
			if res.err != nil {
				return fmt.Errorf("pipeline: idle timeout or read error on piece %d: %w", index, res.err)
			}

			switch res.msg.ID {
			case wire.MsgRequest:
				p.handleRequest(res.msg.Payload)

			case wire.MsgPiece:
				pIndex, begin, block, err := wire.ParsePiecePayload(res.msg.Payload)
				if err != nil {
					continue
				}
				if int(pIndex) != index {
					continue // endgame leftover from a different piece: ignore
				}
				ok, err := p.store.StoreBlock(index, int64(begin), block)
				if err != nil {
					return fmt.Errorf("pipeline: piece %d: %w", index, err)
				}
				if !ok {
					continue
				}
				delete(pending, int64(begin))
				if err := fill(); err != nil {
					return err
				}

			default:
				// choke/unchoke/have/bitfield/cancel: state already
				// updated by Conn.ReadMessage, nothing further to do here.
			}
		}
	}
	return nil
}

// handleRequest serves an incoming REQUEST, per spec §4.4 upload path.
func (p *Pipeline) handleRequest(payload []byte) {
	if p.conn.WeChoking() {
		return
	}
	index, begin, length, err := wire.ParseRequestPayload(payload)
	if err != nil {
		return
	}
	if length > wire.MaxRequestLen {
		return
	}
	data, ok := p.store.ReadBlock(int(index), int64(begin), int64(length))
	if !ok {
		return
	}
	if err := p.conn.Send(wire.MsgPiece, wire.PiecePayload(index, begin, data)); err != nil && p.log != nil {
		p.log.Debugw("failed to serve block", "index", index, "begin", begin, "err", err)
	}
}
