// Package peerconn implements one live duplex session per peer (spec
// §4.2): the handshake, the four choke/interest flags, availability
// tracking, and byte metering. It owns the socket; the request pipeline
// (package pipeline) drives it.
package peerconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tanmoymaji275/bittorrent-client/wire"
)

// Endpoint identifies a peer by address before a connection exists.
type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Conn is one live peer connection. All exported methods are safe to call
// from the single owning pipeline goroutine; the byte meters additionally
// support a concurrent ResetStats call from the choke manager.
type Conn struct {
	endpoint Endpoint
	remoteID [20]byte
	conn     net.Conn

	// four-flag state, spec §3: only ever touched by the owning pipeline
	// goroutine, which also calls Send/ReadMessage, so no lock needed here.
	weChoking      bool
	weInterested   bool
	peerChoking    bool
	peerInterested bool

	numPieces int
	bitfield  []byte
	haveSet   map[int]struct{}

	metersMu         sync.Mutex
	downloadedSample int64
	uploadedSample   int64
	lastReset        time.Time

	closed  bool // guarded by closeMu
	closeMu sync.Mutex

	sendMu sync.Mutex // serializes Send/SendKeepAlive against concurrent callers
}

// Dial opens a TCP connection to endpoint, performs the handshake with a
// connectTimeout-bounded deadline, and returns the live Conn plus the
// remote's peer id. Failure (connect timeout, unexpected close, info-hash
// mismatch) is always terminal: no retry, no partial state left behind.
func Dial(endpoint Endpoint, infoHash, localPeerID [20]byte, numPieces int, connectTimeout time.Duration) (*Conn, error) {
	addr := endpoint.String()
	netConn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(connectTimeout)
	if err := netConn.SetDeadline(deadline); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("peerconn: set handshake deadline: %w", err)
	}

	if _, err := netConn.Write(wire.BuildHandshake(infoHash, localPeerID)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("peerconn: sending handshake to %s: %w", addr, err)
	}

	buf := make([]byte, wire.HandshakeLen)
	if _, err := io.ReadFull(netConn, buf); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("peerconn: reading handshake from %s: %w", addr, err)
	}

	remoteID, _, err := wire.ParseHandshake(buf, infoHash)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("peerconn: handshake with %s: %w", addr, err)
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("peerconn: clearing deadline: %w", err)
	}

	c := &Conn{
		endpoint:     endpoint,
		remoteID:     remoteID,
		conn:         netConn,
		weChoking:    true,
		peerChoking:  true,
		numPieces:    numPieces,
		haveSet:      make(map[int]struct{}),
		lastReset:    time.Now(),
	}
	return c, nil
}

// Key uniquely identifies this connection for piece-store reservation
// bookkeeping.
func (c *Conn) Key() string { return c.endpoint.String() }

// Endpoint returns the peer's address.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// RemoteID returns the peer id learned during the handshake.
func (c *Conn) RemoteID() [20]byte { return c.remoteID }

// WeChoking, WeInterested, PeerChoking, PeerInterested expose the four
// flags from spec §3.
func (c *Conn) WeChoking() bool      { return c.weChoking }
func (c *Conn) WeInterested() bool   { return c.weInterested }
func (c *Conn) PeerChoking() bool    { return c.peerChoking }
func (c *Conn) PeerInterested() bool { return c.peerInterested }

// ErrClosed is wrapped into ReadMessage's error whenever reading a frame
// fails, including after Close or a remote close. Send reports write
// failures with the underlying network error instead.
var ErrClosed = errors.New("peerconn: connection closed")

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Send frames and writes id/payload, updating the four-flag state for
// CHOKE/UNCHOKE/INTERESTED/NOT_INTERESTED and the upload meter for PIECE.
func (c *Conn) Send(id wire.MessageID, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	switch id {
	case wire.MsgChoke:
		c.weChoking = true
	case wire.MsgUnchoke:
		c.weChoking = false
	case wire.MsgInterested:
		c.weInterested = true
	case wire.MsgNotInterested:
		c.weInterested = false
	case wire.MsgPiece:
		// Open Question (spec §9): count application bytes delivered, the
		// block itself, not the 8-byte index/begin header.
		_, _, block, err := wire.ParsePiecePayload(payload)
		if err == nil {
			c.addUploaded(int64(len(block)))
		}
	}

	frame := wire.Encode(id, payload)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("peerconn: writing to %s: %w", c.endpoint, err)
	}
	return nil
}

// SendKeepAlive writes a zero-length keep-alive frame.
func (c *Conn) SendKeepAlive() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Write(wire.EncodeKeepAlive()); err != nil {
		return fmt.Errorf("peerconn: keep-alive to %s: %w", c.endpoint, err)
	}
	return nil
}

// ReadMessage reads and parses one frame, updating peer-side flag state,
// the bitfield/have-set, and the download meter as a side effect.
func (c *Conn) ReadMessage() (wire.Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return wire.KeepAlive, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	msg, err := wire.Decode(length, body)
	if err != nil {
		return wire.Message{}, fmt.Errorf("peerconn: malformed frame from %s: %w", c.endpoint, err)
	}

	c.addDownloaded(int64(length) - 1)

	switch msg.ID {
	case wire.MsgChoke:
		c.peerChoking = true
	case wire.MsgUnchoke:
		c.peerChoking = false
	case wire.MsgInterested:
		c.peerInterested = true
	case wire.MsgNotInterested:
		c.peerInterested = false
	case wire.MsgBitfield:
		c.bitfield = append([]byte(nil), msg.Payload...)
	case wire.MsgHave:
		if idx, err := wire.ParseHaveIndex(msg.Payload); err == nil {
			c.haveSet[int(idx)] = struct{}{}
		}
	}

	return msg, nil
}

// SetDeadline forwards to the underlying socket, used by the pipeline for
// the block-idle timeout.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// HasPiece reports whether the peer has announced piece i, via either the
// bitfield or a HAVE message.
func (c *Conn) HasPiece(i int) bool {
	if _, ok := c.haveSet[i]; ok {
		return true
	}
	return wire.BitIsSet(c.bitfield, i)
}

// AvailablePieces returns every piece index the peer has announced.
func (c *Conn) AvailablePieces() []int {
	seen := make(map[int]struct{})
	for i := range c.haveSet {
		seen[i] = struct{}{}
	}
	for i := 0; i < c.numPieces; i++ {
		if wire.BitIsSet(c.bitfield, i) {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	return out
}

func (c *Conn) addDownloaded(n int64) {
	c.metersMu.Lock()
	c.downloadedSample += n
	c.metersMu.Unlock()
}

func (c *Conn) addUploaded(n int64) {
	c.metersMu.Lock()
	c.uploadedSample += n
	c.metersMu.Unlock()
}

// ResetStats atomically returns (downloaded, uploaded, duration) since the
// last reset and zeroes the counters. Called by the choke manager from a
// different goroutine than the owning pipeline, hence the lock.
func (c *Conn) ResetStats() (down, up int64, dur time.Duration) {
	c.metersMu.Lock()
	defer c.metersMu.Unlock()
	down, up = c.downloadedSample, c.uploadedSample
	dur = time.Since(c.lastReset)
	c.downloadedSample = 0
	c.uploadedSample = 0
	c.lastReset = time.Now()
	return down, up, dur
}
