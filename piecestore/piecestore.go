// Package piecestore is the authoritative scheduling oracle for a
// download: piece completion, in-flight block assembly, per-piece
// reservation, and the on-disk commit/read path (spec §4.3). All public
// methods are safe for concurrent use; a single mutex guards the shared
// maps, per spec §5 ("keep it a single locked object; do not spread state
// across peer tasks").
package piecestore

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/tanmoymaji275/bittorrent-client/torrentfile"
)

// PeerView is the slice of a peer connection the store needs to make
// scheduling decisions: its identity and its announced availability.
// peerconn.Conn satisfies this structurally.
type PeerView interface {
	Key() string
	HasPiece(index int) bool
}

// signal is a one-shot "set once, awaited by many" broadcast, per spec §9.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Fire closes the channel if it hasn't been already. Safe to call once;
// callers only ever call it under the store's mutex so there is no race on
// the close itself.
func (s *signal) Fire() {
	select {
	case <-s.ch:
		// already fired
	default:
		close(s.ch)
	}
}

// C returns the channel that closes when the signal fires.
func (s *signal) C() <-chan struct{} {
	return s.ch
}

// diskIO is the subset of *Disk that Store depends on. It exists as a seam
// so tests can wrap a real Disk to observe write counts without Store
// knowing anything about it.
type diskIO interface {
	WritePiece(desc *torrentfile.Descriptor, i int, data []byte) error
	ReadRange(desc *torrentfile.Descriptor, i int, begin, length int64) ([]byte, error)
}

// Store is the process-wide piece store instance for one download.
type Store struct {
	desc *torrentfile.Descriptor
	disk diskIO

	mu         sync.Mutex
	completed  []bool
	blocks     []map[int64][]byte     // piece index -> offset -> bytes, while assembling
	inProgress []map[string]struct{} // piece index -> set of peer keys
	events     []*signal
}

// New creates a Store for desc, writing/reading files under disk.
func New(desc *torrentfile.Descriptor, disk diskIO) *Store {
	n := desc.NumPieces()
	s := &Store{
		desc:       desc,
		disk:       disk,
		completed:  make([]bool, n),
		blocks:     make([]map[int64][]byte, n),
		inProgress: make([]map[string]struct{}, n),
		events:     make([]*signal, n),
	}
	for i := range s.events {
		s.events[i] = newSignal()
	}
	return s
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int {
	return s.desc.NumPieces()
}

// GetPieceLength returns piece i's length (the short tail piece included).
func (s *Store) GetPieceLength(i int) int64 {
	return s.desc.PieceLen(i)
}

// PieceComplete reports whether piece i has been verified and committed.
func (s *Store) PieceComplete(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[i]
}

// AllPiecesDone reports whether every piece is complete.
func (s *Store) AllPiecesDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.completed {
		if !c {
			return false
		}
	}
	return true
}

// GetPieceEvent returns the one-shot completion signal for piece i.
func (s *Store) GetPieceEvent(i int) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i].C()
}

// ReservePieceForPeer implements spec §4.3 reserve_piece_for_peer: rarest
// first among pieces the peer can offer that aren't yet reserved, falling
// back to the least-contended still-incomplete piece (endgame) once no
// fresh piece remains. livePeers is a snapshot of every currently
// connected peer, used only to count availability; it need not include
// peer itself.
func (s *Store) ReservePieceForPeer(peer PeerView, livePeers []PeerView) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	bestCount := -1
	for i := 0; i < len(s.completed); i++ {
		if s.completed[i] || !peer.HasPiece(i) {
			continue
		}
		if s.inProgress[i] != nil {
			continue // already reserved by someone; non-endgame candidates must be unreserved
		}
		count := availabilityCount(i, livePeers)
		if best == -1 || count < bestCount || (count == bestCount && i < best) {
			best = i
			bestCount = count
		}
	}
	if best != -1 {
		s.reserve(best, peer.Key())
		return best, true
	}

	// Endgame: pieces the peer can offer, not complete, peer not already
	// working on them, picking the one with fewest current workers.
	best = -1
	bestWorkers := -1
	for i := 0; i < len(s.completed); i++ {
		if s.completed[i] || !peer.HasPiece(i) {
			continue
		}
		if _, already := s.inProgress[i][peer.Key()]; already {
			continue
		}
		workers := len(s.inProgress[i])
		if best == -1 || workers < bestWorkers || (workers == bestWorkers && i < best) {
			best = i
			bestWorkers = workers
		}
	}
	if best == -1 {
		return 0, false
	}
	s.reserve(best, peer.Key())
	return best, true
}

func (s *Store) reserve(i int, key string) {
	if s.inProgress[i] == nil {
		s.inProgress[i] = make(map[string]struct{})
	}
	s.inProgress[i][key] = struct{}{}
}

func availabilityCount(index int, peers []PeerView) int {
	n := 0
	for _, p := range peers {
		if p.HasPiece(index) {
			n++
		}
	}
	return n
}

// ReleasePiece removes peer from piece i's worker set, per spec
// release_piece.
func (s *Store) ReleasePiece(i int, peer PeerView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress[i] == nil {
		return
	}
	delete(s.inProgress[i], peer.Key())
	if len(s.inProgress[i]) == 0 {
		s.inProgress[i] = nil
	}
}

// ErrHashMismatch is returned (as a wrapped value, not directly) by
// StoreBlock when a fully assembled piece fails its SHA-1 check.
var ErrHashMismatch = errors.New("piecestore: hash mismatch")

// StoreBlock records one block of piece i at the given offset. When every
// block of the piece has arrived, it assembles them in offset order,
// verifies the SHA-1 digest, and on a match commits the piece to disk and
// marks it complete. Returns (true, nil) on success (including the "piece
// already complete, discard silently" case), (false, ErrHashMismatch) on a
// failed hash check.
//
// The lock is held across the hash check and the disk write: a piece is at
// most a few MiB, so the stall is bounded, and releasing it in between
// would let two endgame peers finishing the same piece both observe
// piececomplete() true and both commit it (spec.md:183's at-most-once
// invariant).
func (s *Store) StoreBlock(i int, offset int64, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed[i] {
		return true, nil
	}

	if s.blocks[i] == nil {
		s.blocks[i] = make(map[int64][]byte)
	}
	s.blocks[i][offset] = data

	pieceLen := s.desc.PieceLen(i)
	if !piececomplete(s.blocks[i], pieceLen) {
		return true, nil
	}

	assembled := assemble(s.blocks[i], pieceLen)

	sum := sha1.Sum(assembled)
	if !bytes.Equal(sum[:], s.desc.Pieces[i][:]) {
		s.blocks[i] = nil
		return false, fmt.Errorf("%w: piece %d", ErrHashMismatch, i)
	}

	if err := s.disk.WritePiece(s.desc, i, assembled); err != nil {
		s.blocks[i] = nil
		return false, fmt.Errorf("piecestore: writing piece %d: %w", i, err)
	}

	s.completed[i] = true
	s.blocks[i] = nil
	s.inProgress[i] = nil
	s.events[i].Fire()

	return true, nil
}

func piececomplete(blocks map[int64][]byte, pieceLen int64) bool {
	var have int64
	for off, b := range blocks {
		if off+int64(len(b)) > pieceLen {
			continue
		}
		have += int64(len(b))
	}
	return have >= pieceLen
}

func assemble(blocks map[int64][]byte, pieceLen int64) []byte {
	out := make([]byte, pieceLen)
	for off, b := range blocks {
		copy(out[off:], b)
	}
	return out
}

// ReadBlock returns length bytes at begin within piece i, only if the
// piece is already complete.
func (s *Store) ReadBlock(i int, begin, length int64) ([]byte, bool) {
	s.mu.Lock()
	complete := s.completed[i]
	s.mu.Unlock()
	if !complete {
		return nil, false
	}
	data, err := s.disk.ReadRange(s.desc, i, begin, length)
	if err != nil {
		return nil, false
	}
	return data, true
}

// VerifyExistingData is a one-shot startup scan: for each piece, try to
// read its bytes from disk and check the SHA-1 digest, marking pieces that
// already match as complete. This is what enables resuming an interrupted
// download.
func (s *Store) VerifyExistingData() error {
	for i := 0; i < s.desc.NumPieces(); i++ {
		pieceLen := s.desc.PieceLen(i)
		data, err := s.disk.ReadRange(s.desc, i, 0, pieceLen)
		if err != nil {
			continue // missing or short file: not complete
		}
		sum := sha1.Sum(data)
		if bytes.Equal(sum[:], s.desc.Pieces[i][:]) {
			s.mu.Lock()
			s.completed[i] = true
			s.events[i].Fire()
			s.mu.Unlock()
		}
	}
	return nil
}
