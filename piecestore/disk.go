package piecestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tanmoymaji275/bittorrent-client/torrentfile"
)

// Disk is the on-disk half of the piece store: it owns one *os.File per
// torrent file, created/opened lazily and reused across pieces. Reads
// (upload path) are meant to be called from a worker goroutine so the
// caller's event loop isn't blocked by I/O, per spec §4.3/§9; writes are
// small enough (<= one piece) to happen inline, per the same design note.
type Disk struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewDisk creates a Disk rooted at dir, creating the directory if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("piecestore: creating download dir %q: %w", dir, err)
	}
	return &Disk{dir: dir, files: make(map[string]*os.File)}, nil
}

// Close closes every open file handle.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Disk) file(rel string) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[rel]; ok {
		return f, nil
	}
	full := filepath.Join(d.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("piecestore: creating parent dir for %q: %w", full, err)
	}
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("piecestore: opening %q: %w", full, err)
	}
	d.files[rel] = f
	return f, nil
}

// spans intersects [start, start+length) with every file in desc.Files,
// returning the file, the offset within the file, and the length of the
// overlap, for each file the range touches.
type span struct {
	file   torrentfile.FileEntry
	offset int64
	length int64
}

func spans(desc *torrentfile.Descriptor, start, length int64) []span {
	end := start + length
	var out []span
	for _, f := range desc.Files {
		fStart, fEnd := f.Offset, f.Offset+f.Length
		s, e := max64(start, fStart), min64(end, fEnd)
		if s >= e {
			continue
		}
		out = append(out, span{file: f, offset: s - fStart, length: e - s})
	}
	return out
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// WritePiece writes the assembled bytes of piece i, spanning as many
// underlying files as the piece's byte range touches.
func (d *Disk) WritePiece(desc *torrentfile.Descriptor, i int, data []byte) error {
	start := int64(i) * desc.PieceLength
	var written int64
	for _, sp := range spans(desc, start, int64(len(data))) {
		f, err := d.file(sp.file.Path)
		if err != nil {
			return err
		}
		chunk := data[written : written+sp.length]
		if _, err := f.WriteAt(chunk, sp.offset); err != nil {
			return fmt.Errorf("piecestore: writing %q at %d: %w", sp.file.Path, sp.offset, err)
		}
		written += sp.length
	}
	return nil
}

// ReadRange reads length bytes starting at begin within piece i, spanning
// files as necessary. Returns an error if any underlying file is missing
// or shorter than the requested range (meaning the data isn't actually
// there yet).
func (d *Disk) ReadRange(desc *torrentfile.Descriptor, i int, begin, length int64) ([]byte, error) {
	start := int64(i)*desc.PieceLength + begin
	out := make([]byte, length)
	var filled int64
	for _, sp := range spans(desc, start, length) {
		f, err := d.file(sp.file.Path)
		if err != nil {
			return nil, err
		}
		chunk := out[filled : filled+sp.length]
		n, err := f.ReadAt(chunk, sp.offset)
		if err != nil || int64(n) != sp.length {
			return nil, fmt.Errorf("piecestore: short read of %q at %d: %w", sp.file.Path, sp.offset, err)
		}
		filled += sp.length
	}
	if filled != length {
		return nil, fmt.Errorf("piecestore: range [%d,%d) not fully covered by torrent files", start, start+length)
	}
	return out, nil
}
