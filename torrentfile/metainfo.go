package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// rawFileEntry mirrors one entry of the bencoded "files" list in a
// multi-file torrent's info dictionary.
type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

// rawMetainfo mirrors the bencoded root dictionary of a .torrent file.
type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// extractInfoBytes locates and returns the exact byte slice of the "info"
// dictionary as it appeared in data, so its SHA-1 is the torrent's
// info-hash per spec §6 (re-encoding is not reliable: bencode dictionary
// key order is significant and not guaranteed preserved by a round-trip
// encode).
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("torrentfile: no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("torrentfile: unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("torrentfile: invalid string length at %d-%d", i, j)
					}
					i = j + length
				}
			}
		}
	}
	return nil, fmt.Errorf("torrentfile: unterminated info dict")
}

// ParseFile reads and decodes a .torrent file at path into a Descriptor.
func ParseFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: reading %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the bencoded bytes of a .torrent file into a Descriptor.
func Parse(data []byte) (*Descriptor, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("torrentfile: decoding bencode: %w", err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("torrentfile: extracting info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("torrentfile: pieces length %d not a multiple of 20", len(raw.Info.Pieces))
	}
	numPieces := len(raw.Info.Pieces) / 20
	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	d := &Descriptor{
		InfoHash:     infoHash,
		Name:         raw.Info.Name,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		PieceLength:  raw.Info.PieceLength,
		Pieces:       pieces,
	}

	if len(raw.Info.Files) == 0 {
		d.TotalLength = raw.Info.Length
		d.Files = []FileEntry{{Path: raw.Info.Name, Length: raw.Info.Length, Offset: 0}}
	} else {
		var offset int64
		for _, f := range raw.Info.Files {
			p := filepath.ToSlash(filepath.Join(f.Path...))
			d.Files = append(d.Files, FileEntry{Path: p, Length: f.Length, Offset: offset})
			offset += f.Length
		}
		d.TotalLength = offset
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
