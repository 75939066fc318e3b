package torrentfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bstr encodes a bencode byte string.
func bstr(s string) string {
	return fmt.Sprintf("%d:%s", len(s), s)
}

// bint encodes a bencode integer.
func bint(n int64) string {
	return fmt.Sprintf("i%de", n)
}

// buildTorrentBytes hand-assembles a minimal single-file bencoded .torrent
// file with keys in the required lexicographic order, so the test does not
// depend on any encoder's key ordering matching a hypothetical original.
func buildTorrentBytes(name string, pieceLen, length int64, pieceHash [20]byte) []byte {
	info := "d" +
		"6:length" + bint(length) +
		"4:name" + bstr(name) +
		"12:piece length" + bint(pieceLen) +
		"6:pieces" + bstr(string(pieceHash[:])) +
		"e"
	root := "d" +
		"8:announce" + bstr("udp://tracker.example:80/a") +
		"4:info" + info +
		"e"
	return []byte(root)
}

func TestParseSingleFileTorrent(t *testing.T) {
	hash := sha1.Sum([]byte("hello world piece"))
	data := buildTorrentBytes("file1", 16384, 20000, hash)

	d, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "file1", d.Name)
	assert.Equal(t, int64(16384), d.PieceLength)
	assert.Equal(t, int64(20000), d.TotalLength)
	require.Len(t, d.Pieces, 1)
	assert.Equal(t, hash, d.Pieces[0])
	require.Len(t, d.Files, 1)
	assert.Equal(t, "file1", d.Files[0].Path)
	assert.Equal(t, int64(20000), d.Files[0].Length)

	wantInfoBytes, err := extractInfoBytes(data)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(wantInfoBytes), d.InfoHash)
}

func TestExtractInfoBytesNotFound(t *testing.T) {
	_, err := extractInfoBytes([]byte("d8:announce4:teste"))
	assert.Error(t, err)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	info := "d" +
		"6:length" + bint(10) +
		"4:name" + bstr("f") +
		"12:piece length" + bint(10) +
		"6:pieces" + bstr("short") +
		"e"
	root := "d4:info" + info + "e"
	_, err := Parse([]byte(root))
	assert.Error(t, err)
}

func TestPieceLenLastShort(t *testing.T) {
	var h [20]byte
	d := &Descriptor{
		PieceLength: 100,
		Pieces:      [][20]byte{h, h, h},
		TotalLength: 250,
	}
	assert.Equal(t, int64(100), d.PieceLen(0))
	assert.Equal(t, int64(100), d.PieceLen(1))
	assert.Equal(t, int64(50), d.PieceLen(2))
}

func TestValidatePartitionsTotalLength(t *testing.T) {
	var h [20]byte
	d := &Descriptor{
		PieceLength: 100,
		Pieces:      [][20]byte{h, h, h},
		TotalLength: 250,
	}
	assert.NoError(t, d.Validate())

	bad := &Descriptor{
		PieceLength: 100,
		Pieces:      [][20]byte{h, h, h},
		TotalLength: 999,
	}
	assert.Error(t, bad.Validate())
}

func TestBuildTorrentBytesIsValidBencodeShape(t *testing.T) {
	data := buildTorrentBytes("x", 1, 1, [20]byte{})
	assert.True(t, bytes.HasPrefix(data, []byte("d8:announce")))
}

func TestParseDecodesAnnounceList(t *testing.T) {
	hash := sha1.Sum([]byte("announce list piece"))
	info := "d" +
		"6:length" + bint(10) +
		"4:name" + bstr("f") +
		"12:piece length" + bint(10) +
		"6:pieces" + bstr(string(hash[:])) +
		"e"
	announceList := "l" +
		"l" + bstr("udp://tier1a.example/a") + bstr("udp://tier1b.example/a") + "e" +
		"l" + bstr("udp://tier2.example/a") + "e" +
		"e"
	root := "d" +
		"13:announce-list" + announceList +
		"4:info" + info +
		"e"

	d, err := Parse([]byte(root))
	require.NoError(t, err)
	assert.Empty(t, d.Announce)
	require.Len(t, d.AnnounceList, 2)
	assert.Equal(t, []string{"udp://tier1a.example/a", "udp://tier1b.example/a"}, d.AnnounceList[0])
	assert.Equal(t, []string{"udp://tier2.example/a"}, d.AnnounceList[1])
}

func TestTrackerURLPrefersAnnounceOverAnnounceList(t *testing.T) {
	d := &Descriptor{Announce: "http://primary.example/a", AnnounceList: [][]string{{"udp://fallback.example/a"}}}
	assert.Equal(t, "http://primary.example/a", d.TrackerURL())
}

func TestTrackerURLFallsBackToAnnounceList(t *testing.T) {
	d := &Descriptor{AnnounceList: [][]string{{"", "udp://fallback.example/a"}, {"udp://tier2.example/a"}}}
	assert.Equal(t, "udp://fallback.example/a", d.TrackerURL())
}

func TestTrackerURLEmptyWhenNeitherPresent(t *testing.T) {
	d := &Descriptor{}
	assert.Equal(t, "", d.TrackerURL())
}
