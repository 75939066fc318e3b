package session

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tanmoymaji275/bittorrent-client/piecestore"
	"github.com/tanmoymaji275/bittorrent-client/torrentfile"
	"github.com/tanmoymaji275/bittorrent-client/wire"
)

// fakeSeeder accepts one TCP connection, performs the handshake, then
// serves whatever blocks the real pipeline requests out of data.
func fakeSeeder(t *testing.T, infoHash [20]byte, data []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, wire.HandshakeLen)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		var remoteID [20]byte
		copy(remoteID[:], "seeder-peer-id-00000")
		conn.Write(wire.BuildHandshake(infoHash, remoteID))

		conn.Write(wire.Encode(wire.MsgBitfield, []byte{0x80})) // has piece 0
		conn.Write(wire.Encode(wire.MsgUnchoke, nil))

		for {
			var lenBuf [4]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			length := binary.BigEndian.Uint32(lenBuf[:])
			if length == 0 {
				continue
			}
			body := make([]byte, length)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			msg, err := wire.Decode(length, body)
			if err != nil {
				return
			}
			if msg.ID != wire.MsgRequest {
				continue
			}
			index, begin, reqLen, err := wire.ParseRequestPayload(msg.Payload)
			if err != nil {
				return
			}
			block := data[begin : begin+reqLen]
			conn.Write(wire.Encode(wire.MsgPiece, wire.PiecePayload(index, begin, block)))
		}
	}()

	return ln
}

func TestSessionDownloadsSinglePieceFromOneSeeder(t *testing.T) {
	data := make([]byte, 32*1024) // two blocks
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)
	var infoHash [20]byte
	copy(infoHash[:], hash[:])

	desc := &torrentfile.Descriptor{
		InfoHash:    infoHash,
		Name:        "f",
		PieceLength: int64(len(data)),
		Pieces:      [][20]byte{hash},
		TotalLength: int64(len(data)),
		Files:       []torrentfile.FileEntry{{Path: "f", Length: int64(len(data))}},
	}

	ln := fakeSeeder(t, infoHash, data)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	disk, err := piecestore.NewDisk(t.TempDir())
	require.NoError(t, err)
	store := piecestore.New(desc, disk)

	ip := []byte{127, 0, 0, 1}
	compact := append(append([]byte{}, ip...), byte(addr.Port>>8), byte(addr.Port))
	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "d8:intervali1800e5:peers6:" + string(compact) + "e"
		w.Write([]byte(body))
	}))
	defer trackerSrv.Close()

	cfg := DefaultConfig()
	cfg.ChokePeriodS = 1
	s := New(desc, store, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.Run(ctx, trackerSrv.URL)
	require.NoError(t, err)
	require.True(t, store.AllPiecesDone())
}

func TestSessionReturnsNoPeersConnectedWhenTrackerGivesUnreachablePeer(t *testing.T) {
	data := make([]byte, 16)
	hash := sha1.Sum(data)
	desc := &torrentfile.Descriptor{
		Name:        "f",
		PieceLength: int64(len(data)),
		Pieces:      [][20]byte{hash},
		TotalLength: int64(len(data)),
		Files:       []torrentfile.FileEntry{{Path: "f", Length: int64(len(data))}},
	}
	disk, err := piecestore.NewDisk(t.TempDir())
	require.NoError(t, err)
	store := piecestore.New(desc, disk)

	compact := []byte{10, 255, 255, 1, 0, 1} // non-routable, guaranteed dial failure
	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := "d8:intervali1800e5:peers6:" + string(compact) + "e"
		w.Write([]byte(body))
	}))
	defer trackerSrv.Close()

	cfg := DefaultConfig()
	cfg.ConnectTimeoutS = 1
	s := New(desc, store, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = s.Run(ctx, trackerSrv.URL)
	require.ErrorIs(t, err, ErrNoPeersConnected)
}
