// Package tracker announces to a BitTorrent tracker over HTTP or UDP and
// decodes its compact peer list (spec §1/§6 "Tracker communication (HTTP
// and UDP announce)"). It is an external collaborator kept thin, grounded
// on the teacher's torrent/tracker.go (both the HTTP path and the UDP
// connect/announce dance) and torrent/utils.go.
package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/tanmoymaji275/bittorrent-client/peerconn"
)

// Response is the decoded bencoded tracker reply.
type Response struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Announce sends a single announce to announceURL and decodes the compact
// peer list, dispatching on the URL scheme (http/https or udp) the way the
// teacher's SendTrackerResponse picks a transport per tracker. No
// persistent connection to the tracker is maintained; spec §6 says one
// initial announce suffices for the core.
func Announce(announceURL string, infoHash, peerID [20]byte, port uint16, left int64) ([]peerconn.Endpoint, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing announce url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return announceHTTP(u, infoHash, peerID, port, left)
	case "udp":
		return announceUDP(u, infoHash, peerID, port, left)
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}
}

func announceHTTP(u *url.URL, infoHash, peerID [20]byte, port uint16, left int64) ([]peerconn.Endpoint, error) {
	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", fmt.Sprintf("%d", port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", fmt.Sprintf("%d", left))
	q.Set("compact", "1")
	q.Set("event", "started")
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	req.Header.Set("User-Agent", "bittorrent-client/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s returned status %d", u, resp.StatusCode)
	}

	var tr Response
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	if tr.Failure != "" {
		return nil, fmt.Errorf("tracker: %s: %s", u, tr.Failure)
	}

	return ParseCompactPeers(tr.Peers)
}

// udpProtocolID is the fixed "magic" connection id every BEP 15 connect
// request opens with.
const udpProtocolID = 0x41727101980

const (
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
)

// udpEventStarted is the "started" event code on the announce request.
const udpEventStarted = 2

// announceUDP performs the BEP 15 connect+announce exchange: a connect
// request establishes a short-lived connection id, then the announce
// request carries infoHash/peerID/left and gets back a compact peer list.
// The connect step is tried up to 3 times with a growing deadline, the way
// the teacher's SendUDPTrackerRequest does; the announce request is sent
// once.
func announceUDP(u *url.URL, infoHash, peerID [20]byte, port uint16, left int64) ([]peerconn.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolving udp address %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dialing udp tracker %s: %w", u.Host, err)
	}
	defer conn.Close()

	var connectionID uint64
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		connectionID, lastErr = udpConnect(conn, attempt)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("tracker: udp connect to %s: %w", u.Host, lastErr)
	}

	return udpAnnounceOnce(conn, connectionID, infoHash, peerID, port, left)
}

func udpConnect(conn *net.UDPConn, attempt int) (uint64, error) {
	transactionID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("sending connect: %w", err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTransactionID := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if gotTransactionID != transactionID {
		return 0, fmt.Errorf("transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounceOnce(conn *net.UDPConn, connectionID uint64, infoHash, peerID [20]byte, port uint16, left int64) ([]peerconn.Endpoint, error) {
	transactionID := rand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connectionID)
	binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0)            // downloaded
	binary.BigEndian.PutUint64(req[64:72], uint64(left)) // left
	binary.BigEndian.PutUint64(req[72:80], 0)            // uploaded
	binary.BigEndian.PutUint32(req[80:84], udpEventStarted)
	binary.BigEndian.PutUint32(req[84:88], 0) // IP, 0 = default
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want, -1 = default
	binary.BigEndian.PutUint16(req[96:98], port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("tracker: sending udp announce: %w", err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("tracker: reading udp announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("tracker: udp announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTransactionID := binary.BigEndian.Uint32(resp[4:8])
	if gotTransactionID != transactionID {
		return nil, fmt.Errorf("tracker: udp announce transaction id mismatch")
	}
	if action == udpActionError {
		return nil, fmt.Errorf("tracker: udp announce error: %s", resp[8:n])
	}
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected udp announce action %d", action)
	}

	return ParseCompactPeers(string(resp[20:n]))
}

// ParseCompactPeers decodes a compact peer string: 6 bytes per peer, 4
// bytes big-endian IPv4 followed by 2 bytes big-endian port.
func ParseCompactPeers(peers string) ([]peerconn.Endpoint, error) {
	raw := []byte(peers)
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peer list length %d is not a multiple of 6", len(raw))
	}
	out := make([]peerconn.Endpoint, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		out = append(out, peerconn.Endpoint{IP: ip, Port: port})
	}
	return out, nil
}
