package metadata

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	bencodepkg "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/sink"
)

// pipeDialer hands back one end of a net.Pipe, driving the other end with
// a scripted fake peer goroutine, so Session.Run can be exercised without
// a real network.
type pipeDialer struct {
	conn net.Conn
}

func (d pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.conn, nil
}

func testConfig() Config {
	return Config{
		ConnectTimeout:             time.Second,
		HandshakeTimeout:           time.Second,
		SessionTimeout:             2 * time.Second,
		PieceTimeout:               time.Second,
		MaxConcurrentPieceRequests: 2,
		MaxRetryAttempts:           3,
		RetryBaseDelay:             10 * time.Millisecond,
		RetryMultiplier:            2,
	}
}

func buildTorrentInfo(name string, length int) ([]byte, kademlia.InfoHash) {
	pieceLen := 16384
	numPieces := (length + pieceLen - 1) / pieceLen
	pieces := make([]byte, 20*numPieces)

	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLen,
		"pieces":       string(pieces),
		"length":       int64(length),
	}
	var buf bytes.Buffer
	bencodepkg.Marshal(&buf, info)
	data := buf.Bytes()
	return data, kademlia.InfoHash(sha1.Sum(data))
}

// fakePeer plays the peer side of the handshake + extension negotiation +
// single-piece ut_metadata exchange for one metadata blob.
func fakePeer(t *testing.T, conn net.Conn, ih kademlia.InfoHash, metadata []byte) {
	hs, err := ReadHandshake(conn)
	if err != nil {
		t.Errorf("fakePeer: ReadHandshake: %v", err)
		return
	}
	if hs.InfoHash != ih {
		t.Errorf("fakePeer: got infohash %x, want %x", hs.InfoHash, ih)
	}
	peerID, _ := PeerID()
	if err := WriteHandshake(conn, ih, peerID); err != nil {
		t.Errorf("fakePeer: WriteHandshake: %v", err)
		return
	}

	id, extID, payload, err := ReadMessage(conn)
	if err != nil || id != extendedMessageID || extID != extendedHandshakeID {
		t.Errorf("fakePeer: expected extension handshake, got id=%d extID=%d err=%v", id, extID, err)
		return
	}
	var clientExt ExtendedHandshake
	if err := bencodepkg.Unmarshal(bytes.NewReader(payload), &clientExt); err != nil {
		t.Errorf("fakePeer: bad client extension handshake: %v", err)
		return
	}
	peerUtMetadataID := clientExt.M[UtMetadataID]

	payload2, err := bencodeExtended(ExtendedHandshake{
		M:            map[string]int{UtMetadataID: 5},
		MetadataSize: len(metadata),
	})
	if err != nil {
		t.Errorf("fakePeer: encode extension handshake: %v", err)
		return
	}
	if err := writeMessage(conn, extendedMessageID, append([]byte{extendedHandshakeID}, payload2...)); err != nil {
		t.Errorf("fakePeer: write extension handshake: %v", err)
		return
	}

	numPieces := (len(metadata) + 16383) / 16384
	for i := 0; i < numPieces; i++ {
		_, extID, payload, err := ReadMessage(conn)
		// Requests carry the id this fake advertised (5); replies carry the client's.
		if err != nil || extID != 5 {
			t.Errorf("fakePeer: expected piece request: %v", err)
			return
		}
		msg, err := ParseMetadataMessage(payload)
		if err != nil || msg.Type != msgRequest {
			t.Errorf("fakePeer: bad request message: %+v %v", msg, err)
			return
		}
		start := msg.Piece * 16384
		end := start + 16384
		if end > len(metadata) {
			end = len(metadata)
		}
		header, _ := bencodeExtended(map[string]int{
			"msg_type": msgData, "piece": msg.Piece, "total_size": len(metadata),
		})
		full := append(append([]byte{}, header...), metadata[start:end]...)
		writeMessage(conn, extendedMessageID, append([]byte{byte(peerUtMetadataID)}, full...))
	}
}

// fakePeerRejectOnce behaves like fakePeer but rejects the very first piece
// request it sees (msg_type=2) before answering every subsequent request
// with data, exercising Session's reject-then-retry path.
func fakePeerRejectOnce(t *testing.T, conn net.Conn, ih kademlia.InfoHash, metadata []byte) {
	hs, err := ReadHandshake(conn)
	if err != nil {
		t.Errorf("fakePeer: ReadHandshake: %v", err)
		return
	}
	if hs.InfoHash != ih {
		t.Errorf("fakePeer: got infohash %x, want %x", hs.InfoHash, ih)
	}
	peerID, _ := PeerID()
	if err := WriteHandshake(conn, ih, peerID); err != nil {
		t.Errorf("fakePeer: WriteHandshake: %v", err)
		return
	}

	id, extID, payload, err := ReadMessage(conn)
	if err != nil || id != extendedMessageID || extID != extendedHandshakeID {
		t.Errorf("fakePeer: expected extension handshake, got id=%d extID=%d err=%v", id, extID, err)
		return
	}
	var clientExt ExtendedHandshake
	if err := bencodepkg.Unmarshal(bytes.NewReader(payload), &clientExt); err != nil {
		t.Errorf("fakePeer: bad client extension handshake: %v", err)
		return
	}
	peerUtMetadataID := clientExt.M[UtMetadataID]

	payload2, err := bencodeExtended(ExtendedHandshake{
		M:            map[string]int{UtMetadataID: 5},
		MetadataSize: len(metadata),
	})
	if err != nil {
		t.Errorf("fakePeer: encode extension handshake: %v", err)
		return
	}
	if err := writeMessage(conn, extendedMessageID, append([]byte{extendedHandshakeID}, payload2...)); err != nil {
		t.Errorf("fakePeer: write extension handshake: %v", err)
		return
	}

	rejected := false
	numPieces := (len(metadata) + 16383) / 16384
	for served := 0; served < numPieces; {
		_, extID, payload, err := ReadMessage(conn)
		// Requests carry the id this fake advertised (5); replies carry the client's.
		if err != nil || extID != 5 {
			t.Errorf("fakePeer: expected piece request: %v", err)
			return
		}
		msg, err := ParseMetadataMessage(payload)
		if err != nil || msg.Type != msgRequest {
			t.Errorf("fakePeer: bad request message: %+v %v", msg, err)
			return
		}

		if !rejected {
			rejected = true
			header, _ := bencodeExtended(map[string]int{"msg_type": msgReject, "piece": msg.Piece})
			writeMessage(conn, extendedMessageID, append([]byte{byte(peerUtMetadataID)}, header...))
			continue
		}

		start := msg.Piece * 16384
		end := start + 16384
		if end > len(metadata) {
			end = len(metadata)
		}
		header, _ := bencodeExtended(map[string]int{
			"msg_type": msgData, "piece": msg.Piece, "total_size": len(metadata),
		})
		full := append(append([]byte{}, header...), metadata[start:end]...)
		writeMessage(conn, extendedMessageID, append([]byte{byte(peerUtMetadataID)}, full...))
		served++
	}
}

func TestSessionRetriesAfterPieceReject(t *testing.T) {
	metadata, ih := buildTorrentInfo("retry.iso", 16384)
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	done := make(chan struct{})
	go func() {
		fakePeerRejectOnce(t, peerConn, ih, metadata)
		close(done)
	}()

	sk := sink.NewMemorySink()
	session, err := NewSession(testConfig(), pipeDialer{clientConn}, nil, sk)
	require.NoError(t, err)

	err = session.Run(context.Background(), kademlia.Endpoint{}, ih, sink.SourceDHTPeers)
	<-done
	require.NoError(t, err)
	require.Equal(t, Completed, session.State)
	require.True(t, sk.Torrents()[ih].MetadataReceived, "expected metadata to be received after the retry")
}

func TestSessionHandshakeSuccess(t *testing.T) {
	metadata, ih := buildTorrentInfo("example.iso", 20000)
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	done := make(chan struct{})
	go func() {
		fakePeer(t, peerConn, ih, metadata)
		close(done)
	}()

	sk := sink.NewMemorySink()
	session, err := NewSession(testConfig(), pipeDialer{clientConn}, nil, sk)
	require.NoError(t, err)

	err = session.Run(context.Background(), kademlia.Endpoint{}, ih, sink.SourceDHTPeers)
	<-done
	require.NoError(t, err)
	require.Equal(t, Completed, session.State)

	torrents := sk.Torrents()
	got, ok := torrents[ih]
	require.True(t, ok, "expected a recorded torrent for %s", ih)
	require.True(t, got.MetadataReceived)
	require.Equal(t, "example.iso", got.Name)
}
