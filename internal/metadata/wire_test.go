package metadata

import (
	"bytes"
	"testing"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih kademlia.InfoHash
	ih[0] = 0xAB
	peerID, err := PeerID()
	if err != nil {
		t.Fatalf("PeerID: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, ih, peerID); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	if buf.Len() != 68 {
		t.Fatalf("handshake length = %d, want 68", buf.Len())
	}

	hs, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.InfoHash != ih {
		t.Errorf("InfoHash mismatch: got %x want %x", hs.InfoHash, ih)
	}
	if hs.PeerID != peerID {
		t.Errorf("PeerID mismatch")
	}
	if !hs.Extended {
		t.Errorf("expected the extension bit to round-trip set")
	}
}

func TestReadHandshakeRejectsBadProtocol(t *testing.T) {
	buf := make([]byte, 68)
	buf[0] = 19
	copy(buf[1:], "Some Other Protocol")
	if _, err := ReadHandshake(bytes.NewReader(buf)); err == nil {
		t.Errorf("expected error for mismatched protocol string")
	}
}

func TestExtendedHandshakeRejectsMissingUtMetadata(t *testing.T) {
	var buf bytes.Buffer
	WriteExtendedHandshake(&buf, 0, 6881, "dc/1.0")
	_, extID, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if extID != extendedHandshakeID {
		t.Fatalf("extID = %d, want 0", extID)
	}
	if _, err := ReadExtendedHandshake(payload); err == nil {
		t.Errorf("expected rejection of ut_metadata id 0")
	}
}

func TestExtendedHandshakeAcceptsValid(t *testing.T) {
	payload, err := bencodeExtended(ExtendedHandshake{
		M:            map[string]int{UtMetadataID: 3},
		MetadataSize: 16384,
	})
	if err != nil {
		t.Fatalf("bencodeExtended: %v", err)
	}
	hs, err := ReadExtendedHandshake(payload)
	if err != nil {
		t.Fatalf("ReadExtendedHandshake: %v", err)
	}
	if hs.M[UtMetadataID] != 3 || hs.MetadataSize != 16384 {
		t.Errorf("got %+v", hs)
	}
}

func TestParseMetadataMessageData(t *testing.T) {
	header := map[string]int{"msg_type": msgData, "piece": 0, "total_size": 5}
	headerBytes, _ := bencodeExtended(header)
	full := append(append([]byte{}, headerBytes...), []byte("hello")...)

	msg, err := ParseMetadataMessage(full)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if msg.Type != msgData || msg.Piece != 0 {
		t.Fatalf("got %+v", msg)
	}
	if string(msg.Data) != "hello" {
		t.Errorf("Data = %q, want %q", msg.Data, "hello")
	}
}

func TestParseMetadataMessageReject(t *testing.T) {
	header := map[string]int{"msg_type": msgReject, "piece": 2}
	headerBytes, _ := bencodeExtended(header)

	msg, err := ParseMetadataMessage(headerBytes)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if msg.Type != msgReject || msg.Piece != 2 {
		t.Fatalf("got %+v", msg)
	}
}

func TestMessageFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMetadataRequest(&buf, 3, 7); err != nil {
		t.Fatalf("WriteMetadataRequest: %v", err)
	}
	id, extID, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if id != extendedMessageID || extID != 3 {
		t.Fatalf("got id=%d extID=%d", id, extID)
	}
	msg, err := ParseMetadataMessage(payload)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if msg.Type != msgRequest || msg.Piece != 7 {
		t.Errorf("got %+v", msg)
	}
}
