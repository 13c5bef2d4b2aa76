// Package metadata implements the Metadata Worker Pool (component C4): for
// each dispatched InfoHash, a worker opens a peer connection, performs the
// BitTorrent handshake and BEP10 extension handshake, then drives the
// ut_metadata piece-request loop to completion, validation, and Sink
// persistence. The wire framing here follows the standard BitTorrent
// handshake byte layout and the usual connect/handshake/extended-handshake
// message sequence, simplified to the single ut_metadata extension this
// crawler needs — no encryption, PEX, or piece-exchange machinery, none of
// which this crawler ever requests.
package metadata

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

// protocolString is the fixed BitTorrent protocol identifier, per BEP3.
const protocolString = "BitTorrent protocol"

// extendedBit marks support for BEP10 extensions in the handshake's
// reserved bytes, reserved[5] |= 0x10.
const extendedBit = 0x10

// extendedMessageID is the fixed BitTorrent message type for all BEP10
// extension traffic (the handshake and every registered sub-protocol).
const extendedMessageID = 20

// extendedHandshakeID is the reserved extended-message sub-id (0) used only
// for the extension handshake itself; ut_metadata's own id is negotiated.
const extendedHandshakeID = 0

// ut_metadata piece message types, per BEP9.
const (
	msgRequest = 0
	msgData    = 1
	msgReject  = 2
)

// PeerID builds a 20-byte Azureus-style peer id: the 8-byte client prefix
// "-DC0001-" followed by 12 random ASCII digits.
func PeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:8], "-DC0001-")
	digits := make([]byte, 12)
	if _, err := rand.Read(digits); err != nil {
		return id, fmt.Errorf("metadata: generate peer id: %w", err)
	}
	for i, b := range digits {
		digits[i] = '0' + b%10
	}
	copy(id[8:], digits)
	return id, nil
}

// Handshake is the parsed fixed-length BitTorrent handshake.
type Handshake struct {
	InfoHash kademlia.InfoHash
	PeerID   [20]byte
	Extended bool
}

// WriteHandshake sends the 68-byte handshake.
func WriteHandshake(w io.Writer, ih kademlia.InfoHash, peerID [20]byte) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	reserved := make([]byte, 8)
	reserved[5] |= extendedBit
	buf = append(buf, reserved...)
	buf = append(buf, ih[:]...)
	buf = append(buf, peerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake parses an incoming 68-byte handshake and validates the
// protocol string, aborting if it doesn't match exactly.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hs, fmt.Errorf("metadata: read handshake: %w", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolString) || string(buf[1:1+pstrlen]) != protocolString {
		return hs, fmt.Errorf("metadata: unexpected protocol string")
	}
	reserved := buf[1+pstrlen : 1+pstrlen+8]
	hs.Extended = reserved[5]&extendedBit != 0
	copy(hs.InfoHash[:], buf[1+pstrlen+8:1+pstrlen+8+20])
	copy(hs.PeerID[:], buf[1+pstrlen+8+20:])
	return hs, nil
}

// ExtendedHandshake is the BEP10 extension handshake payload.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
	Port         int             `bencode:"p,omitempty"`
	Version      string          `bencode:"v,omitempty"`
}

// UtMetadataID is the extension name this crawler registers itself under.
const UtMetadataID = "ut_metadata"

// WriteExtendedHandshake sends our extension handshake advertising
// ut_metadata support.
func WriteExtendedHandshake(w io.Writer, ourID int, port int, clientVersion string) error {
	payload, err := bencodeExtended(ExtendedHandshake{
		M:       map[string]int{UtMetadataID: ourID},
		Port:    port,
		Version: clientVersion,
	})
	if err != nil {
		return err
	}
	return writeMessage(w, extendedMessageID, append([]byte{extendedHandshakeID}, payload...))
}

func bencodeExtended(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("metadata: encode extended handshake: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadExtendedHandshake parses a peer's extension handshake payload
// (without the leading extended-message sub-id byte, already stripped by
// the caller) and requires m.ut_metadata > 0 and metadata_size > 0.
func ReadExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var hs ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &hs); err != nil {
		return hs, fmt.Errorf("metadata: decode extended handshake: %w", err)
	}
	if hs.M[UtMetadataID] <= 0 {
		return hs, fmt.Errorf("metadata: peer does not support ut_metadata")
	}
	if hs.MetadataSize <= 0 {
		return hs, fmt.Errorf("metadata: peer advertised no metadata_size")
	}
	return hs, nil
}

// WriteMetadataRequest asks peerUtMetadataID for piece i.
func WriteMetadataRequest(w io.Writer, peerUtMetadataID, piece int) error {
	payload, err := bencodeExtended(map[string]int{"msg_type": msgRequest, "piece": piece})
	if err != nil {
		return err
	}
	return writeMessage(w, extendedMessageID, append([]byte{byte(peerUtMetadataID)}, payload...))
}

// MetadataMessage is one parsed ut_metadata reply.
type MetadataMessage struct {
	Type      int
	Piece     int
	TotalSize int
	Data      []byte
}

// ParseMetadataMessage splits an incoming ut_metadata extension payload
// (the bencoded header followed, for msg_type=1, by the raw piece bytes)
// using the bencode decoder's own read position to find the header/data
// boundary, rather than scanning for it by hand.
func ParseMetadataMessage(payload []byte) (MetadataMessage, error) {
	var msg MetadataMessage
	r := bytes.NewReader(payload)
	var header struct {
		MsgType   int `bencode:"msg_type"`
		Piece     int `bencode:"piece"`
		TotalSize int `bencode:"total_size,omitempty"`
	}
	if err := bencode.Unmarshal(r, &header); err != nil {
		return msg, fmt.Errorf("metadata: decode piece header: %w", err)
	}
	msg.Type = header.MsgType
	msg.Piece = header.Piece
	msg.TotalSize = header.TotalSize
	if msg.Type == msgData {
		consumed := len(payload) - r.Len()
		msg.Data = append([]byte(nil), payload[consumed:]...)
	}
	return msg, nil
}

// ReadMessage reads one length-prefixed BitTorrent message and, if it is an
// extended message, returns its extended sub-id and payload separately.
// keep-alives (zero-length messages) are returned with id -1.
func ReadMessage(r io.Reader) (id int, extID int, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return -1, 0, nil, nil
	}
	body := make([]byte, n)
	if _, err = io.ReadFull(r, body); err != nil {
		return
	}
	id = int(body[0])
	if id == extendedMessageID {
		extID = int(body[1])
		payload = body[2:]
		return
	}
	payload = body[1:]
	return
}

func writeMessage(w io.Writer, id byte, payload []byte) error {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = id
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}
