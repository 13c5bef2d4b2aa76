// Package kademlia holds the core identifiers of the Mainline DHT: 20-byte
// InfoHash and NodeId values, UDP endpoints, and the XOR distance metric used
// to index the routing table and rank peers.
package kademlia

import (
	"encoding/hex"
	"fmt"
	"net"
)

// IDLength is the size, in bytes, of every InfoHash and NodeId.
const IDLength = 20

// InfoHash uniquely names a torrent: the SHA-1 of its info dictionary.
type InfoHash [IDLength]byte

// String renders the infohash as lowercase hex, the form used for logs and
// for persistence through the Sink.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// DecodeInfoHash parses a 40-character hex string into an InfoHash.
func DecodeInfoHash(s string) (InfoHash, error) {
	var h InfoHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("kademlia: decode infohash: %w", err)
	}
	if len(b) != IDLength {
		return h, fmt.Errorf("kademlia: infohash must be %d bytes, got %d", IDLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// NodeId is a DHT participant's 160-bit routing address.
type NodeId [IDLength]byte

func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// DecodeNodeId parses a 40-character hex string into a NodeId.
func DecodeNodeId(s string) (NodeId, error) {
	var id NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("kademlia: decode node id: %w", err)
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("kademlia: node id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// AsInfoHash reinterprets a NodeId as an InfoHash, which is valid because
// both are opaque 20-byte Kademlia keys; sample_infohashes and get_peers
// both route against this shared keyspace.
func (id NodeId) AsInfoHash() InfoHash {
	return InfoHash(id)
}

// Endpoint is a UDP/TCP network address: an IP (v4 or v6) plus a port.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Equal reports exact tuple equality, per spec.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.IP.Equal(o.IP) && e.Port == o.Port
}

// CompactV4 encodes the endpoint in BEP5 compact form (4-byte IPv4 + 2-byte
// port, big-endian). The caller must ensure e.IP is an IPv4 address.
func (e Endpoint) CompactV4() []byte {
	b := make([]byte, 6)
	copy(b[:4], e.IP.To4())
	b[4] = byte(e.Port >> 8)
	b[5] = byte(e.Port)
	return b
}

// DecodeCompactV4 decodes a 6-byte compact IPv4 peer contact.
func DecodeCompactV4(b []byte) (Endpoint, error) {
	if len(b) != 6 {
		return Endpoint{}, fmt.Errorf("kademlia: compact v4 endpoint must be 6 bytes, got %d", len(b))
	}
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	port := int(b[4])<<8 | int(b[5])
	return Endpoint{IP: ip, Port: port}, nil
}

// Distance returns the XOR distance between two 20-byte Kademlia keys.
func Distance(a, b [IDLength]byte) [IDLength]byte {
	var d [IDLength]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// DistanceIH is Distance specialized for an InfoHash and NodeId pair, the
// common case when ranking nodes against a lookup target.
func DistanceIH(ih InfoHash, id NodeId) [IDLength]byte {
	return Distance([IDLength]byte(ih), [IDLength]byte(id))
}

// BucketIndex returns the position of the highest set bit of a 160-bit
// distance: 0 means the two keys are maximally far apart (their first bit
// differs), 159 means they differ only in the last bit. A zero distance (identical keys)
// reports -1, the sentinel for "no bucket" used by callers that must special
// case self-distance.
func BucketIndex(distance [IDLength]byte) int {
	for byteIdx, b := range distance {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// CommonPrefixBits returns how many leading bits two keys share, i.e. the
// BucketIndex of their distance, saturating at 160 for identical keys. This
// is the "proximity" measure used by neighborhood upkeep.
func CommonPrefixBits(a, b [IDLength]byte) int {
	d := Distance(a, b)
	idx := BucketIndex(d)
	if idx < 0 {
		return IDLength * 8
	}
	return idx
}
