// Package krpc implements the Mainline DHT's bencoded KRPC wire protocol:
// ping, find_node, get_peers, announce_peer and the BEP51 sample_infohashes
// extension. It models the full query/response/error envelope
// symmetrically so it round-trips.
package krpc

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// Query types, named exactly as they appear on the wire in the "q" field.
const (
	QPing             = "ping"
	QFindNode         = "find_node"
	QGetPeers         = "get_peers"
	QAnnouncePeer     = "announce_peer"
	QSampleInfohashes = "sample_infohashes"
)

// Message envelope types, the "y" field.
const (
	YQuery    = "q"
	YResponse = "r"
	YError    = "e"
)

// Error codes per BEP5.
const (
	ErrGeneric      = 201
	ErrServer       = 202
	ErrProtocol     = 203
	ErrMethodUnknow = 204
)

// Query is an outgoing or incoming KRPC query message.
type Query struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
}

// Reply is an outgoing or incoming KRPC response message.
type Reply struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	R map[string]interface{} `bencode:"r"`
}

// ErrorMsg is a KRPC error message: "e" is a 2-element list [code, message].
type ErrorMsg struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	E []interface{} `bencode:"e"`
}

// Envelope is the generic shape used to sniff an incoming packet's type
// before decoding it into a more specific struct; query args ("a") and
// response results ("r") are kept in separate fields so they don't collide
// on field names like "id" and "token".
type Envelope struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q"`
	A map[string]interface{} `bencode:"a"`
	R map[string]interface{} `bencode:"r"`
	E []interface{}          `bencode:"e"`
}

// Decode parses a raw UDP payload into an Envelope. Malformed bencode is a
// ProtocolError the caller should drop and count, never propagate.
func Decode(b []byte) (env Envelope, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("krpc: panic decoding packet: %v", x)
		}
	}()
	if err = bencode.Unmarshal(bytes.NewReader(b), &env); err != nil {
		return Envelope{}, fmt.Errorf("krpc: decode: %w", err)
	}
	return env, nil
}

// Encode bencodes any of Query/Reply/ErrorMsg (or a compatible map) for
// transmission.
func Encode(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, msg); err != nil {
		return nil, fmt.Errorf("krpc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// StringArg reads a required string argument from a query's "a" dict or a
// reply's "r" dict.
func StringArg(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntArg reads a required integer argument, tolerating bencode's int64
// decoding.
func IntArg(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// ListArg reads a required list argument.
func ListArg(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]interface{})
	return l, ok
}

// NodeContactLenV4 is the length in bytes of one compact IPv4 node contact:
// 20-byte id + 4-byte IP + 2-byte port.
const NodeContactLenV4 = 26

// ParseCompactNodesV4 splits a "nodes" string into (id, 6-byte compact
// endpoint) pairs. A length that isn't a multiple of 26 is rejected whole,
// per boundary behaviour for malformed wire data.
func ParseCompactNodesV4(nodes string) (ids []string, compactAddrs [][]byte, err error) {
	if len(nodes)%NodeContactLenV4 != 0 {
		return nil, nil, fmt.Errorf("krpc: nodes string length %d not a multiple of %d", len(nodes), NodeContactLenV4)
	}
	n := len(nodes) / NodeContactLenV4
	ids = make([]string, 0, n)
	compactAddrs = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		chunk := nodes[i*NodeContactLenV4 : (i+1)*NodeContactLenV4]
		ids = append(ids, chunk[:20])
		compactAddrs = append(compactAddrs, []byte(chunk[20:]))
	}
	return ids, compactAddrs, nil
}

// EncodeCompactNodesV4 is the inverse of ParseCompactNodesV4: it concatenates
// each (20-byte id, 6-byte compact endpoint) pair into one "nodes" string for
// a find_node/get_peers/sample_infohashes reply. ids[i] and compactAddrs[i]
// must be 20 and 6 bytes respectively, and the two slices must be the same
// length; a mismatched pair is a programmer error, reported rather than
// silently truncated.
func EncodeCompactNodesV4(ids [][]byte, compactAddrs [][]byte) (string, error) {
	if len(ids) != len(compactAddrs) {
		return "", fmt.Errorf("krpc: %d ids but %d addrs", len(ids), len(compactAddrs))
	}
	var buf bytes.Buffer
	for i := range ids {
		if len(ids[i]) != 20 {
			return "", fmt.Errorf("krpc: node id %d is %d bytes, want 20", i, len(ids[i]))
		}
		if len(compactAddrs[i]) != 6 {
			return "", fmt.Errorf("krpc: compact addr %d is %d bytes, want 6", i, len(compactAddrs[i]))
		}
		buf.Write(ids[i])
		buf.Write(compactAddrs[i])
	}
	return buf.String(), nil
}

// InfoHashLen is the length in bytes of one infohash sample.
const InfoHashLen = 20

// ParseSamples splits a BEP51 sample_infohashes "samples" blob into
// individual 20-byte infohashes. A blob whose length isn't a multiple of
// InfoHashLen is rejected whole.
func ParseSamples(samples string) ([]string, error) {
	if len(samples)%InfoHashLen != 0 {
		return nil, fmt.Errorf("krpc: samples length %d not a multiple of %d", len(samples), InfoHashLen)
	}
	n := len(samples) / InfoHashLen
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, samples[i*InfoHashLen:(i+1)*InfoHashLen])
	}
	return out, nil
}
