// Package sink defines the crawler's only outward-facing data contract: the
// Sink interface through which every discovered torrent, peer observation,
// and error is reported. Persistence itself (the relational database the
// CLI's --user/--password/--database flags configure) is explicitly out of
// core scope; this package carries the interface plus two dependency-free
// implementations (LogSink, MemorySink) so the rest of the crawler, and its
// tests, never depend on a real database driver.
package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/xerr"
	"github.com/kademux/dhtcrawler/internal/xlog"
)

// Source tags the origin of an infohash or peer observation.
type Source string

const (
	SourceManual        Source = "manual"
	SourceBEP51         Source = "bep51"
	SourceDHTPeers       Source = "dht_peers"
	SourceDHTAnnounce    Source = "dht_announce"
	SourceDHTItem        Source = "dht_item"
	SourceIncomingQuery  Source = "incoming_query"
)

// Priority returns the Metadata Worker Pool queue priority associated with a
// source: MANUAL=4, BEP51=5, DHT_PEERS=3, DHT_ANNOUNCE=2,
// DHT_ITEM=1. Higher drains first.
func (s Source) Priority() int {
	switch s {
	case SourceManual:
		return 4
	case SourceBEP51:
		return 5
	case SourceDHTPeers:
		return 3
	case SourceDHTAnnounce:
		return 2
	case SourceDHTItem:
		return 1
	case SourceIncomingQuery:
		return 1
	default:
		return 0
	}
}

// FileEntry is one file inside a torrent's info dictionary.
type FileEntry struct {
	Path string
	Size int64
}

// DiscoveredTorrent is the record persisted through the Sink: created on
// first DHT observation (fields beyond InfoHash/source/discovered_at
// unknown), mutated in place once metadata arrives.
type DiscoveredTorrent struct {
	InfoHash kademlia.InfoHash

	Name         string
	Size         int64
	PieceLength  int
	PieceCount   int
	FileCount    int
	Files        []FileEntry
	Comment      string
	CreatedBy    string
	CreationDate time.Time
	Trackers     []string
	Private      bool

	DiscoveredAt     time.Time
	LastSeenAt       time.Time
	Source           Source
	MetadataReceived bool
	TimedOut         bool
}

// Sink is the typed reporting contract the core writes through. Every
// method must tolerate concurrent calls from any worker or the DHT
// Engine's reactor goroutine; the core never funnels writes through a
// single lock before calling in. RecordTorrent and RecordPeer must be
// idempotent with respect to (InfoHash) and (InfoHash, Endpoint)
// respectively.
type Sink interface {
	RecordTorrent(t DiscoveredTorrent) error
	RecordPeer(ih kademlia.InfoHash, ep kademlia.Endpoint, source Source) error
	RecordError(kind xerr.Kind, context string) error
	Flush() error
}

// LogSink writes every record as a structured log line through an
// xlog.Logger, the simplest Sink that satisfies the contract without a
// persistence dependency — useful for --metadata-only runs and for
// smoke-testing the engine end to end.
type LogSink struct {
	log xlog.Logger
}

// NewLogSink builds a LogSink. A nil logger falls back to xlog.NullLogger{}.
func NewLogSink(log xlog.Logger) *LogSink {
	if log == nil {
		log = xlog.NullLogger{}
	}
	return &LogSink{log: log}
}

func (s *LogSink) RecordTorrent(t DiscoveredTorrent) error {
	s.log.Infof("torrent %s name=%q metadata_received=%v files=%d size=%d",
		t.InfoHash, t.Name, t.MetadataReceived, t.FileCount, t.Size)
	return nil
}

func (s *LogSink) RecordPeer(ih kademlia.InfoHash, ep kademlia.Endpoint, source Source) error {
	s.log.Debugf("peer %s for %s source=%s", ep, ih, source)
	return nil
}

func (s *LogSink) RecordError(kind xerr.Kind, context string) error {
	s.log.Errorf("%s: %s", kind, context)
	return nil
}

func (s *LogSink) Flush() error { return nil }

// MemorySink accumulates records in memory for in-process inspection, as
// the tests do; the dht-crawler command itself writes through LogSink.
type MemorySink struct {
	mu       sync.Mutex
	torrents map[kademlia.InfoHash]DiscoveredTorrent
	peers    map[string]struct{}
	errors   []string
	flushes  int
}

// NewMemorySink builds an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		torrents: make(map[kademlia.InfoHash]DiscoveredTorrent),
		peers:    make(map[string]struct{}),
	}
}

func (s *MemorySink) RecordTorrent(t DiscoveredTorrent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torrents[t.InfoHash] = t
	return nil
}

func (s *MemorySink) RecordPeer(ih kademlia.InfoHash, ep kademlia.Endpoint, source Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[fmt.Sprintf("%s|%s", ih, ep)] = struct{}{}
	return nil
}

func (s *MemorySink) RecordError(kind xerr.Kind, context string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, fmt.Sprintf("%s: %s", kind, context))
	return nil
}

func (s *MemorySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Torrents returns a snapshot of every recorded torrent, keyed by infohash.
func (s *MemorySink) Torrents() map[kademlia.InfoHash]DiscoveredTorrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[kademlia.InfoHash]DiscoveredTorrent, len(s.torrents))
	for k, v := range s.torrents {
		out[k] = v
	}
	return out
}

// PeerCount returns the number of distinct (InfoHash, Endpoint) pairs seen.
func (s *MemorySink) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Errors returns a snapshot of recorded error lines.
func (s *MemorySink) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errors))
	copy(out, s.errors)
	return out
}

// FlushCount returns how many times Flush was called, for the graceful
// shutdown "flush is called exactly once" test property.
func (s *MemorySink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}
