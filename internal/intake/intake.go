// Package intake implements the Infohash Intake (component C3): a thin
// coordinator that de-duplicates observed infohashes, assigns priority by
// source, and hands first sightings to the Metadata Worker Pool. Dedup
// uses an LRU-capped map guarding against unbounded memory growth rather
// than an unbounded seen-set.
package intake

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/peerstore"
	"github.com/kademux/dhtcrawler/internal/sink"
)

// Enqueuer is the subset of the Metadata Worker Pool's API Intake depends
// on, letting tests substitute a recording fake instead of a real Pool.
type Enqueuer interface {
	Enqueue(ih kademlia.InfoHash, source sink.Source)
}

// seenEntry records when an infohash was first observed and under which
// source.
type seenEntry struct {
	firstSource sink.Source
	discovered  time.Time
	lastSeen    time.Time
}

// Intake is the C3 coordinator. Observe is safe for concurrent use, though
// the DHT Engine delivers observations in socket-receive order from a
// single reader goroutine, so contention is limited to Observe racing the
// stats accessors.
type Intake struct {
	mu   sync.Mutex
	seen *lru.Cache

	peers *peerstore.Store
	pool  Enqueuer
	sk    sink.Sink
}

// Config bounds the seen-set, analogous to the peer store's
// MaxInfoHashes cap.
type Config struct {
	MaxSeen int
}

// New builds an Intake wired to a peer contact store, a metadata pool, and
// a Sink.
func New(cfg Config, peers *peerstore.Store, pool Enqueuer, sk sink.Sink) *Intake {
	max := cfg.MaxSeen
	if max <= 0 {
		max = 2048
	}
	return &Intake{
		seen:  lru.New(max),
		peers: peers,
		pool:  pool,
		sk:    sk,
	}
}

// Observe records one (InfoHash, source, peer) sighting from the DHT
// Engine. On first sighting it emits a DiscoveredTorrent stub to the Sink
// (name unknown) and enqueues the infohash into the Metadata Pool at the
// source's priority. Subsequent sightings update last_seen_at and feed the
// new peer endpoint into the peer store's hint list for that infohash,
// without re-enqueuing.
func (in *Intake) Observe(ih kademlia.InfoHash, source sink.Source, peer kademlia.Endpoint) {
	now := time.Now()
	first := in.touch(ih, source, now)

	hasPeer := peer.IP != nil
	if hasPeer && in.peers != nil {
		in.peers.AddContact(ih, peer)
	}

	if first {
		if in.sk != nil {
			in.sk.RecordTorrent(sink.DiscoveredTorrent{
				InfoHash:     ih,
				DiscoveredAt: now,
				LastSeenAt:   now,
				Source:       source,
			})
		}
		if in.pool != nil {
			in.pool.Enqueue(ih, source)
		}
	}
	if hasPeer && in.sk != nil {
		in.sk.RecordPeer(ih, peer, source)
	}
}

// touch records the sighting in the seen-set, returning true if this is the
// first time ih has been observed.
func (in *Intake) touch(ih kademlia.InfoHash, source sink.Source, now time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if v, ok := in.seen.Get(ih); ok {
		entry := v.(*seenEntry)
		entry.lastSeen = now
		return false
	}
	in.seen.Add(ih, &seenEntry{firstSource: source, discovered: now, lastSeen: now})
	return true
}

// Seen reports whether ih has ever been observed, and if so its first
// source tag and discovery/last-seen timestamps.
func (in *Intake) Seen(ih kademlia.InfoHash) (source sink.Source, discovered, lastSeen time.Time, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	v, found := in.seen.Get(ih)
	if !found {
		return "", time.Time{}, time.Time{}, false
	}
	entry := v.(*seenEntry)
	return entry.firstSource, entry.discovered, entry.lastSeen, true
}

// Len returns the number of distinct infohashes currently tracked in the
// seen-set (bounded by Config.MaxSeen).
func (in *Intake) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.seen.Len()
}
