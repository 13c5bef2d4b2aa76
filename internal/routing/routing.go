// Package routing implements the DHT's k-bucket routing table (component
// C1): the bucket covering this table's own id starts as a single growing
// bucket and splits by the next XOR-distance bit whenever it overflows with
// no evictable member, same as classic Kademlia; buckets once split off are
// final, addressed directly by their XOR-distance bit position, and never
// split again. Each bucket holds up to K good/questionable nodes, with
// response/timeout counters driving a
// Good/Questionable/Bad/Unknown/Evicted quality state.
package routing

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

// Status classifies a DhtNode's health.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusGood         Status = "good"
	StatusQuestionable Status = "questionable"
	StatusBad          Status = "bad"
	StatusEvicted      Status = "evicted"
)

// DhtNode is one routing-table contact.
type DhtNode struct {
	ID       kademlia.NodeId
	Addr     kademlia.Endpoint
	LastSeen time.Time

	responses int
	timeouts  int
	pending   int // consecutive outstanding queries with no reply
}

// Quality is the fraction of recent queries this node answered.
func (n *DhtNode) Quality() float64 {
	total := n.responses + n.timeouts
	if total == 0 {
		return 0
	}
	return float64(n.responses) / float64(total)
}

// Status derives the node's health from its response history against the
// configured good/bad thresholds.
func (n *DhtNode) Status(cfg Config) Status {
	if n.pending >= cfg.MaxConsecutiveTimeouts {
		return StatusEvicted
	}
	if n.responses == 0 && n.timeouts == 0 {
		return StatusUnknown
	}
	q := n.Quality()
	switch {
	case q >= cfg.GoodThreshold:
		return StatusGood
	case q < cfg.BadThreshold:
		return StatusBad
	default:
		return StatusQuestionable
	}
}

// Config parametrizes a Table; see config.Config for field documentation.
type Config struct {
	K                      int
	MaxNodes               int
	GoodThreshold          float64
	BadThreshold           float64
	PingInterval           time.Duration
	EvictionDelay          time.Duration
	NodeExpiry             time.Duration
	MaxConsecutiveTimeouts int
}

// DefaultK is the standard Kademlia bucket size.
const DefaultK = 8

// bucket holds up to Config.K active nodes.
type bucket struct {
	nodes   []*DhtNode
	touched time.Time
}

// InsertOutcome reports what Insert did.
type InsertOutcome int

const (
	Rejected InsertOutcome = iota
	Inserted
	Replaced
)

// Table is a Kademlia routing table: far holds the buckets already split off
// the neighborhood covering own (fixed once created, indexed directly by
// XOR-distance bit position), and near is the single bucket still covering
// own that remains eligible to split as it overflows. nearDepth is the
// number of leading bit positions already carved out into far; a node whose
// distance-to-own bit position is below nearDepth belongs in a far bucket,
// otherwise it belongs in near.
type Table struct {
	mu        sync.RWMutex
	own       kademlia.NodeId
	cfg       Config
	far       [kademlia.IDLength * 8]bucket
	near      bucket
	nearDepth int
	count     int
}

// New builds an empty Table for the given local node id.
func New(own kademlia.NodeId, cfg Config) *Table {
	if cfg.K == 0 {
		cfg.K = DefaultK
	}
	t := &Table{own: own, cfg: cfg}
	now := time.Now()
	for i := range t.far {
		t.far[i].touched = now
	}
	t.near.touched = now
	return t
}

// indexFor returns the position of the highest set bit of the XOR distance
// between id and the table's own id: how many leading bits id shares with
// own before the first difference.
func (t *Table) indexFor(id kademlia.NodeId) int {
	d := kademlia.Distance([kademlia.IDLength]byte(t.own), [kademlia.IDLength]byte(id))
	idx := kademlia.BucketIndex(d)
	if idx < 0 {
		idx = 0
	}
	return idx
}

// locateLocked returns the bucket that owns distance-position idx: a
// finalized far bucket if that depth was already split off, otherwise the
// growing near bucket.
func (t *Table) locateLocked(idx int) *bucket {
	if idx >= 0 && idx < t.nearDepth {
		return &t.far[idx]
	}
	return &t.near
}

// bitAt returns bit pos of id (0 = most significant bit of byte 0) as 0 or 1.
func bitAt(id kademlia.NodeId, pos int) int {
	byteIdx := pos / 8
	mask := byte(0x80 >> uint(pos%8))
	if id[byteIdx]&mask != 0 {
		return 1
	}
	return 0
}

// Insert adds or refreshes a contact. An existing id is always refreshed in
// place, even with the table at MaxNodes. A new id into a bucket with room
// is appended while the table is under MaxNodes. Otherwise the bucket
// accepts the node only by replacing its worst member (Bad or at its
// consecutive-timeout limit, else the oldest one idle past EvictionDelay);
// failing that, if the bucket is near (it covers the
// table's own id) and the table has room under MaxNodes, it splits by the
// next bit and the insert is retried against the post-split layout.
// Otherwise the node is rejected.
func (t *Table) Insert(n DhtNode) InsertOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.ID == t.own {
		return Rejected
	}

	for {
		idx := t.indexFor(n.ID)
		b := t.locateLocked(idx)
		b.touched = time.Now()

		for i, existing := range b.nodes {
			if existing.ID == n.ID {
				b.nodes[i] = &n
				return Inserted
			}
		}

		if len(b.nodes) < t.cfg.K && t.count < t.cfg.MaxNodes {
			b.nodes = append(b.nodes, &n)
			t.count++
			return Inserted
		}

		if worst, worstIdx := t.worstLocked(b); worst != nil {
			b.nodes[worstIdx] = &n
			return Replaced
		}

		if idx >= t.nearDepth && t.count < t.cfg.MaxNodes && t.splitNearLocked() {
			continue
		}
		return Rejected
	}
}

// worstLocked finds the bucket's evictable member: any Bad or Evicted node
// (the latter at its consecutive-timeout limit), else the one that has gone
// longest without a response past EvictionDelay. Neither condition holding
// means nothing in the bucket may be evicted.
func (t *Table) worstLocked(b *bucket) (*DhtNode, int) {
	for i, n := range b.nodes {
		if s := n.Status(t.cfg); s == StatusBad || s == StatusEvicted {
			return n, i
		}
	}

	var worst *DhtNode
	worstIdx := -1
	now := time.Now()
	for i, n := range b.nodes {
		if now.Sub(n.LastSeen) < t.cfg.EvictionDelay {
			continue
		}
		if worst == nil || n.LastSeen.Before(worst.LastSeen) {
			worst, worstIdx = n, i
		}
	}
	return worst, worstIdx
}

// splitNearLocked splits the near bucket at the current depth into the
// nodes that still share that bit with own (kept in near, now one bit
// deeper) and the nodes that don't (carved off into far[depth]). A split
// whose differing side is empty makes no externally visible change, so it
// advances the depth and tries the next bit instead of registering an empty
// far bucket; it reports false only once depth has exhausted the keyspace.
func (t *Table) splitNearLocked() bool {
	for t.nearDepth < kademlia.IDLength*8 {
		depth := t.nearDepth
		ownBit := bitAt(t.own, depth)

		var keep, moved []*DhtNode
		for _, n := range t.near.nodes {
			if bitAt(n.ID, depth) == ownBit {
				keep = append(keep, n)
			} else {
				moved = append(moved, n)
			}
		}

		t.nearDepth = depth + 1
		t.near.nodes = keep
		if len(moved) == 0 {
			continue
		}
		t.far[depth] = bucket{nodes: moved, touched: time.Now()}
		return true
	}
	return false
}

// MarkResponse records a successful reply from id, bumping it to the front
// of its bucket's liveness and clearing its timeout streak.
func (t *Table) MarkResponse(id kademlia.NodeId, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.findLocked(id); n != nil {
		n.responses++
		n.pending = 0
		n.LastSeen = at
	}
}

// MarkTimeout records an outstanding query to id that went unanswered. Once
// a node's consecutive-timeout streak reaches Config.MaxConsecutiveTimeouts
// it becomes evictable by a later Insert.
func (t *Table) MarkTimeout(id kademlia.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.findLocked(id); n != nil {
		n.timeouts++
		n.pending++
	}
}

func (t *Table) findLocked(id kademlia.NodeId) *DhtNode {
	idx := t.indexFor(id)
	b := t.locateLocked(idx)
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Get returns a copy of the tracked node with the given id, used by
// upkeep routines that need its Addr to re-ping it.
func (t *Table) Get(id kademlia.NodeId) (DhtNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n := t.findLocked(id); n != nil {
		return *n, true
	}
	return DhtNode{}, false
}

// Closest returns up to n nodes sorted by ascending XOR distance to target,
// scanning the whole table, since a table capped at MaxNodes is small
// enough that a full scan is cheap relative to a network round trip.
func (t *Table) Closest(target kademlia.InfoHash, n int) []DhtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type scored struct {
		node *DhtNode
		dist [20]byte
	}
	all := make([]scored, 0, t.count)
	t.eachLocked(func(nd *DhtNode) {
		all = append(all, scored{nd, kademlia.Distance([kademlia.IDLength]byte(target), [kademlia.IDLength]byte(nd.ID))})
	})
	sort.Slice(all, func(i, j int) bool {
		return lessDistance(all[i].dist, all[j].dist)
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]DhtNode, n)
	for i := 0; i < n; i++ {
		out[i] = *all[i].node
	}
	return out
}

func lessDistance(a, b [20]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// eachLocked visits every tracked node across far and near.
func (t *Table) eachLocked(fn func(*DhtNode)) {
	for i := range t.far {
		for _, nd := range t.far[i].nodes {
			fn(nd)
		}
	}
	for _, nd := range t.near.nodes {
		fn(nd)
	}
}

// NeedsPing returns the ids of nodes that have gone unseen for longer than
// Config.PingInterval and should be freshened.
func (t *Table) NeedsPing(now time.Time) []kademlia.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var due []kademlia.NodeId
	t.eachLocked(func(n *DhtNode) {
		if now.Sub(n.LastSeen) >= t.cfg.PingInterval {
			due = append(due, n.ID)
		}
	})
	return due
}

// Good returns up to n nodes currently in Good standing, used to seed
// get_peers/find_node fan-out targets.
func (t *Table) Good(n int) []DhtNode {
	return t.filter(n, func(nd *DhtNode) bool { return nd.Status(t.cfg) == StatusGood })
}

// Random returns up to n nodes drawn uniformly at random from the whole
// table, regardless of status, used to diversify find_node discovery walks.
func (t *Table) Random(n int) []DhtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []DhtNode
	seen := 0
	t.eachLocked(func(nd *DhtNode) {
		seen++
		if len(out) < n {
			out = append(out, *nd)
		} else if j := rand.Intn(seen); j < n {
			out[j] = *nd
		}
	})
	return out
}

func (t *Table) filter(n int, keep func(*DhtNode) bool) []DhtNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []DhtNode
	t.eachLocked(func(nd *DhtNode) {
		if len(out) >= n || !keep(nd) {
			return
		}
		out = append(out, *nd)
	})
	return out
}

// Len returns the total number of contacts held across all buckets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Evict removes a node outright, used when the caller has already decided
// the node is unreachable (e.g. MaxConsecutiveTimeouts was exceeded).
func (t *Table) Evict(id kademlia.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexFor(id)
	b := t.locateLocked(idx)
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			t.count--
			return true
		}
	}
	return false
}
