// Package peerstore caches, per infohash, the set of peer endpoints learned
// from get_peers replies and announce_peer requests: an LRU-of-infohashes-
// over-bounded-contact-sets shape built on groupcache/lru, storing typed
// kademlia.Endpoint values. Peer rotation uses a plain round-robin index
// rather than container/ring, since this crawler only ever reads a handful
// of contacts per worker dispatch rather than serving a live swarm.
package peerstore

import (
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

// contactSet is the per-infohash peer cache: a small ordered, deduplicated
// list of endpoints with a rotating read cursor so repeated Contacts calls
// fan out across the known set instead of always returning the same peers
// first.
type contactSet struct {
	mu       sync.Mutex
	order    []kademlia.Endpoint
	index    map[string]int
	cursor   int
	maxPeers int
}

func newContactSet(maxPeers int) *contactSet {
	return &contactSet{index: make(map[string]int), maxPeers: maxPeers}
}

func (c *contactSet) add(ep kademlia.Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ep.String()
	if _, ok := c.index[key]; ok {
		return false
	}
	if len(c.order) >= c.maxPeers {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.index, oldest.String())
		for k := range c.index {
			c.index[k]--
		}
	}
	c.order = append(c.order, ep)
	c.index[key] = len(c.order) - 1
	return true
}

func (c *contactSet) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// next returns up to n endpoints, rotating the read cursor so a caller that
// polls repeatedly sees every known peer eventually.
func (c *contactSet) next(n int) []kademlia.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	if n > len(c.order) {
		n = len(c.order)
	}
	out := make([]kademlia.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.order[(c.cursor+i)%len(c.order)])
	}
	c.cursor = (c.cursor + n) % len(c.order)
	return out
}

// Store is the LRU-capped peer cache for the whole crawler: one contactSet
// per infohash, oldest infohash evicted once MaxInfoHashes is exceeded, each
// contact set itself capped at MaxInfoHashPeers.
type Store struct {
	mu               sync.Mutex
	cache            *lru.Cache
	maxInfoHashPeers int
}

// New builds a Store. maxInfoHashes bounds the number of distinct torrents
// tracked; maxInfoHashPeers bounds the peer set kept per torrent.
func New(maxInfoHashes, maxInfoHashPeers int) *Store {
	return &Store{
		cache:            lru.New(maxInfoHashes),
		maxInfoHashPeers: maxInfoHashPeers,
	}
}

func (s *Store) setFor(ih kademlia.InfoHash, create bool) *contactSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ih.String()
	if v, ok := s.cache.Get(key); ok {
		return v.(*contactSet)
	}
	if !create {
		return nil
	}
	cs := newContactSet(s.maxInfoHashPeers)
	s.cache.Add(key, cs)
	return cs
}

// AddContact records a peer endpoint as announced/discovered for ih. It
// reports whether the endpoint was new to the set.
func (s *Store) AddContact(ih kademlia.InfoHash, ep kademlia.Endpoint) bool {
	return s.setFor(ih, true).add(ep)
}

// Count returns the number of distinct peer endpoints cached for ih.
func (s *Store) Count(ih kademlia.InfoHash) int {
	cs := s.setFor(ih, false)
	if cs == nil {
		return 0
	}
	return cs.size()
}

// Contacts returns up to n cached peer endpoints for ih, rotating across
// calls so a worker pool dispatching many sessions spreads load across the
// known swarm instead of hammering the same few peers.
func (s *Store) Contacts(ih kademlia.InfoHash, n int) []kademlia.Endpoint {
	cs := s.setFor(ih, false)
	if cs == nil {
		return nil
	}
	return cs.next(n)
}

// Len returns the number of distinct infohashes currently cached.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
