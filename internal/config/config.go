// Package config carries every tunable the crawler needs: a plain struct
// with sensible defaults, registered as command-line flags by the
// operational bootstrap (cmd/dht-crawler), never read directly by core
// components.
package config

import (
	"flag"
	"time"
)

// Config holds every core tunable. Build one with New and mutate it before
// passing it to the engine; after construction it should be treated as
// read-only.
type Config struct {
	// ListenAddress/ListenPort bind the DHT UDP socket. The crawler opens no
	// TCP listener; metadata sessions are outgoing connections only.
	ListenAddress string
	ListenPort    int

	// Workers is the fixed size of the metadata worker pool (C4).
	Workers int

	// BurstLimit/BurstWindow bound the DHT Engine's outgoing query burst
	// (C2 rate limiter). QueriesPerSecond is settable by flag but is not
	// passed to the limiter, whose steady rate comes from BaseRate/MaxRate.
	QueriesPerSecond int
	BurstLimit       int
	BurstWindow      time.Duration

	// BaseRate/MaxRate bound the adaptive rate limiter's step range.
	BaseRate int
	MaxRate  int
	// SuccessThreshold is the peers-per-query fraction above which the
	// sampler steps the rate up, and half of which it steps back down.
	SuccessThreshold float64

	// RoutingMaxNodes is the hard cap on the routing table (C1).
	RoutingMaxNodes int
	// GoodThreshold/BadThreshold classify a DhtNode's rolling quality.
	GoodThreshold float64
	BadThreshold  float64
	// PingInterval/EvictionDelay/NodeExpiry tune routing-table upkeep.
	PingInterval  time.Duration
	EvictionDelay time.Duration
	NodeExpiry    time.Duration
	// MaxConsecutiveTimeouts marks a node evictable once this many
	// outstanding queries in a row go unanswered.
	MaxConsecutiveTimeouts int

	// PieceSize is fixed by the ut_metadata sub-protocol (16 KiB).
	PieceSize int
	// PieceTimeout bounds how long a REQUESTED piece waits before
	// expiring (C5).
	PieceTimeout time.Duration

	// SessionTimeout bounds one worker's total metadata fetch attempt.
	SessionTimeout time.Duration
	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the BitTorrent + extension handshake.
	HandshakeTimeout time.Duration
	// PeerWaitTimeout describes how long a worker waits for a fresh
	// get_peers reply when it has no cached peers for an infohash. No
	// component reads it; the metadata pool uses a fixed 10s wait.
	PeerWaitTimeout time.Duration

	// MaxConcurrentPieceRequests is the in-flight piece-request batch
	// size per session (default 3).
	MaxConcurrentPieceRequests int
	// MaxRetryAttempts bounds per-piece retries with exponential backoff.
	MaxRetryAttempts int
	// RetryBaseDelay/RetryMultiplier parametrize that backoff.
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	MaxInFlightBytes int

	// PeerFailureLimit/PeerBlacklistTTL are carried with defaults but read
	// by no component: peer endpoints are never blacklisted after repeated
	// failures.
	PeerFailureLimit int
	PeerBlacklistTTL time.Duration

	// InfoHashRetryBackoff is carried with a default but read by no
	// component: an infohash whose metadata fetch failed is not held back
	// from a later retry.
	InfoHashRetryBackoff time.Duration

	// MaxInfoHashes/MaxInfoHashPeers bound the peer-store LRU.
	MaxInfoHashes    int
	MaxInfoHashPeers int

	// BootstrapNodes is the initial DHT contact list.
	BootstrapNodes []string
	// BootstrapTimeout bounds how long the engine's Run waits for the first
	// bootstrap response before proceeding regardless.
	BootstrapTimeout time.Duration

	// EnableSampleInfohashes turns on BEP51 sample_infohashes sampling;
	// disabled by --no-bep51.
	EnableSampleInfohashes bool
	// MaxDHTQueries caps the total number of outgoing DHT queries for the
	// whole run, 0 meaning unbounded (--queries N on the CLI).
	MaxDHTQueries int
	// Sequential makes each metadata session request one piece at a time
	// instead of in batches (--sequential on the CLI).
	Sequential bool

	// noBEP51 backs the --no-bep51 flag, which negates EnableSampleInfohashes.
	// Finalize must be called after flag.Parse to apply it.
	noBEP51 bool
}

// New returns a Config populated with the crawler's default values.
func New() *Config {
	return &Config{
		ListenAddress: "",
		ListenPort:    6881,

		Workers: 10,

		QueriesPerSecond: 10,
		BurstLimit:       50,
		BurstWindow:      5 * time.Second,

		BaseRate:         5,
		MaxRate:          20,
		SuccessThreshold: 0.1,

		RoutingMaxNodes: 8000,
		GoodThreshold:   0.8,
		BadThreshold:    0.3,
		PingInterval:    5 * time.Minute,
		EvictionDelay:   5 * time.Minute,
		NodeExpiry:      5 * time.Minute,

		MaxConsecutiveTimeouts: 3,

		PieceSize:    16384,
		PieceTimeout: 30 * time.Second,

		SessionTimeout:   2 * time.Minute,
		ConnectTimeout:   30 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		PeerWaitTimeout:  10 * time.Second,

		MaxConcurrentPieceRequests: 3,
		MaxRetryAttempts:           3,
		RetryBaseDelay:             1 * time.Second,
		RetryMultiplier:            2.0,

		PeerFailureLimit: 5,
		PeerBlacklistTTL: 15 * time.Minute,

		InfoHashRetryBackoff: 10 * time.Minute,

		MaxInfoHashes:    2048,
		MaxInfoHashPeers: 256,

		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
		BootstrapTimeout: 30 * time.Second,

		EnableSampleInfohashes: true,
	}
}

// Default is the package-level singleton used when a nil Config is passed,
// holding the values from New.
var Default = New()

// RegisterFlags wires c's fields as command-line flags. If c is nil, Default
// is used, per RegisterFlags(c *Config) convention.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	if c == nil {
		c = Default
	}
	fs.StringVar(&c.ListenAddress, "server", c.ListenAddress, "IP address to bind the DHT/metadata sockets to.")
	fs.IntVar(&c.ListenPort, "port", c.ListenPort, "UDP/TCP port to listen on.")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of metadata fetch workers.")
	fs.IntVar(&c.QueriesPerSecond, "queries-per-sec", c.QueriesPerSecond, "Steady-state DHT query rate (currently not applied; the limiter uses its base/max rates).")
	fs.IntVar(&c.MaxDHTQueries, "queries", c.MaxDHTQueries, "Cap the total number of DHT queries for this run (0 = unbounded).")
	fs.BoolVar(&c.noBEP51, "no-bep51", !c.EnableSampleInfohashes, "Disable BEP51 sample_infohashes sampling.")
	fs.BoolVar(&c.Sequential, "sequential", c.Sequential, "Fetch metadata pieces one at a time instead of in concurrent batches.")
}

// Finalize applies flags whose meaning is a negation of a Config field
// (currently just --no-bep51) after fs.Parse has run; RegisterFlags cannot
// do this itself since the flag hasn't been parsed yet at registration time.
func (c *Config) Finalize() {
	if c.noBEP51 {
		c.EnableSampleInfohashes = false
	}
}
