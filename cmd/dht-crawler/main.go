// Command dht-crawler is the operational bootstrap: it wires the five core
// components together, parses the CLI surface, installs signal-driven
// graceful shutdown, and exits non-zero only on a ConfigurationError or an
// unrecoverable engine failure. None of this file belongs to the core; it
// turns a one-shot flag.Parse-then-os.Exit(1) demo into a long-running
// daemon.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kademux/dhtcrawler/internal/config"
	"github.com/kademux/dhtcrawler/internal/dhtengine"
	"github.com/kademux/dhtcrawler/internal/intake"
	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/metadata"
	"github.com/kademux/dhtcrawler/internal/peerstore"
	"github.com/kademux/dhtcrawler/internal/ratelimit"
	"github.com/kademux/dhtcrawler/internal/routing"
	"github.com/kademux/dhtcrawler/internal/sink"
	"github.com/kademux/dhtcrawler/internal/xlog"
)

// persistence flags are accepted CLI surface but never
// read by the core: the relational Sink backing them is an external
// collaborator this module does not implement.
var (
	flagUser     = flag.String("user", "", "Database user (persistence is out of core scope; accepted for CLI compatibility).")
	flagPassword = flag.String("password", "", "Database password (accepted for CLI compatibility).")
	flagDatabase = flag.String("database", "", "Database name (accepted for CLI compatibility).")
	flagMetadata = flag.String("metadata", "", "Comma-separated infohashes, or @path to a file of one hex infohash per line; when set, skips discovery and fetches only these.")
	flagVerbose  = flag.Bool("v", false, "Enable debug-level logging.")
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.New()
	config.RegisterFlags(flag.CommandLine, cfg)
	flag.Parse()
	cfg.Finalize()

	log := xlog.NewLogrus(newLogrus(*flagVerbose))

	hashes, err := parseMetadataFlag(*flagMetadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dht-crawler: --metadata: %v\n", err)
		return 1
	}

	own, err := randomNodeID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dht-crawler: generating node id: %v\n", err)
		return 1
	}

	table := routing.New(own, routing.Config{
		K:                      routing.DefaultK,
		MaxNodes:               cfg.RoutingMaxNodes,
		GoodThreshold:          cfg.GoodThreshold,
		BadThreshold:           cfg.BadThreshold,
		PingInterval:           cfg.PingInterval,
		EvictionDelay:          cfg.EvictionDelay,
		NodeExpiry:             cfg.NodeExpiry,
		MaxConsecutiveTimeouts: cfg.MaxConsecutiveTimeouts,
	})
	limiter := ratelimit.New(ratelimit.Config{
		BaseRate:         cfg.BaseRate,
		MaxRate:          cfg.MaxRate,
		SuccessThreshold: cfg.SuccessThreshold,
		BurstLimit:       cfg.BurstLimit,
		BurstWindow:      cfg.BurstWindow,
	})
	peers := peerstore.New(cfg.MaxInfoHashes, cfg.MaxInfoHashPeers)
	sk := sink.Sink(sink.NewLogSink(log))

	sessionCfg := metadata.Config{
		ConnectTimeout:             cfg.ConnectTimeout,
		HandshakeTimeout:           cfg.HandshakeTimeout,
		SessionTimeout:             cfg.SessionTimeout,
		PieceTimeout:               cfg.PieceTimeout,
		MaxConcurrentPieceRequests: cfg.MaxConcurrentPieceRequests,
		MaxRetryAttempts:           cfg.MaxRetryAttempts,
		RetryBaseDelay:             cfg.RetryBaseDelay,
		RetryMultiplier:            cfg.RetryMultiplier,
		Sequential:                 cfg.Sequential,
	}

	engine := dhtengine.New(dhtengine.Config{
		ListenAddress:          cfg.ListenAddress,
		ListenPort:             cfg.ListenPort,
		BootstrapNodes:         cfg.BootstrapNodes,
		BootstrapTimeout:       cfg.BootstrapTimeout,
		EnableSampleInfohashes: cfg.EnableSampleInfohashes,
		MaxDHTQueries:          cfg.MaxDHTQueries,
	}, own, table, limiter, peers, nil, log)

	pool := metadata.New(sessionCfg, cfg.Workers, engine, metadata.NewNetDialer(), sk, log)

	// intake.New needs the pool as its Enqueuer, and the engine needs the
	// intake to observe incoming traffic — wire the latter in after both
	// exist rather than threading one more constructor parameter through.
	in := intake.New(intake.Config{MaxSeen: cfg.MaxInfoHashes}, peers, pool, sk)
	engine.SetIntake(in)

	shutdown, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel, log)

	if len(hashes) > 0 {
		return runMetadataOnly(shutdown, hashes, pool, sk, log)
	}
	return runDaemon(shutdown, engine, pool, sk, log)
}

// runMetadataOnly implements --metadata: skip discovery, enqueue exactly the
// listed infohashes with SourceManual priority, and exit once the pool has
// drained (or the context is cancelled)
func runMetadataOnly(ctx context.Context, hashes []kademlia.InfoHash, pool *metadata.Pool, sk sink.Sink, log xlog.Logger) int {
	for _, ih := range hashes {
		pool.Enqueue(ih, sink.SourceManual)
	}

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// The pool has nothing feeding it once the requested hashes are
	// enqueued, so poll until it drains and close it ourselves: Run's
	// dequeue loop only stops on ctx cancellation or an explicit Close.
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if pool.Pending() == 0 && pool.InFlight() == 0 {
					pool.Close()
					return
				}
			}
		}
	}()

	<-done
	flushOnce(sk, log)
	return 0
}

// runDaemon implements the long-running crawl: the DHT Engine's reactor and
// the Metadata Worker Pool run concurrently until shutdown is signalled by
// SIGINT/SIGTERM; reaching --queries N only stops new DHT queries. Per shutdown
// sequence, the pool stops accepting new work immediately but lets each
// worker finish its current session; the engine itself is kept alive on a
// separate context so it keeps serving in-flight replies until the pool has
// fully drained, only then does it stop and the Sink flush exactly once.
func runDaemon(shutdown context.Context, engine *dhtengine.Engine, pool *metadata.Pool, sk sink.Sink, log xlog.Logger) int {
	if err := engine.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "dht-crawler: listen: %v\n", err)
		return 1
	}
	log.Infof("listening on %s", engine.LocalAddr())

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(engineCtx); err != nil && err != context.Canceled {
			log.Errorf("engine stopped: %v", err)
		}
	}()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(shutdown)
		close(poolDone)
	}()

	<-shutdown.Done()
	log.Infof("shutting down: waiting for in-flight metadata sessions to finish")
	<-poolDone

	stopEngine()
	<-engineDone

	flushOnce(sk, log)
	log.Infof("shutdown complete: %d queries issued", engine.QueryCount())
	return 0
}

var flushOnceGuard sync.Once

// flushOnce flushes the Sink exactly once per process lifetime, regardless
// of which exit path (daemon or --metadata-only) calls it.
func flushOnce(sk sink.Sink, log xlog.Logger) {
	flushOnceGuard.Do(func() {
		if err := sk.Flush(); err != nil {
			log.Errorf("flush: %v", err)
		}
	})
}

// installSignalHandler cancels ctx on SIGINT/SIGTERM, initiating the
// graceful-shutdown path in runDaemon/runMetadataOnly.
func installSignalHandler(cancel context.CancelFunc, log xlog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Infof("received %v, shutting down", sig)
		cancel()
	}()
}

func randomNodeID() (kademlia.NodeId, error) {
	var id kademlia.NodeId
	_, err := rand.Read(id[:])
	return id, err
}

// parseMetadataFlag implements --metadata HASHES|FILE: a comma-separated
// list of hex infohashes, or @path to a file with one per line.
func parseMetadataFlag(v string) ([]kademlia.InfoHash, error) {
	if v == "" {
		return nil, nil
	}
	var lines []string
	if strings.HasPrefix(v, "@") {
		data, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", v[1:], err)
		}
		lines = strings.Split(string(data), "\n")
	} else {
		lines = strings.Split(v, ",")
	}

	var out []kademlia.InfoHash
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ih, err := kademlia.DecodeInfoHash(line)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", line, err)
		}
		out = append(out, ih)
	}
	return out, nil
}

func newLogrus(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
