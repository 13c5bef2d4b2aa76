// Package dhtengine implements the DHT Engine (component C2): a UDP KRPC
// reactor that bootstraps against the well-known Mainline DHT routers,
// answers incoming queries, drives an adaptive-rate outgoing sampler
// (sample_infohashes, get_peers, and random find_node), and feeds every
// infohash/peer observation to the Intake. It is a single select-based
// reactor reading from a socket goroutine through a channel, with a
// ticker-paced sampler gated by a lazily refilled token bucket, built on the
// typed internal/krpc codec, internal/routing table, and internal/ratelimit limiter; decoded packets
// flow through a plain channel rather than a pooled buffer arena, since this
// crawler's query volume never approaches the scale that would justify one.
package dhtengine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kademux/dhtcrawler/internal/intake"
	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/krpc"
	"github.com/kademux/dhtcrawler/internal/peerstore"
	"github.com/kademux/dhtcrawler/internal/ratelimit"
	"github.com/kademux/dhtcrawler/internal/routing"
	"github.com/kademux/dhtcrawler/internal/sink"
	"github.com/kademux/dhtcrawler/internal/xlog"
)

// Config parametrizes an Engine; see config.Config for field documentation.
type Config struct {
	ListenAddress string
	ListenPort    int

	BootstrapNodes   []string
	BootstrapTimeout time.Duration

	TransactionTimeout time.Duration // default 5s

	EnableSampleInfohashes bool
	MaxDHTQueries          int // 0 = unbounded

	SampleNodesPerCycle int // how many Good nodes to sample_infohashes per tick, default 10
	PriorityPeerMin     int // peers-seen threshold that makes an infohash "priority", default 3
	PriorityRecency     time.Duration // default 10m
}

// packet is one decoded incoming UDP datagram, a plain value since this
// crawler's packet rate never justifies pooling.
type packet struct {
	from net.Addr
	env  krpc.Envelope
}

// transaction is one outstanding query, keyed by its KRPC transaction id.
type transaction struct {
	kind     string
	target   kademlia.NodeId
	infoHash kademlia.InfoHash
	deadline time.Time
	notify   chan struct{} // closed on reply, for callers awaiting a specific answer (e.g. bootstrap)
}

// Engine is the DHT Engine (C2). Build one with New and run it with Run.
type Engine struct {
	cfg  Config
	own  kademlia.NodeId
	conn net.PacketConn

	table   *routing.Table
	limiter *ratelimit.Limiter
	peers   *peerstore.Store
	intake  *intake.Intake
	log     xlog.Logger

	mu       sync.Mutex
	txns     map[string]transaction
	nextTxn  uint64
	seen     map[kademlia.InfoHash]*ihStat
	queries  int64
	announce sync.Map // kademlia.InfoHash -> chan struct{} closed when a peer reply arrives

	wg        sync.WaitGroup
	closeOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

func (e *Engine) markStopped() {
	e.stopOnce.Do(func() { close(e.stopped) })
}

// ihStat tracks the bookkeeping the sampler needs to prefer "priority"
// infohashes for follow-up get_peers queries: those
// observed with >=3 peers, or observed in the last 10 minutes.
type ihStat struct {
	peerCount int
	lastSeen  time.Time
}

// New builds an Engine. table, limiter, peers and in must already be
// constructed; New only wires them together.
func New(cfg Config, own kademlia.NodeId, table *routing.Table, limiter *ratelimit.Limiter, peers *peerstore.Store, in *intake.Intake, log xlog.Logger) *Engine {
	if cfg.TransactionTimeout == 0 {
		cfg.TransactionTimeout = 5 * time.Second
	}
	if cfg.SampleNodesPerCycle == 0 {
		cfg.SampleNodesPerCycle = 10
	}
	if cfg.PriorityPeerMin == 0 {
		cfg.PriorityPeerMin = 3
	}
	if cfg.PriorityRecency == 0 {
		cfg.PriorityRecency = 10 * time.Minute
	}
	if log == nil {
		log = xlog.NullLogger{}
	}
	return &Engine{
		cfg:     cfg,
		own:     own,
		table:   table,
		limiter: limiter,
		peers:   peers,
		intake:  in,
		log:     log,
		txns:    make(map[string]transaction),
		seen:    make(map[kademlia.InfoHash]*ihStat),
		stopped: make(chan struct{}),
	}
}

// SetIntake wires the intake observer after construction, for callers that
// must build the Metadata Worker Pool (the intake's Enqueuer) from the
// Engine itself (its PeerSource) and so cannot supply one at New time. It
// must be called before Listen/Run; the engine does not touch intake
// concurrently until then.
func (e *Engine) SetIntake(in *intake.Intake) {
	e.intake = in
}

// Listen opens the UDP socket. It must be called before Run.
func (e *Engine) Listen() error {
	addr := fmt.Sprintf("%s:%d", e.cfg.ListenAddress, e.cfg.ListenPort)
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dhtengine: listen %s: %w", addr, err)
	}
	e.conn = conn
	return nil
}

// LocalAddr returns the bound socket address, useful when ListenPort was 0.
func (e *Engine) LocalAddr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Run drives the reactor until ctx is cancelled or Stop is called: a read
// goroutine decodes incoming datagrams onto a channel; Run's select loop
// dispatches them, sweeps expired transactions, and paces the outgoing
// sampler.
func (e *Engine) Run(ctx context.Context) error {
	if e.conn == nil {
		if err := e.Listen(); err != nil {
			return err
		}
	}
	defer e.conn.Close()

	pkts := make(chan packet, 64)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readLoop(pkts)
	}()

	e.bootstrap(ctx)

	sampleTicker := time.NewTicker(100 * time.Millisecond)
	defer sampleTicker.Stop()
	sweepTicker := time.NewTicker(time.Second)
	defer sweepTicker.Stop()
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Close()
			e.wg.Wait()
			e.markStopped()
			return ctx.Err()
		case p, ok := <-pkts:
			if !ok {
				e.wg.Wait()
				e.markStopped()
				return nil
			}
			e.handlePacket(p)
		case <-sampleTicker.C:
			e.sampleOnce(ctx)
		case <-sweepTicker.C:
			e.sweepTransactions()
		case <-pingTicker.C:
			e.pingStale()
		}
	}
}

// pingStale refreshes routing-table entries that have gone quiet for
// longer than their bucket's ping interval.
func (e *Engine) pingStale() {
	for _, id := range e.table.NeedsPing(time.Now()) {
		if n, ok := e.table.Get(id); ok {
			e.sendPing(n.Addr, n.ID)
		}
	}
}

// Stop requests the reactor shut down; Run returns once the read goroutine
// drains.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			e.conn.Close()
		}
	})
}

func (e *Engine) readLoop(out chan<- packet) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		env, err := krpc.Decode(buf[:n])
		if err != nil {
			e.log.Debugf("dhtengine: dropping malformed packet from %s: %v", from, err)
			continue
		}
		select {
		case out <- packet{from: from, env: env}:
		default:
			e.log.Debugf("dhtengine: packet channel full, dropping from %s", from)
		}
	}
}

// bootstrap resolves the well-known routers and sends find_node(own) to
// each, waiting up to BootstrapTimeout for the first response before
// continuing regardless.
func (e *Engine) bootstrap(ctx context.Context) {
	if len(e.cfg.BootstrapNodes) == 0 {
		return
	}
	var notifies []chan struct{}
	for _, addr := range e.cfg.BootstrapNodes {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			e.log.Errorf("dhtengine: bootstrap resolve %s: %v", addr, err)
			continue
		}
		ep := kademlia.Endpoint{IP: udpAddr.IP, Port: udpAddr.Port}
		notify := make(chan struct{})
		if err := e.sendFindNode(ep, e.own, notify); err == nil {
			notifies = append(notifies, notify)
		}
	}
	if len(notifies) == 0 {
		e.log.Errorf("dhtengine: no bootstrap node could be resolved, continuing with an empty routing table")
		return
	}

	any := make(chan struct{}, 1)
	for _, n := range notifies {
		go func(n chan struct{}) {
			<-n
			select {
			case any <- struct{}{}:
			default:
			}
		}(n)
	}
	select {
	case <-any:
	case <-time.After(e.cfg.BootstrapTimeout):
		e.log.Infof("dhtengine: bootstrap timed out waiting for a first response")
	case <-ctx.Done():
	}
}

func (e *Engine) nextTransactionID() string {
	e.mu.Lock()
	e.nextTxn++
	id := e.nextTxn
	e.mu.Unlock()
	return fmt.Sprintf("%08x", id)
}

// send bencodes and writes a KRPC query, recording a transaction entry so
// the reply (or its timeout) can be matched back to target/kind. notify, if
// non-nil, is closed exactly once: by handleReply on a matching reply, or by
// sweepTransactions on timeout.
func (e *Engine) send(to kademlia.Endpoint, kind string, args map[string]interface{}, target kademlia.NodeId, ih kademlia.InfoHash, notify chan struct{}) error {
	if !e.limiter.Allow() {
		return fmt.Errorf("dhtengine: rate limited")
	}
	t := e.nextTransactionID()
	msg := krpc.Query{T: t, Y: krpc.YQuery, Q: kind, A: args}
	b, err := krpc.Encode(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.cfg.MaxDHTQueries > 0 && e.queries >= int64(e.cfg.MaxDHTQueries) {
		e.mu.Unlock()
		return fmt.Errorf("dhtengine: query cap reached")
	}
	e.txns[t] = transaction{kind: kind, target: target, infoHash: ih, deadline: time.Now().Add(e.cfg.TransactionTimeout), notify: notify}
	e.queries++
	e.mu.Unlock()

	udpAddr := &net.UDPAddr{IP: to.IP, Port: to.Port}
	_, err = e.conn.WriteTo(b, udpAddr)
	return err
}

func (e *Engine) sendPing(to kademlia.Endpoint, target kademlia.NodeId) error {
	return e.send(to, krpc.QPing, map[string]interface{}{"id": string(e.own[:])}, target, kademlia.InfoHash{}, nil)
}

func (e *Engine) sendFindNode(to kademlia.Endpoint, target kademlia.NodeId, notify chan struct{}) error {
	return e.send(to, krpc.QFindNode, map[string]interface{}{
		"id":     string(e.own[:]),
		"target": string(target[:]),
	}, target, kademlia.InfoHash{}, notify)
}

func (e *Engine) sendGetPeers(to kademlia.Endpoint, ih kademlia.InfoHash) error {
	return e.send(to, krpc.QGetPeers, map[string]interface{}{
		"id":        string(e.own[:]),
		"info_hash": string(ih[:]),
	}, kademlia.NodeId{}, ih, nil)
}

func (e *Engine) sendSampleInfohashes(to kademlia.Endpoint, target kademlia.NodeId) error {
	return e.send(to, krpc.QSampleInfohashes, map[string]interface{}{
		"id":     string(e.own[:]),
		"target": string(target[:]),
	}, target, kademlia.InfoHash{}, nil)
}

// handlePacket dispatches one decoded datagram: incoming queries are
// answered and observed into Intake; incoming replies are matched against
// the transaction table and folded into the routing table / peer store /
// Intake as appropriate.
func (e *Engine) handlePacket(p packet) {
	env := p.env
	ep, ok := endpointOf(p.from)
	if !ok {
		return
	}
	switch env.Y {
	case krpc.YQuery:
		e.handleQuery(env, ep)
	case krpc.YResponse:
		e.handleReply(env, ep)
	case krpc.YError:
		e.handleError(env, ep)
	}
}

func endpointOf(addr net.Addr) (kademlia.Endpoint, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return kademlia.Endpoint{}, false
	}
	return kademlia.Endpoint{IP: udpAddr.IP, Port: udpAddr.Port}, true
}

func (e *Engine) handleQuery(env krpc.Envelope, from kademlia.Endpoint) {
	idStr, _ := krpc.StringArg(env.A, "id")
	var remoteID kademlia.NodeId
	copy(remoteID[:], idStr)
	e.table.Insert(routing.DhtNode{ID: remoteID, Addr: from, LastSeen: time.Now()})

	switch env.Q {
	case krpc.QPing:
		e.reply(env.T, from, map[string]interface{}{"id": string(e.own[:])})
	case krpc.QFindNode:
		targetStr, _ := krpc.StringArg(env.A, "target")
		var target kademlia.InfoHash
		copy(target[:], targetStr)
		nodes := e.compactClosestNodes(target)
		e.reply(env.T, from, map[string]interface{}{"id": string(e.own[:]), "nodes": nodes})
	case krpc.QGetPeers:
		ihStr, _ := krpc.StringArg(env.A, "info_hash")
		var ih kademlia.InfoHash
		copy(ih[:], ihStr)
		e.intake.Observe(ih, sink.SourceIncomingQuery, kademlia.Endpoint{})
		nodes := e.compactClosestNodes(ih)
		e.reply(env.T, from, map[string]interface{}{"id": string(e.own[:]), "token": "dc", "nodes": nodes})
	case krpc.QAnnouncePeer:
		ihStr, _ := krpc.StringArg(env.A, "info_hash")
		var ih kademlia.InfoHash
		copy(ih[:], ihStr)
		port, _ := krpc.IntArg(env.A, "port")
		peerEp := kademlia.Endpoint{IP: from.IP, Port: port}
		e.intake.Observe(ih, sink.SourceDHTAnnounce, peerEp)
		e.reply(env.T, from, map[string]interface{}{"id": string(e.own[:])})
	case krpc.QSampleInfohashes:
		nodes := e.compactClosestNodes(remoteID.AsInfoHash())
		e.reply(env.T, from, map[string]interface{}{"id": string(e.own[:]), "samples": "", "num": 0, "nodes": nodes})
	}
}

// compactClosestNodes encodes the routing table's closest-to-target nodes
// in BEP5 compact form for a find_node/get_peers/sample_infohashes reply,
// dropping any without a usable IPv4 endpoint (we carry no compact v6
// format). Encoding failure degenerates to an empty nodes string rather
// than failing the whole reply.
func (e *Engine) compactClosestNodes(target kademlia.InfoHash) string {
	closest := e.table.Closest(target, 8)
	ids := make([][]byte, 0, len(closest))
	addrs := make([][]byte, 0, len(closest))
	for _, n := range closest {
		if n.Addr.IP == nil || n.Addr.IP.To4() == nil {
			continue
		}
		id := n.ID
		ids = append(ids, id[:])
		addrs = append(addrs, n.Addr.CompactV4())
	}
	nodes, err := krpc.EncodeCompactNodesV4(ids, addrs)
	if err != nil {
		return ""
	}
	return nodes
}

func (e *Engine) reply(t string, to kademlia.Endpoint, r map[string]interface{}) {
	msg := krpc.Reply{T: t, Y: krpc.YResponse, R: r}
	b, err := krpc.Encode(msg)
	if err != nil {
		return
	}
	udpAddr := &net.UDPAddr{IP: to.IP, Port: to.Port}
	e.conn.WriteTo(b, udpAddr)
}

func (e *Engine) handleReply(env krpc.Envelope, from kademlia.Endpoint) {
	e.mu.Lock()
	txn, ok := e.txns[env.T]
	if ok {
		delete(e.txns, env.T)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if txn.notify != nil {
		close(txn.notify)
	}

	idStr, _ := krpc.StringArg(env.R, "id")
	var remoteID kademlia.NodeId
	copy(remoteID[:], idStr)
	if remoteID == (kademlia.NodeId{}) {
		remoteID = txn.target
	}
	e.table.Insert(routing.DhtNode{ID: remoteID, Addr: from, LastSeen: time.Now()})
	e.table.MarkResponse(remoteID, time.Now())

	switch txn.kind {
	case krpc.QGetPeers:
		gotPeer := false
		if values, ok := krpc.ListArg(env.R, "values"); ok {
			for _, v := range values {
				s, ok := v.(string)
				if !ok || len(s) != 6 {
					continue
				}
				peerEp, err := kademlia.DecodeCompactV4([]byte(s))
				if err != nil {
					continue
				}
				e.intake.Observe(txn.infoHash, sink.SourceDHTPeers, peerEp)
				gotPeer = true
			}
		}
		e.limiter.RecordOutcome(gotPeer)
		e.noteObservation(txn.infoHash, gotPeer)
		if gotPeer {
			if ch, ok := e.announce.Load(txn.infoHash); ok {
				close(ch.(chan struct{}))
				e.announce.Delete(txn.infoHash)
			}
		}
	case krpc.QSampleInfohashes:
		e.limiter.RecordOutcome(false)
		if samplesStr, ok := krpc.StringArg(env.R, "samples"); ok {
			samples, err := krpc.ParseSamples(samplesStr)
			if err == nil {
				for _, s := range samples {
					var ih kademlia.InfoHash
					copy(ih[:], s)
					e.intake.Observe(ih, sink.SourceBEP51, kademlia.Endpoint{})
					e.noteObservation(ih, false)
				}
			}
		}
	default:
		e.limiter.RecordOutcome(false)
	}
}

func (e *Engine) handleError(env krpc.Envelope, from kademlia.Endpoint) {
	e.mu.Lock()
	_, ok := e.txns[env.T]
	if ok {
		delete(e.txns, env.T)
	}
	e.mu.Unlock()
	if ok {
		e.log.Debugf("dhtengine: error reply from %s: %v", from, env.E)
	}
}

// noteObservation updates the sampler's priority bookkeeping for ih.
func (e *Engine) noteObservation(ih kademlia.InfoHash, gotPeer bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.seen[ih]
	if !ok {
		st = &ihStat{}
		e.seen[ih] = st
	}
	if gotPeer {
		st.peerCount++
	}
	st.lastSeen = time.Now()
}

// priorityInfoHash returns one infohash worth a follow-up get_peers: seen
// with >=PriorityPeerMin peers, or within PriorityRecency.
func (e *Engine) priorityInfoHash() (kademlia.InfoHash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for ih, st := range e.seen {
		if st.peerCount >= e.cfg.PriorityPeerMin || now.Sub(st.lastSeen) <= e.cfg.PriorityRecency {
			return ih, true
		}
	}
	return kademlia.InfoHash{}, false
}

// sampleOnce issues a small batch of outgoing queries in preference order:
// sample_infohashes against Good nodes first, then get_peers on a priority
// infohash, otherwise a find_node for a random target sent to a random
// known node, each gated by the rate limiter (which silently drops excess
// attempts rather than queuing them). No get_peers query is issued for a
// random target.
func (e *Engine) sampleOnce(ctx context.Context) {
	if e.cfg.MaxDHTQueries > 0 {
		e.mu.Lock()
		over := e.queries >= int64(e.cfg.MaxDHTQueries)
		e.mu.Unlock()
		if over {
			return
		}
	}

	if e.cfg.EnableSampleInfohashes {
		for _, n := range e.table.Good(e.cfg.SampleNodesPerCycle) {
			e.sendSampleInfohashes(n.Addr, n.ID)
		}
	}

	if ih, ok := e.priorityInfoHash(); ok {
		for _, n := range e.table.Good(3) {
			e.sendGetPeers(n.Addr, ih)
		}
		return
	}

	target, err := randomNodeId()
	if err != nil {
		return
	}
	for _, n := range e.table.Random(1) {
		e.sendFindNode(n.Addr, target, nil)
	}
}

func randomNodeId() (kademlia.NodeId, error) {
	var id kademlia.NodeId
	_, err := rand.Read(id[:])
	return id, err
}

func (e *Engine) sweepTransactions() {
	now := time.Now()
	var expired []transaction
	e.mu.Lock()
	for t, txn := range e.txns {
		if now.After(txn.deadline) {
			expired = append(expired, txn)
			delete(e.txns, t)
		}
	}
	e.mu.Unlock()
	for _, txn := range expired {
		if txn.target != (kademlia.NodeId{}) {
			e.table.MarkTimeout(txn.target)
		}
		if txn.kind == krpc.QGetPeers {
			e.limiter.RecordOutcome(false)
		}
		if txn.notify != nil {
			close(txn.notify)
		}
	}
}

// Contacts satisfies metadata.PeerSource: cached peer endpoints for ih.
func (e *Engine) Contacts(ih kademlia.InfoHash, n int) []kademlia.Endpoint {
	return e.peers.Contacts(ih, n)
}

// WaitForPeers satisfies metadata.PeerSource: issues get_peers against the
// closest known nodes and waits up to timeout for at least one peer to
// arrive.
func (e *Engine) WaitForPeers(ctx context.Context, ih kademlia.InfoHash, timeout time.Duration) []kademlia.Endpoint {
	done := make(chan struct{})
	actual, loaded := e.announce.LoadOrStore(ih, done)
	if loaded {
		done = actual.(chan struct{})
	}

	for _, n := range e.table.Closest(ih, 8) {
		e.sendGetPeers(n.Addr, ih)
	}

	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	return e.peers.Contacts(ih, 8)
}

// QueryCount returns the total number of outgoing queries sent so far, for
// diagnostics and --queries N enforcement.
func (e *Engine) QueryCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries
}

// Done returns a channel closed once Run returns, whether on context
// cancellation or because the socket was closed, letting the operational bootstrap wait for a clean reactor exit during
// graceful shutdown.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}
