package dhtengine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kademux/dhtcrawler/internal/intake"
	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/krpc"
	"github.com/kademux/dhtcrawler/internal/peerstore"
	"github.com/kademux/dhtcrawler/internal/ratelimit"
	"github.com/kademux/dhtcrawler/internal/routing"
	"github.com/kademux/dhtcrawler/internal/sink"
)

// fakeConn is a net.PacketConn test double recording every outgoing
// datagram instead of touching a real socket, so handleQuery/handleReply/
// sampleOnce can be exercised without the network.
type fakeConn struct {
	mu     sync.Mutex
	writes []writtenPacket
}

type writtenPacket struct {
	data []byte
	addr net.Addr
}

func (f *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {}
}

func (f *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, writtenPacket{data: cp, addr: addr})
	return len(p), nil
}

func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881} }
func (f *fakeConn) SetDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error    { return nil }

func (f *fakeConn) last() writtenPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[len(f.writes)-1]
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type recordingEnqueuer struct {
	enqueued []kademlia.InfoHash
}

func (r *recordingEnqueuer) Enqueue(ih kademlia.InfoHash, source sink.Source) {
	r.enqueued = append(r.enqueued, ih)
}

func nodeID(b byte) kademlia.NodeId {
	var id kademlia.NodeId
	id[0] = b
	return id
}

func infoHash(b byte) kademlia.InfoHash {
	var ih kademlia.InfoHash
	ih[0] = b
	return ih
}

func newTestEngine(t *testing.T) (*Engine, *peerstore.Store, *sink.MemorySink) {
	t.Helper()
	sk := sink.NewMemorySink()
	peers := peerstore.New(16, 16)
	pool := &recordingEnqueuer{}
	in := intake.New(intake.Config{}, peers, pool, sk)
	table := routing.New(nodeID(1), routing.Config{
		K: 8, MaxNodes: 100, GoodThreshold: 0.8, BadThreshold: 0.3, MaxConsecutiveTimeouts: 3,
	})
	limiter := ratelimit.New(ratelimit.Config{
		BaseRate: 100, MaxRate: 100, SuccessThreshold: 0.1, BurstLimit: 1000, BurstWindow: time.Minute,
	})
	e := New(Config{TransactionTimeout: time.Second}, nodeID(1), table, limiter, peers, in, nil)
	e.conn = &fakeConn{}
	return e, peers, sk
}

func TestHandleQueryGetPeersObservesAndReplies(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ih := infoHash(0x42)
	remote := nodeID(2)
	env := krpc.Envelope{
		T: "aa", Y: krpc.YQuery, Q: krpc.QGetPeers,
		A: map[string]interface{}{"id": string(remote[:]), "info_hash": string(ih[:])},
	}
	from := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7001}
	e.handleQuery(env, from)

	if _, _, _, ok := e.intake.Seen(ih); !ok {
		t.Fatalf("expected intake to have observed %s", ih)
	}
	fc := e.conn.(*fakeConn)
	if fc.count() != 1 {
		t.Fatalf("expected exactly one reply, got %d", fc.count())
	}
	replyEnv, err := krpc.Decode(fc.last().data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if replyEnv.T != "aa" || replyEnv.Y != krpc.YResponse {
		t.Errorf("got T=%q Y=%q, want T=aa Y=r", replyEnv.T, replyEnv.Y)
	}
}

func TestHandleQueryFindNodePopulatesNodes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	known := nodeID(9)
	knownAddr := kademlia.Endpoint{IP: net.ParseIP("203.0.113.5").To4(), Port: 6900}
	e.table.Insert(routing.DhtNode{ID: known, Addr: knownAddr, LastSeen: time.Now()})

	remote := nodeID(2)
	target := nodeID(3)
	env := krpc.Envelope{
		T: "cc", Y: krpc.YQuery, Q: krpc.QFindNode,
		A: map[string]interface{}{"id": string(remote[:]), "target": string(target[:])},
	}
	from := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7003}
	e.handleQuery(env, from)

	fc := e.conn.(*fakeConn)
	replyEnv, err := krpc.Decode(fc.last().data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	ids, addrs := decodeReplyNodes(t, replyEnv)
	gotAddr, ok := nodeAddr(ids, addrs, known)
	if !ok {
		t.Fatalf("expected known node %x among the nodes reply, got ids=%x", known, ids)
	}
	if !gotAddr.Equal(knownAddr) {
		t.Errorf("got addr=%v, want %v", gotAddr, knownAddr)
	}
}

func TestHandleQueryGetPeersPopulatesNodes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	known := nodeID(9)
	knownAddr := kademlia.Endpoint{IP: net.ParseIP("203.0.113.5").To4(), Port: 6900}
	e.table.Insert(routing.DhtNode{ID: known, Addr: knownAddr, LastSeen: time.Now()})

	ih := infoHash(0x42)
	remote := nodeID(2)
	env := krpc.Envelope{
		T: "aa", Y: krpc.YQuery, Q: krpc.QGetPeers,
		A: map[string]interface{}{"id": string(remote[:]), "info_hash": string(ih[:])},
	}
	from := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7001}
	e.handleQuery(env, from)

	fc := e.conn.(*fakeConn)
	replyEnv, err := krpc.Decode(fc.last().data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	ids, addrs := decodeReplyNodes(t, replyEnv)
	if _, ok := nodeAddr(ids, addrs, known); !ok {
		t.Fatalf("expected known node %x among the nodes reply, got ids=%x", known, ids)
	}
}

func TestHandleQuerySampleInfohashesPopulatesNodes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	known := nodeID(9)
	knownAddr := kademlia.Endpoint{IP: net.ParseIP("203.0.113.5").To4(), Port: 6900}
	e.table.Insert(routing.DhtNode{ID: known, Addr: knownAddr, LastSeen: time.Now()})

	remote := nodeID(2)
	env := krpc.Envelope{
		T: "dd", Y: krpc.YQuery, Q: krpc.QSampleInfohashes,
		A: map[string]interface{}{"id": string(remote[:])},
	}
	from := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7004}
	e.handleQuery(env, from)

	fc := e.conn.(*fakeConn)
	replyEnv, err := krpc.Decode(fc.last().data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	ids, addrs := decodeReplyNodes(t, replyEnv)
	if _, ok := nodeAddr(ids, addrs, known); !ok {
		t.Fatalf("expected known node %x among the nodes reply, got ids=%x", known, ids)
	}
}

// decodeReplyNodes parses a reply's "nodes" field, failing the test if it's
// missing or malformed.
func decodeReplyNodes(t *testing.T, replyEnv krpc.Envelope) ([]string, [][]byte) {
	t.Helper()
	nodesStr, ok := krpc.StringArg(replyEnv.R, "nodes")
	if !ok || nodesStr == "" {
		t.Fatalf("expected a non-empty nodes field, got %q ok=%v", nodesStr, ok)
	}
	ids, addrs, err := krpc.ParseCompactNodesV4(nodesStr)
	if err != nil {
		t.Fatalf("ParseCompactNodesV4: %v", err)
	}
	return ids, addrs
}

// nodeAddr looks up want's compact endpoint among a decoded nodes reply.
func nodeAddr(ids []string, addrs [][]byte, want kademlia.NodeId) (kademlia.Endpoint, bool) {
	for i, id := range ids {
		if id != string(want[:]) {
			continue
		}
		ep, err := kademlia.DecodeCompactV4(addrs[i])
		if err != nil {
			return kademlia.Endpoint{}, false
		}
		return ep, true
	}
	return kademlia.Endpoint{}, false
}

func TestHandleQueryAnnouncePeerObservesPeer(t *testing.T) {
	e, _, sk := newTestEngine(t)
	ih := infoHash(0x11)
	remote := nodeID(3)
	env := krpc.Envelope{
		T: "bb", Y: krpc.YQuery, Q: krpc.QAnnouncePeer,
		A: map[string]interface{}{"id": string(remote[:]), "info_hash": string(ih[:]), "port": int64(6882)},
	}
	from := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 7002}
	e.handleQuery(env, from)

	if sk.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", sk.PeerCount())
	}
}

func TestHandleReplyGetPeersRecordsPeerAndPriority(t *testing.T) {
	e, peers, _ := newTestEngine(t)
	ih := infoHash(0x77)
	nodeAddr := kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 8000}

	if err := e.sendGetPeers(nodeAddr, ih); err != nil {
		t.Fatalf("sendGetPeers: %v", err)
	}
	fc := e.conn.(*fakeConn)
	sentEnv, err := krpc.Decode(fc.last().data)
	if err != nil {
		t.Fatalf("decode sent query: %v", err)
	}

	peerEp := kademlia.Endpoint{IP: net.ParseIP("10.0.0.5").To4(), Port: 6881}
	remote := nodeID(9)
	reply := krpc.Envelope{
		T: sentEnv.T, Y: krpc.YResponse,
		R: map[string]interface{}{
			"id":     string(remote[:]),
			"values": []interface{}{string(peerEp.CompactV4())},
		},
	}
	e.handleReply(reply, nodeAddr)

	if got := peers.Contacts(ih, 8); len(got) != 1 {
		t.Fatalf("expected one cached peer, got %d", len(got))
	}
	if _, ok := e.priorityInfoHash(); !ok {
		t.Errorf("expected ih to be a priority candidate after a peer reply")
	}
}

func TestSweepTransactionsMarksTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t)
	target := nodeID(5)
	e.table.Insert(routing.DhtNode{ID: target, Addr: kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 9000}, LastSeen: time.Now()})

	e.mu.Lock()
	e.txns["deadbeef"] = transaction{kind: krpc.QFindNode, target: target, deadline: time.Now().Add(-time.Second)}
	e.mu.Unlock()

	e.sweepTransactions()

	e.mu.Lock()
	_, stillThere := e.txns["deadbeef"]
	e.mu.Unlock()
	if stillThere {
		t.Errorf("expected expired transaction to be swept")
	}

	n, ok := e.table.Get(target)
	if !ok {
		t.Fatalf("expected node to remain in the table")
	}
	if n.Quality() != 0 {
		t.Errorf("Quality = %v, want 0 after a timeout with no prior responses", n.Quality())
	}
}

func TestWaitForPeersReturnsCachedContactsOnTimeout(t *testing.T) {
	e, peers, _ := newTestEngine(t)
	ih := infoHash(0x55)
	peers.AddContact(ih, kademlia.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 9999})

	got := e.WaitForPeers(context.Background(), ih, 20*time.Millisecond)
	if len(got) != 1 {
		t.Errorf("expected the pre-cached peer to be returned, got %d", len(got))
	}
}
