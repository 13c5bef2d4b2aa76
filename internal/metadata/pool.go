// pool.go implements the Metadata Worker Pool's topology: a single priority
// queue (no size bound; duplicate infohashes are rejected) feeding W workers with a shared in-flight dedup set.
// Worker concurrency is gated by vitess's go/pools resource pool rather
// than a bare semaphore or a fixed goroutine fan-out, standing in for W
// real OS threads via W checked-out resource slots.
package metadata

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"vitess.io/vitess/go/pools"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/sink"
	"github.com/kademux/dhtcrawler/internal/xerr"
	"github.com/kademux/dhtcrawler/internal/xlog"
)

// PeerSource supplies candidate peer endpoints for an InfoHash, satisfied
// by internal/peerstore (cached observations) composed with the DHT
// Engine's get_peers fallback.
type PeerSource interface {
	Contacts(ih kademlia.InfoHash, n int) []kademlia.Endpoint
	WaitForPeers(ctx context.Context, ih kademlia.InfoHash, timeout time.Duration) []kademlia.Endpoint
}

// Request is one queued metadata fetch.
type Request struct {
	InfoHash kademlia.InfoHash
	Source   sink.Source

	seq int64
}

// item is the priority-queue element: higher Source.Priority() drains
// first, FIFO within a priority via the monotonic seq.
type item struct {
	req   Request
	index int
}

type priorityQueue []*item

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	pi, pj := q[i].req.Source.Priority(), q[j].req.Source.Priority()
	if pi != pj {
		return pi > pj
	}
	return q[i].req.seq < q[j].req.seq
}
func (q priorityQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// workerToken is a trivial pools.Resource: the pool hands it out purely to
// gate concurrency to Workers slots, never to share actual connection
// state, since each session dials its own peer connection.
type workerToken struct{}

func (workerToken) Close() {}

// Pool is the Metadata Worker Pool (C4): one unbounded priority queue, W
// concurrent worker slots, and a shared in-flight dedup set.
type Pool struct {
	cfg     Config
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityQueue
	inFlight map[kademlia.InfoHash]bool
	nextSeq  int64
	closed   bool

	resources *pools.ResourcePool

	peers PeerSource
	dial  Dialer
	sink  sink.Sink
	log   xlog.Logger
}

// New builds a Pool with the given worker concurrency.
func New(cfg Config, workers int, peers PeerSource, dial Dialer, sk sink.Sink, log xlog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = xlog.NullLogger{}
	}
	p := &Pool{
		cfg:      cfg,
		workers:  workers,
		inFlight: make(map[kademlia.InfoHash]bool),
		resources: pools.NewResourcePool(
			func() (pools.Resource, error) { return workerToken{}, nil },
			workers, workers, 0, nil,
		),
		peers: peers,
		dial:  dial,
		sink:  sk,
		log:   log,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Enqueue adds ih to the queue with the given source's priority. A
// duplicate of an already-queued or in-flight InfoHash is a silent
// success, queue discipline.
func (p *Pool) Enqueue(ih kademlia.InfoHash, source sink.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.inFlight[ih] {
		return
	}
	for _, it := range p.queue {
		if it.req.InfoHash == ih {
			return
		}
	}
	p.nextSeq++
	heap.Push(&p.queue, &item{req: Request{InfoHash: ih, Source: source, seq: p.nextSeq}})
	p.cond.Signal()
}

// Run drains the queue until the context is cancelled or Close is called,
// dispatching each request to a worker slot. It blocks until every
// in-flight worker has finished, so callers get a clean guarantee: workers
// finish their current session before the process exits.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		p.Close()
	}()

	for {
		req, ok := p.dequeue()
		if !ok {
			break
		}
		res, err := p.resources.Get(ctx)
		if err != nil {
			p.finish(req.InfoHash)
			continue
		}
		wg.Add(1)
		go func(req Request, res pools.Resource) {
			defer wg.Done()
			defer p.resources.Put(res)
			defer p.finish(req.InfoHash)
			p.runOne(ctx, req)
		}(req, res)
	}
	wg.Wait()
}

func (p *Pool) dequeue() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return Request{}, false
	}
	it := heap.Pop(&p.queue).(*item)
	p.inFlight[it.req.InfoHash] = true
	return it.req, true
}

func (p *Pool) finish(ih kademlia.InfoHash) {
	p.mu.Lock()
	delete(p.inFlight, ih)
	p.mu.Unlock()
}

// Close stops accepting new dequeues once the queue drains; already
// in-flight workers are left to finish their session.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) runOne(ctx context.Context, req Request) {
	peers := p.peers.Contacts(req.InfoHash, p.cfg.MaxConcurrentPieceRequests)
	if len(peers) == 0 {
		peers = p.peers.WaitForPeers(ctx, req.InfoHash, 10*time.Second)
	}
	if len(peers) == 0 {
		p.sink.RecordError(xerr.Timeout, "no peers available for "+req.InfoHash.String())
		return
	}

	for _, peer := range peers {
		session, err := NewSession(p.cfg, p.dial, p.log, p.sink)
		if err != nil {
			continue
		}
		if err := session.Run(ctx, peer, req.InfoHash, req.Source); err == nil {
			return
		}
	}
}

// Pending returns the number of requests currently queued (not yet
// dispatched to a worker).
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight returns the number of requests currently being worked on.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
