package intake

import (
	"testing"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/peerstore"
	"github.com/kademux/dhtcrawler/internal/sink"
)

type recordingPool struct {
	enqueued []kademlia.InfoHash
}

func (p *recordingPool) Enqueue(ih kademlia.InfoHash, source sink.Source) {
	p.enqueued = append(p.enqueued, ih)
}

func ih(b byte) kademlia.InfoHash {
	var h kademlia.InfoHash
	h[0] = b
	return h
}

func ep(port int) kademlia.Endpoint {
	return kademlia.Endpoint{IP: []byte{127, 0, 0, 1}, Port: port}
}

func TestObserveFirstSightingEnqueuesAndRecords(t *testing.T) {
	pool := &recordingPool{}
	sk := sink.NewMemorySink()
	in := New(Config{}, peerstore.New(16, 16), pool, sk)

	in.Observe(ih(1), sink.SourceBEP51, ep(6881))

	if len(pool.enqueued) != 1 || pool.enqueued[0] != ih(1) {
		t.Fatalf("expected one enqueue of ih(1), got %+v", pool.enqueued)
	}
	torrents := sk.Torrents()
	if _, ok := torrents[ih(1)]; !ok {
		t.Fatalf("expected a DiscoveredTorrent stub for ih(1)")
	}
	if source, _, _, ok := in.Seen(ih(1)); !ok || source != sink.SourceBEP51 {
		t.Errorf("Seen = %v, %v, want BEP51, true", source, ok)
	}
}

func TestObserveSubsequentSightingDoesNotReenqueue(t *testing.T) {
	pool := &recordingPool{}
	sk := sink.NewMemorySink()
	in := New(Config{}, peerstore.New(16, 16), pool, sk)

	in.Observe(ih(1), sink.SourceDHTAnnounce, ep(1))
	in.Observe(ih(1), sink.SourceDHTAnnounce, ep(2))
	in.Observe(ih(1), sink.SourceDHTAnnounce, ep(3))

	if len(pool.enqueued) != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", len(pool.enqueued))
	}
	if sk.PeerCount() != 3 {
		t.Errorf("PeerCount = %d, want 3", sk.PeerCount())
	}
}

func TestObserveWithoutPeerStillEnqueues(t *testing.T) {
	pool := &recordingPool{}
	sk := sink.NewMemorySink()
	in := New(Config{}, peerstore.New(16, 16), pool, sk)

	in.Observe(ih(2), sink.SourceDHTItem, kademlia.Endpoint{})

	if len(pool.enqueued) != 1 {
		t.Fatalf("expected one enqueue even without a peer endpoint")
	}
}

func TestLenTracksDistinctInfohashes(t *testing.T) {
	pool := &recordingPool{}
	sk := sink.NewMemorySink()
	in := New(Config{}, peerstore.New(16, 16), pool, sk)

	in.Observe(ih(1), sink.SourceManual, ep(1))
	in.Observe(ih(2), sink.SourceManual, ep(1))
	in.Observe(ih(1), sink.SourceManual, ep(2))

	if in.Len() != 2 {
		t.Errorf("Len = %d, want 2", in.Len())
	}
}

func TestSeenUnknownInfohash(t *testing.T) {
	in := New(Config{}, peerstore.New(16, 16), &recordingPool{}, sink.NewMemorySink())
	if _, _, _, ok := in.Seen(ih(9)); ok {
		t.Errorf("expected Seen to report false for an unobserved infohash")
	}
}
