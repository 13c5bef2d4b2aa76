package peerstore

import (
	"net"
	"testing"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

func ih(b byte) kademlia.InfoHash {
	var h kademlia.InfoHash
	h[0] = b
	return h
}

func ep(port int) kademlia.Endpoint {
	return kademlia.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestAddContactDedupes(t *testing.T) {
	s := New(16, 8)
	h := ih(1)

	if !s.AddContact(h, ep(6881)) {
		t.Fatalf("first AddContact should report new")
	}
	if s.AddContact(h, ep(6881)) {
		t.Errorf("duplicate AddContact should report not-new")
	}
	if got := s.Count(h); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestContactsRotates(t *testing.T) {
	s := New(16, 8)
	h := ih(2)
	for i := 0; i < 4; i++ {
		s.AddContact(h, ep(6000+i))
	}

	first := s.Contacts(h, 2)
	second := s.Contacts(h, 2)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 contacts each call, got %d and %d", len(first), len(second))
	}
	if first[0] == second[0] && first[1] == second[1] {
		t.Errorf("expected the read cursor to rotate between calls")
	}
}

func TestContactSetCapsAtMaxPeers(t *testing.T) {
	s := New(16, 2)
	h := ih(3)
	for i := 0; i < 5; i++ {
		s.AddContact(h, ep(7000+i))
	}
	if got := s.Count(h); got != 2 {
		t.Errorf("Count = %d, want 2 (capped)", got)
	}
}

func TestLenTracksDistinctInfoHashes(t *testing.T) {
	s := New(16, 8)
	s.AddContact(ih(1), ep(1))
	s.AddContact(ih(2), ep(2))
	if got := s.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestCountOfUnknownInfoHashIsZero(t *testing.T) {
	s := New(16, 8)
	if got := s.Count(ih(9)); got != 0 {
		t.Errorf("Count(unknown) = %d, want 0", got)
	}
}
