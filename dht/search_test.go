package dht

import (
	"testing"
	"time"
)

// TestMeshFindNode wires a small mesh {1,2,3}, 4,5->3, 6->5 and verifies
// node 3 can find node 1's listen endpoint by iterative find_node,
// mirroring the reference topology scenario.
func TestMeshFindNode(t *testing.T) {
	seedEp, _, stop := startSeed(t)
	defer stop()

	n1 := mustStartNode(t, seedEp.String())
	n2 := mustStartNode(t, n1.LocalEndpoint().String())
	n3 := mustStartNode(t, n1.LocalEndpoint().String())
	n4 := mustStartNode(t, n3.LocalEndpoint().String())
	n5 := mustStartNode(t, n3.LocalEndpoint().String())
	n6 := mustStartNode(t, n5.LocalEndpoint().String())
	_ = n2
	_ = n4
	_ = n6

	found := false
	deadline := time.After(5 * time.Second)
	resultCh := n3.FindNode(n1.LocalID())
loop:
	for {
		select {
		case ep, ok := <-resultCh:
			if !ok {
				break loop
			}
			if ep == n1.LocalEndpoint() {
				found = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	if !found {
		t.Fatal("expected dht_find_node issued by node 3 to yield node 1's listen endpoint")
	}
}

func TestAnnounceThenGetPeers(t *testing.T) {
	seedEp, _, stop := startSeed(t)
	defer stop()

	// A is the common rendezvous node both the announcer and the
	// searcher bootstrap against and therefore both know directly.
	a := mustStartNode(t, seedEp.String())
	announcer := mustStartNode(t, a.LocalEndpoint().String())
	searcher := mustStartNode(t, a.LocalEndpoint().String())

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	// Drive get_peers from the announcer once so it records a token at A.
	for range announcer.GetPeers(infoHash) {
	}
	got := announcer.AnnouncePeer(infoHash, true)
	if got == 0 {
		t.Fatal("expected at least one successful announce")
	}

	found := false
	deadline := time.After(5 * time.Second)
	resultCh := searcher.GetPeers(infoHash)
loop:
	for {
		select {
		case ep, ok := <-resultCh:
			if !ok {
				break loop
			}
			if ep.Addr == announcer.LocalEndpoint().Addr {
				found = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	if !found {
		t.Fatal("expected dht_get_peers issued by the searcher to yield the announcer's externally visible endpoint")
	}
}
