package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ncruces/dhtnode/bencode"
	"github.com/ncruces/dhtnode/identity"
	"github.com/ncruces/dhtnode/krpc"
	"github.com/ncruces/dhtnode/transport"
	"github.com/ncruces/dhtnode/wire"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueryTimeout = time.Second
	cfg.BootstrapTimeout = 2 * time.Second
	cfg.CheckInterval = time.Hour
	cfg.DiscoverInterval = time.Hour
	cfg.ReportInterval = time.Hour
	cfg.LimitInterval = time.Hour
	cfg.RedeemInterval = time.Hour
	return cfg
}

// startSeed runs a minimal standalone KRPC responder that only answers
// ping with a fixed id and the BEP-42 ip echo, standing in for an
// already-bootstrapped peer so a first Node has something to bootstrap
// against in tests.
func startSeed(t *testing.T) (wire.Endpoint, [20]byte, func()) {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1:0", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	peer := krpc.NewPeer(tr, nil)

	var id [20]byte
	copy(id[:], "seedseedseedseedseed"[:20])

	peer.Handle("ping", func(source netip.AddrPort, replyFn func(bencode.Dict), _ bencode.Dict) {
		replyFn(bencode.Dict{"id": string(id[:])})
	})
	go peer.Serve()

	la := tr.LocalAddr()
	ep := wire.Endpoint{Addr: la.Addr(), Port: la.Port()}
	return ep, id, func() { tr.Close() }
}

func mustStartNode(t *testing.T, bootstrap string) *Node {
	t.Helper()
	n, err := New("127.0.0.1:0", bootstrap, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Shutdown)
	return n
}

func TestBootstrapLearnsExternalEndpoint(t *testing.T) {
	seedEp, _, stop := startSeed(t)
	defer stop()

	a := mustStartNode(t, seedEp.String())

	if got := a.LocalEndpoint().Addr; got.String() != "127.0.0.1" {
		t.Fatalf("got external addr %v, want 127.0.0.1", got)
	}
	if !identityValidForSelf(a) {
		t.Fatal("local id is not BEP-42-valid for the learned external endpoint")
	}
}

func identityValidForSelf(n *Node) bool {
	id := n.LocalID()
	ep := n.LocalEndpoint()
	ip, err := wire.EncodeIPv4(ep.Addr)
	if err != nil {
		return false
	}
	return identity.Valid(id, ip)
}

func TestBootstrapFailsWithoutResponder(t *testing.T) {
	_, err := New("127.0.0.1:0", "127.0.0.1:1", testConfig(), nil)
	if err == nil {
		t.Fatal("expected bootstrap to fail when no responder is listening")
	}
}

func TestTwoRealNodesBootstrapAndPing(t *testing.T) {
	seedEp, _, stop := startSeed(t)
	defer stop()

	a := mustStartNode(t, seedEp.String())
	b := mustStartNode(t, a.LocalEndpoint().String())

	reply, err := b.Ping(a.LocalEndpoint(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	id, err := reply.GetString("id")
	if err != nil || len(id) != 20 {
		t.Fatalf("unexpected ping reply: %v %v", id, err)
	}
}
