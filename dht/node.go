package dht

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ncruces/dhtnode/bencode"
	"github.com/ncruces/dhtnode/identity"
	"github.com/ncruces/dhtnode/krpc"
	"github.com/ncruces/dhtnode/routing"
	"github.com/ncruces/dhtnode/transport"
	"github.com/ncruces/dhtnode/wire"
)

// Node is a running DHT participant: a local identity, a KRPC peer, a
// routing table, and the maintenance loops that keep both current.
type Node struct {
	log *slog.Logger
	cfg Config

	tr    *transport.Transport
	peer  *krpc.Peer
	table *routing.Table

	idMu     sync.RWMutex
	id       [20]byte
	endpoint wire.Endpoint

	tokens *tokenKeeper

	valuesMu sync.Mutex
	values   map[string][]wire.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a UDP transport at listenAddr, pings bootstrapAddr to learn
// our externally visible endpoint, derives a BEP-42-valid node id for
// it, registers the bootstrap peer, protects our own id from eviction,
// and starts the maintenance loops.
func New(listenAddr, bootstrapAddr string, cfg Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := transport.Listen(listenAddr, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("dht: %w", err)
	}

	peer := krpc.NewPeer(tr, logger)
	table := routing.New(routing.Config{
		ReportInterval: cfg.ReportInterval,
		LimitInterval:  cfg.LimitInterval,
		LimitCeiling:   cfg.LimitCeiling,
		RedeemInterval: cfg.RedeemInterval,
		RedeemFraction: cfg.RedeemFraction,
	}, logger)

	tokens, err := newTokenKeeper(cfg.TokenRotationInterval)
	if err != nil {
		tr.Close()
		return nil, err
	}

	var provisionalID [20]byte
	if _, err := randRead(provisionalID[:]); err != nil {
		tr.Close()
		return nil, fmt.Errorf("dht: generate node id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		log:    logger.With("component", "dht"),
		cfg:    cfg,
		tr:     tr,
		peer:   peer,
		table:  table,
		id:     provisionalID,
		tokens: tokens,
		values: make(map[string][]wire.Endpoint),
		ctx:    ctx,
		cancel: cancel,
	}
	n.registerHandlers()

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.peer.Serve() }()

	bootstrapEp, err := resolveEndpoint(bootstrapAddr)
	if err != nil {
		n.Shutdown()
		return nil, fmt.Errorf("%w: resolve bootstrap address: %v", ErrBootstrapFailed, err)
	}

	reply, err := n.syncPing(bootstrapEp, cfg.BootstrapTimeout)
	if err != nil {
		n.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}

	externalEp, err := decodeIPField(reply)
	if err != nil {
		n.Shutdown()
		return nil, fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}

	bootstrapID, err := reply.GetString("id")
	if err != nil {
		n.Shutdown()
		return nil, fmt.Errorf("%w: reply missing id: %v", ErrBootstrapFailed, err)
	}

	n.idMu.Lock()
	n.endpoint = externalEp
	identity.ApplyPrefix(&n.id, mustIP4(externalEp))
	localID := n.id
	n.idMu.Unlock()

	if !identity.ValidEndpoint(localID, externalEp) {
		n.Shutdown()
		return nil, fmt.Errorf("%w: derived id is not BEP-42-valid for %v", ErrBootstrapFailed, externalEp)
	}

	var bootstrapIDArr [20]byte
	copy(bootstrapIDArr[:], bootstrapID)
	n.table.Register(bootstrapEp, bootstrapIDArr, nil)
	n.table.Protect(localID)

	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.table.Run(n.ctx) }()
	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.checkLoop() }()
	n.wg.Add(1)
	go func() { defer n.wg.Done(); n.discoverLoop() }()

	n.log.Info("bootstrap complete", "id", fmt.Sprintf("%x", localID), "external", externalEp)
	return n, nil
}

// Shutdown cancels maintenance loops and closes the transport, which in
// turn unblocks the KRPC receive loop.
func (n *Node) Shutdown() {
	n.cancel()
	n.tr.Close()
	n.wg.Wait()
}

// LocalID returns the current node id.
func (n *Node) LocalID() [20]byte {
	n.idMu.RLock()
	defer n.idMu.RUnlock()
	return n.id
}

// LocalEndpoint returns the externally visible endpoint learned during
// bootstrap.
func (n *Node) LocalEndpoint() wire.Endpoint {
	n.idMu.RLock()
	defer n.idMu.RUnlock()
	return n.endpoint
}

func (n *Node) registerHandlers() {
	n.peer.Handle("ping", n.handlePing)
	n.peer.Handle("find_node", n.handleFindNode)
	n.peer.Handle("get_peers", n.handleGetPeers)
	n.peer.Handle("announce_peer", n.handleAnnouncePeer)
}

// registerFromQuery implements the "every received query whose a.id is
// present triggers a register" side effect.
func (n *Node) registerFromQuery(source netip.AddrPort, args bencode.Dict) {
	idStr, err := args.GetString("id")
	if err != nil || len(idStr) != 20 {
		return
	}
	var id [20]byte
	copy(id[:], idStr)
	ep := endpointFromAddrPort(source)
	n.table.Register(ep, id, nil)
}

func resolveEndpoint(addr string) (wire.Endpoint, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return wire.Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
	}
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return wire.Endpoint{}, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return wire.Endpoint{}, err
	}
	ip, err := lookupHost(host)
	if err != nil {
		return wire.Endpoint{}, err
	}
	return wire.Endpoint{Addr: ip, Port: port}, nil
}

func endpointFromAddrPort(ap netip.AddrPort) wire.Endpoint {
	return wire.Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func mustIP4(ep wire.Endpoint) [4]byte {
	ip, _ := wire.EncodeIPv4(ep.Addr)
	return ip
}

func decodeIPField(reply bencode.Dict) (wire.Endpoint, error) {
	raw, err := reply.GetString("ip")
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("reply missing ip field: %w", err)
	}
	return wire.DecodeEndpoint([]byte(raw))
}

// evalResponse implements the shared response-evaluation helper: on
// success it marks the node good and returns its reply values; on
// timeout or KRPCError it removes the node and returns an empty dict.
// If the replying id differs from the id it was registered under, the
// node is force-removed as a suspect identity change.
func (n *Node) evalResponse(node *routing.Node, comp *krpc.Completion, timeout time.Duration) bencode.Dict {
	values, err := comp.Wait(timeout)
	if err != nil {
		n.log.Debug("query failed", "endpoint", node.Endpoint, "err", err)
		n.table.Remove(node, false)
		return bencode.Dict{}
	}

	n.table.MarkGood(node)
	if v := comp.Version(); v != nil {
		node.SetVersion(v)
	}
	if replyID, err := values.GetString("id"); err == nil && len(replyID) == 20 {
		var id [20]byte
		copy(id[:], replyID)
		if id != node.ID {
			n.log.Debug("node identity changed, force-removing", "endpoint", node.Endpoint)
			n.table.Remove(node, true)
		}
	}
	return values
}
