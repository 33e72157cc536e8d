package dht

import (
	"net/netip"
	"time"

	"github.com/ncruces/dhtnode/bencode"
	"github.com/ncruces/dhtnode/identity"
	"github.com/ncruces/dhtnode/krpc"
	"github.com/ncruces/dhtnode/routing"
	"github.com/ncruces/dhtnode/wire"
)

// Each KRPC method is implemented as a sync wrapper / async call /
// reply handler triple, following the reference dht_XYZ / XYZ / _XYZ
// split: the sync wrapper drives a routing-table side effect on
// success, the async call is the raw KRPC round trip, and the handler
// answers an incoming query of that kind.

// --- ping -------------------------------------------------------------

// Ping sends a liveness probe to ep and waits up to timeout for a reply,
// registering the responder in the routing table on success.
func (n *Node) Ping(ep wire.Endpoint, timeout time.Duration) (bencode.Dict, error) {
	reply, err := n.syncPing(ep, timeout)
	if err != nil {
		return nil, err
	}
	if id, err := reply.GetString("id"); err == nil && len(id) == 20 {
		var idArr [20]byte
		copy(idArr[:], id)
		n.table.Register(ep, idArr, nil)
	}
	return reply, nil
}

func (n *Node) syncPing(ep wire.Endpoint, timeout time.Duration) (bencode.Dict, error) {
	comp, err := n.ping(ep, n.LocalID())
	if err != nil {
		return nil, err
	}
	return comp.Wait(timeout)
}

func (n *Node) ping(ep wire.Endpoint, senderID [20]byte) (*krpc.Completion, error) {
	return n.peer.SendQuery(ep.AddrPort(), "ping", bencode.Dict{"id": string(senderID[:])})
}

func (n *Node) handlePing(source netip.AddrPort, replyFn func(bencode.Dict), args bencode.Dict) {
	n.registerFromQuery(source, args)
	id := n.LocalID()
	replyFn(bencode.Dict{"id": string(id[:])})
}

// --- find_node ----------------------------------------------------------

// FindNode runs the iterative closest-node search for target, yielding
// any endpoint whose advertised id equals target exactly.
func (n *Node) FindNode(target [20]byte) <-chan wire.Endpoint {
	queryFn := func(ep wire.Endpoint, senderID [20]byte) (*krpc.Completion, error) {
		return n.findNode(ep, senderID, target)
	}
	project := func(result bencode.Dict) []wire.Endpoint {
		var out []wire.Endpoint
		for _, node := range wire.DecodeNodes([]byte(getString(result, "nodes"))) {
			if node.ID == target {
				out = append(out, node.Endpoint)
			}
		}
		return out
	}
	return n.iterSearch(target, queryFn, project)
}

func (n *Node) findNode(ep wire.Endpoint, senderID, target [20]byte) (*krpc.Completion, error) {
	return n.peer.SendQuery(ep.AddrPort(), "find_node", bencode.Dict{
		"id":     string(senderID[:]),
		"target": string(target[:]),
	})
}

func (n *Node) handleFindNode(source netip.AddrPort, replyFn func(bencode.Dict), args bencode.Dict) {
	n.registerFromQuery(source, args)

	targetStr, err := args.GetString("target")
	if err != nil || len(targetStr) != 20 {
		return
	}
	var target [20]byte
	copy(target[:], targetStr)

	closest, err := n.table.Query(routing.QueryOptions{
		Limit:     8,
		Predicate: routing.SelectValid,
		Compare:   routing.RankByXOR(target),
	})
	if err != nil {
		closest = nil
	}

	id := n.LocalID()
	replyFn(bencode.Dict{
		"id":    string(id[:]),
		"nodes": string(encodeTableNodes(closest)),
	})
}

// --- get_peers ------------------------------------------------------------

// GetPeers runs the iterative peer lookup for infoHash, yielding every
// endpoint announced for that swarm and recording write-access tokens
// on the nodes that returned them.
func (n *Node) GetPeers(infoHash [20]byte) <-chan wire.Endpoint {
	queryFn := func(ep wire.Endpoint, senderID [20]byte) (*krpc.Completion, error) {
		return n.getPeers(ep, senderID, infoHash)
	}
	project := func(result bencode.Dict) []wire.Endpoint {
		var out []wire.Endpoint
		list, _ := result.GetList("values")
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ep, err := wire.DecodeEndpoint([]byte(s))
			if err == nil {
				out = append(out, ep)
			}
		}
		return out
	}
	return n.iterSearchWithTokens(infoHash, queryFn, project)
}

func (n *Node) getPeers(ep wire.Endpoint, senderID, infoHash [20]byte) (*krpc.Completion, error) {
	return n.peer.SendQuery(ep.AddrPort(), "get_peers", bencode.Dict{
		"id":        string(senderID[:]),
		"info_hash": string(infoHash[:]),
	})
}

func (n *Node) handleGetPeers(source netip.AddrPort, replyFn func(bencode.Dict), args bencode.Dict) {
	n.registerFromQuery(source, args)

	infoHashStr, err := args.GetString("info_hash")
	if err != nil || len(infoHashStr) != 20 {
		return
	}
	var infoHash [20]byte
	copy(infoHash[:], infoHashStr)

	ip, err := wire.EncodeIPv4(source.Addr())
	if err != nil {
		return
	}
	n.tokens.maybeRotate(time.Now())
	token := n.tokens.For(ip)

	closest, err := n.table.Query(routing.QueryOptions{
		Limit:     8,
		Predicate: routing.SelectValid,
		Compare:   routing.RankByXOR(infoHash),
	})
	if err != nil {
		closest = nil
	}

	id := n.LocalID()
	reply := bencode.Dict{
		"id":    string(id[:]),
		"token": token,
		"nodes": string(encodeTableNodes(closest)),
	}

	n.valuesMu.Lock()
	stored := append([]wire.Endpoint(nil), n.values[string(infoHash[:])]...)
	n.valuesMu.Unlock()
	if len(stored) > 0 {
		values := make([]any, 0, len(stored))
		for _, ep := range stored {
			enc, err := wire.EncodeEndpoint(ep)
			if err == nil {
				values = append(values, string(enc))
			}
		}
		reply["values"] = values
	}

	replyFn(reply)
}

// --- announce_peer ----------------------------------------------------

// AnnouncePeer announces our listen port for infoHash to every node we
// hold a get_peers token for, returning the number of nodes that
// acknowledged the announcement.
func (n *Node) AnnouncePeer(infoHash [20]byte, impliedPort bool) int {
	all, err := n.table.Query(routing.QueryOptions{})
	if err != nil {
		return 0
	}

	localEp := n.LocalEndpoint()
	ok := 0
	for _, node := range all {
		token, has := node.Token(string(infoHash[:]))
		if !has {
			continue
		}
		comp, err := n.announcePeer(node.Endpoint, n.LocalID(), infoHash, localEp.Port, token, impliedPort)
		if err != nil {
			continue
		}
		if _, err := comp.Wait(n.cfg.QueryTimeout); err == nil {
			ok++
		}
	}
	return ok
}

func (n *Node) announcePeer(ep wire.Endpoint, senderID, infoHash [20]byte, port uint16, token string, impliedPort bool) (*krpc.Completion, error) {
	args := bencode.Dict{
		"id":        string(senderID[:]),
		"info_hash": string(infoHash[:]),
		"port":      int64(port),
		"token":     token,
	}
	if impliedPort {
		args["implied_port"] = int64(1)
	}
	return n.peer.SendQuery(ep.AddrPort(), "announce_peer", args)
}

func (n *Node) handleAnnouncePeer(source netip.AddrPort, replyFn func(bencode.Dict), args bencode.Dict) {
	n.registerFromQuery(source, args)

	idStr, err := args.GetString("id")
	if err != nil || len(idStr) != 20 {
		return
	}
	var callerID [20]byte
	copy(callerID[:], idStr)

	infoHashStr, err := args.GetString("info_hash")
	if err != nil || len(infoHashStr) != 20 {
		return
	}

	token, err := args.GetString("token")
	if err != nil {
		return
	}

	ip, err := wire.EncodeIPv4(source.Addr())
	if err != nil {
		return
	}

	if !n.tokens.Verify(token, ip) {
		return
	}
	if !identity.Valid(callerID, ip) {
		return
	}

	port := source.Port()
	implied, _ := args.GetInt("implied_port")
	if implied == 0 {
		if declared, err := args.GetInt("port"); err == nil {
			port = uint16(declared)
		}
	}

	// Preserved quirk: the announcing peer is recorded under the
	// source IP, not the full source endpoint.
	n.valuesMu.Lock()
	n.values[infoHashStr] = append(n.values[infoHashStr], wire.Endpoint{Addr: source.Addr(), Port: port})
	n.valuesMu.Unlock()

	id := n.LocalID()
	replyFn(bencode.Dict{"id": string(id[:])})
}

func getString(d bencode.Dict, key string) string {
	s, _ := d.GetString(key)
	return s
}

func encodeTableNodes(nodes []*routing.Node) []byte {
	wireNodes := make([]wire.Node, 0, len(nodes))
	for _, n := range nodes {
		wireNodes = append(wireNodes, wire.Node{ID: n.ID, Endpoint: n.Endpoint})
	}
	return wire.EncodeNodes(wireNodes)
}
