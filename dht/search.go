package dht

import (
	"time"

	"github.com/ncruces/dhtnode/bencode"
	"github.com/ncruces/dhtnode/krpc"
	"github.com/ncruces/dhtnode/routing"
	"github.com/ncruces/dhtnode/wire"
)

// queryFunc issues one query toward ep with our current id, returning
// the completion to evaluate.
type queryFunc func(ep wire.Endpoint, senderID [20]byte) (*krpc.Completion, error)

// projectFunc extracts zero or more results from a resolved reply.
type projectFunc func(result bencode.Dict) []wire.Endpoint

// iterSearch runs the generic round-based iterative closest-node
// search described by the engine's search algorithm: each round queries
// up to 20 of the closest known-not-blacklisted candidates plus any
// nodes discovered from previous replies, retiring endpoints that
// exceed the per-endpoint retry budget.
func (n *Node) iterSearch(target [20]byte, query queryFunc, project projectFunc) <-chan wire.Endpoint {
	return n.iterSearchCollect(target, query, project, nil)
}

// iterSearchWithTokens is iterSearch plus recording the get_peers token
// returned by each answering node, keyed by the search target.
func (n *Node) iterSearchWithTokens(infoHash [20]byte, query queryFunc, project projectFunc) <-chan wire.Endpoint {
	recordToken := func(node *routing.Node, result bencode.Dict) {
		if token, err := result.GetString("token"); err == nil && token != "" {
			node.SetToken(string(infoHash[:]), token)
		}
	}
	return n.iterSearchCollect(infoHash, query, project, recordToken)
}

func (n *Node) iterSearchCollect(target [20]byte, query queryFunc, project projectFunc, onResult func(*routing.Node, bencode.Dict)) <-chan wire.Endpoint {
	out := make(chan wire.Endpoint)

	go func() {
		defer close(out)

		timeout := n.cfg.QueryTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		retries := n.cfg.SearchRetries
		if retries <= 0 {
			retries = 2
		}

		returned := make(map[wire.Endpoint]bool)
		used := make(map[wire.Endpoint]int)
		discovered := make(map[wire.Endpoint]*routing.Node)
		cmp := routing.RankByXOR(target)

		for {
			select {
			case <-n.ctx.Done():
				return
			default:
			}

			blacklist := make(map[wire.Endpoint]bool)
			for ep, count := range used {
				if count > retries {
					blacklist[ep] = true
				}
			}
			for ep := range discovered {
				if blacklist[ep] {
					delete(discovered, ep)
				}
			}

			candidates, err := n.table.Query(routing.QueryOptions{
				Limit:     20,
				Predicate: routing.NotBlacklisted(blacklist),
				Compare:   cmp,
			})
			if err != nil {
				candidates = nil
			}

			merged := make(map[wire.Endpoint]*routing.Node, len(candidates)+len(discovered))
			for _, c := range candidates {
				merged[c.Endpoint] = c
			}
			for ep, d := range discovered {
				merged[ep] = d
			}
			if len(merged) == 0 {
				return
			}

			type outstanding struct {
				node *routing.Node
				comp *krpc.Completion
			}
			var inflight []outstanding

			for _, node := range merged {
				if node.Pending() > 3 {
					continue
				}
				node.AddPending(1)
				comp, err := query(node.Endpoint, n.LocalID())
				if err != nil {
					node.AddPending(-1)
					continue
				}
				inflight = append(inflight, outstanding{node: node, comp: comp})
				used[node.Endpoint]++
			}

			roundDeadline := time.Now().Add(timeout)
			for _, w := range inflight {
				select {
				case <-n.ctx.Done():
					w.node.AddPending(-1)
					continue
				default:
				}

				// Wait treats zero as no deadline, so an expired round
				// keeps a minimal one.
				remaining := time.Until(roundDeadline)
				if remaining <= 0 {
					remaining = time.Millisecond
				}
				result := n.evalResponse(w.node, w.comp, remaining)
				w.node.AddPending(-1)

				if onResult != nil {
					onResult(w.node, result)
				}

				for _, nd := range wire.DecodeNodes([]byte(getString(result, "nodes"))) {
					registered := n.table.Register(nd.Endpoint, nd.ID, nil)
					if registered != nil {
						discovered[nd.Endpoint] = registered
					}
				}

				for _, r := range project(result) {
					if !returned[r] {
						returned[r] = true
						select {
						case out <- r:
						case <-n.ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return out
}
